package vectorizer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/uptrace/bun"

	"github.com/emergent-company/vectorizer/pkg/logger"
	"github.com/emergent-company/vectorizer/pkg/pgutils"
)

// Catalog reads vectorizer definitions and installation feature flags.
type Catalog struct {
	db  bun.IDB
	log *slog.Logger
}

// NewCatalog creates a catalog reader.
func NewCatalog(db bun.IDB, log *slog.Logger) *Catalog {
	return &Catalog{
		db:  db,
		log: log.With(logger.Scope("vectorizer.catalog")),
	}
}

// List returns the ids of all enabled vectorizers, shuffled so that multiple
// supervisors running against the same database spread their load instead of
// all starting with the lowest id.
func (c *Catalog) List(ctx context.Context) ([]int, error) {
	var ids []int
	err := c.db.NewSelect().
		Model((*Vectorizer)(nil)).
		Column("id").
		Where("disabled = false").
		Order("id").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list vectorizers: %w", err)
	}

	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids, nil
}

// Get fetches one vectorizer by id and validates its configuration.
// A missing id or invalid config is a fatal config error for that vectorizer.
func (c *Catalog) Get(ctx context.Context, id int) (*Vectorizer, error) {
	v := &Vectorizer{}
	err := c.db.NewSelect().
		Model(v).
		Where("id = ?", id).
		Scan(ctx)

	if err == sql.ErrNoRows {
		return nil, NewConfigError("vectorizer %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get vectorizer %d: %w", id, err)
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}

	return v, nil
}

// PendingItems returns the queue depth for a vectorizer. With exact=false a
// catalog-statistics estimate is returned instead of a full count; the
// estimate is clamped to be a non-negative lower bound, falling back to an
// existence probe ("at least one") when the table has never been analyzed.
func (c *Catalog) PendingItems(ctx context.Context, v *Vectorizer, exact bool) (int64, error) {
	queue := pgutils.QualifiedTable(v.QueueSchema, v.QueueTable)

	if exact {
		var n int64
		err := c.db.NewRaw(fmt.Sprintf(`SELECT count(*) FROM %s`, queue)).Scan(ctx, &n)
		if err != nil {
			return 0, fmt.Errorf("count queue %s: %w", queue, err)
		}
		return n, nil
	}

	var estimate sql.NullFloat64
	err := c.db.NewRaw(
		`SELECT c.reltuples
		 FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = ? AND c.relname = ?`,
		v.QueueSchema, v.QueueTable,
	).Scan(ctx, &estimate)
	if err != nil {
		return 0, fmt.Errorf("estimate queue depth: %w", err)
	}

	// reltuples is -1 until the first VACUUM/ANALYZE, and stays 0 after an
	// ANALYZE that saw the table empty even once rows arrive. Neither is a
	// usable lower bound, so both fall through to the existence probe.
	if !usableEstimate(estimate) {
		var exists bool
		err := c.db.NewRaw(fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s LIMIT 1)`, queue)).Scan(ctx, &exists)
		if err != nil {
			return 0, fmt.Errorf("probe queue %s: %w", queue, err)
		}
		if exists {
			return 1, nil
		}
		return 0, nil
	}

	return int64(estimate.Float64), nil
}

// usableEstimate reports whether a reltuples value can serve as a non-zero
// lower bound on queue depth.
func usableEstimate(estimate sql.NullFloat64) bool {
	return estimate.Valid && estimate.Float64 > 0
}

// FeatureFlags is the per-installation flag snapshot read at supervisor start.
type FeatureFlags struct {
	WorkerTracking bool
	RevealSecrets  bool
}

// FeatureFlags reads the installation's flags. A missing flag table (older
// installations) disables everything rather than failing the run.
func (c *Catalog) FeatureFlags(ctx context.Context) (FeatureFlags, error) {
	type flagRow struct {
		Name    string `bun:"name"`
		Enabled bool   `bun:"enabled"`
	}

	var rows []flagRow
	err := c.db.NewRaw(`SELECT name, enabled FROM ai.feature_flag`).Scan(ctx, &rows)
	if err != nil {
		if pgutils.IsUndefinedTable(err) {
			c.log.Debug("feature flag table missing, all flags off")
			return FeatureFlags{}, nil
		}
		return FeatureFlags{}, fmt.Errorf("read feature flags: %w", err)
	}

	flags := FeatureFlags{}
	for _, r := range rows {
		switch r.Name {
		case "worker_tracking":
			flags.WorkerTracking = r.Enabled
		case "reveal_secrets":
			flags.RevealSecrets = r.Enabled
		}
	}
	return flags, nil
}
