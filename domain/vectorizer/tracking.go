package vectorizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/vectorizer/pkg/logger"
)

// VectorizerError is a persisted failure record, readable by operators
// through the admin API or plain SQL.
type VectorizerError struct {
	bun.BaseModel `bun:"table:ai.vectorizer_errors,alias:ve"`

	ID           int64           `bun:"id,pk,autoincrement"`
	VectorizerID int             `bun:"vectorizer_id,notnull"`
	Message      string          `bun:"message,notnull"`
	Details      json.RawMessage `bun:"details,type:jsonb"`
	RecordedAt   time.Time       `bun:"recorded_at,nullzero,default:now()"`
}

// WorkerProcess is one live worker process, heartbeated by the supervisor so
// operators can tell a dead worker from an idle one.
type WorkerProcess struct {
	bun.BaseModel `bun:"table:ai.vectorizer_worker_process,alias:wp"`

	ID                               uuid.UUID `bun:"id,pk,type:uuid"`
	Version                          string    `bun:"version,notnull"`
	Started                          time.Time `bun:"started,nullzero,default:now()"`
	LastHeartbeat                    time.Time `bun:"last_heartbeat,nullzero,default:now()"`
	Heartbeats                       int64     `bun:"heartbeats,notnull,default:0"`
	SuccessCount                     int64     `bun:"success_count,notnull,default:0"`
	ErrorCount                       int64     `bun:"error_count,notnull,default:0"`
	LastErrorAt                      time.Time `bun:"last_error_at,nullzero"`
	LastErrorMessage                 string    `bun:"last_error_message,nullzero"`
	ExpectedHeartbeatIntervalSeconds int64     `bun:"expected_heartbeat_interval_seconds,notnull"`
}

// WorkerProgress is the per-vectorizer success/error rollup.
type WorkerProgress struct {
	bun.BaseModel `bun:"table:ai.vectorizer_worker_progress,alias:prog"`

	VectorizerID       int       `bun:"vectorizer_id,pk"`
	SuccessCount       int64     `bun:"success_count,notnull,default:0"`
	ErrorCount         int64     `bun:"error_count,notnull,default:0"`
	LastSuccessAt      time.Time `bun:"last_success_at,nullzero"`
	LastSuccessProcess uuid.UUID `bun:"last_success_process_id,nullzero,type:uuid"`
	LastErrorAt        time.Time `bun:"last_error_at,nullzero"`
	LastErrorMessage   string    `bun:"last_error_message,nullzero"`
	LastErrorProcess   uuid.UUID `bun:"last_error_process_id,nullzero,type:uuid"`
}

// ErrorStore writes VectorizerError records on its own connection, outside
// any batch transaction.
type ErrorStore struct {
	db  bun.IDB
	log *slog.Logger
}

func NewErrorStore(db bun.IDB, log *slog.Logger) *ErrorStore {
	return &ErrorStore{db: db, log: log.With(logger.Scope("vectorizer.errors"))}
}

var _ ErrorRecorder = (*ErrorStore)(nil)

// RecordRowError persists a per-row pipeline failure. Best effort: a failed
// insert is logged, never propagated, so error recording cannot take down the
// run it is reporting on.
func (s *ErrorStore) RecordRowError(ctx context.Context, vectorizerID int, pk []any, step Step, cause error) {
	details, _ := json.Marshal(map[string]any{
		"pk":   pkKey(pk),
		"step": string(step),
	})
	s.insert(ctx, &VectorizerError{
		VectorizerID: vectorizerID,
		Message:      truncateMessage(cause.Error()),
		Details:      details,
	})
}

// RecordVectorizerError persists a vectorizer-level failure.
func (s *ErrorStore) RecordVectorizerError(ctx context.Context, vectorizerID int, cause error) {
	var details json.RawMessage
	if verr, ok := cause.(*Error); ok {
		details, _ = json.Marshal(map[string]any{
			"kind": string(verr.Kind),
			"step": string(verr.Step),
		})
	}
	s.insert(ctx, &VectorizerError{
		VectorizerID: vectorizerID,
		Message:      truncateMessage(cause.Error()),
		Details:      details,
	})
}

// Recent returns the newest error records for one vectorizer.
func (s *ErrorStore) Recent(ctx context.Context, vectorizerID, limit int) ([]VectorizerError, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []VectorizerError
	err := s.db.NewSelect().
		Model(&out).
		Where("vectorizer_id = ?", vectorizerID).
		OrderExpr("recorded_at DESC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *ErrorStore) insert(ctx context.Context, rec *VectorizerError) {
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		s.log.Error("failed to persist error record", logger.Error(err),
			slog.Int("vectorizer_id", rec.VectorizerID))
	}
}

// ProcessTracker maintains this process's WorkerProcess row and the
// per-vectorizer WorkerProgress rollups. It stays inert until the
// worker_tracking feature flag enables it at startup.
type ProcessTracker struct {
	db        bun.IDB
	processID uuid.UUID
	version   string
	interval  time.Duration
	enabled   atomic.Bool
	log       *slog.Logger
}

func NewProcessTracker(db bun.IDB, version string, heartbeatInterval time.Duration, log *slog.Logger) *ProcessTracker {
	return &ProcessTracker{
		db:        db,
		processID: uuid.New(),
		version:   version,
		interval:  heartbeatInterval,
		log:       log.With(logger.Scope("vectorizer.tracking")),
	}
}

var _ Tracker = (*ProcessTracker)(nil)

// ProcessID identifies this worker process in progress rows.
func (t *ProcessTracker) ProcessID() uuid.UUID { return t.processID }

// SetEnabled turns tracking on or off. All writes are no-ops while disabled.
func (t *ProcessTracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Enabled reports whether tracking writes are active.
func (t *ProcessTracker) Enabled() bool { return t.enabled.Load() }

// Register inserts the process row. Called once at startup.
func (t *ProcessTracker) Register(ctx context.Context) error {
	if !t.enabled.Load() {
		return nil
	}
	_, err := t.db.NewInsert().Model(&WorkerProcess{
		ID:                               t.processID,
		Version:                          t.version,
		ExpectedHeartbeatIntervalSeconds: int64(t.interval / time.Second),
	}).Exec(ctx)
	return err
}

// Heartbeat bumps the process row. Called every poll cycle.
func (t *ProcessTracker) Heartbeat(ctx context.Context) error {
	if !t.enabled.Load() {
		return nil
	}
	_, err := t.db.NewUpdate().
		Model((*WorkerProcess)(nil)).
		Set("last_heartbeat = now()").
		Set("heartbeats = heartbeats + 1").
		Where("id = ?", t.processID).
		Exec(ctx)
	return err
}

// RecordSuccess rolls a successful batch into the vectorizer's progress row.
func (t *ProcessTracker) RecordSuccess(ctx context.Context, vectorizerID int, res BatchResult) {
	if !t.enabled.Load() {
		return
	}
	_, err := t.db.NewInsert().
		Model(&WorkerProgress{
			VectorizerID:       vectorizerID,
			SuccessCount:       1,
			LastSuccessAt:      time.Now(),
			LastSuccessProcess: t.processID,
		}).
		On("CONFLICT (vectorizer_id) DO UPDATE").
		Set("success_count = prog.success_count + 1").
		Set("last_success_at = now()").
		Set("last_success_process_id = EXCLUDED.last_success_process_id").
		Exec(ctx)
	if err != nil {
		t.log.Error("failed to record progress", logger.Error(err),
			slog.Int("vectorizer_id", vectorizerID))
	}

	_, err = t.db.NewUpdate().
		Model((*WorkerProcess)(nil)).
		Set("success_count = success_count + 1").
		Where("id = ?", t.processID).
		Exec(ctx)
	if err != nil {
		t.log.Error("failed to record process success", logger.Error(err))
	}
}

// RecordFailure rolls a failed batch into both the vectorizer's progress row
// and the process row.
func (t *ProcessTracker) RecordFailure(ctx context.Context, vectorizerID int, cause error) {
	if !t.enabled.Load() {
		return
	}
	msg := truncateMessage(cause.Error())

	_, err := t.db.NewInsert().
		Model(&WorkerProgress{
			VectorizerID:     vectorizerID,
			ErrorCount:       1,
			LastErrorAt:      time.Now(),
			LastErrorMessage: msg,
			LastErrorProcess: t.processID,
		}).
		On("CONFLICT (vectorizer_id) DO UPDATE").
		Set("error_count = prog.error_count + 1").
		Set("last_error_at = now()").
		Set("last_error_message = EXCLUDED.last_error_message").
		Set("last_error_process_id = EXCLUDED.last_error_process_id").
		Exec(ctx)
	if err != nil {
		t.log.Error("failed to record progress", logger.Error(err),
			slog.Int("vectorizer_id", vectorizerID))
	}

	_, err = t.db.NewUpdate().
		Model((*WorkerProcess)(nil)).
		Set("error_count = error_count + 1").
		Set("last_error_at = now()").
		Set("last_error_message = ?", msg).
		Where("id = ?", t.processID).
		Exec(ctx)
	if err != nil {
		t.log.Error("failed to record process error", logger.Error(err))
	}
}
