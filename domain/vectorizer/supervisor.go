package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
	"github.com/emergent-company/vectorizer/pkg/logger"
)

// CatalogReader is the catalog surface the supervisor consumes.
type CatalogReader interface {
	List(ctx context.Context) ([]int, error)
	Get(ctx context.Context, id int) (*Vectorizer, error)
	PendingItems(ctx context.Context, v *Vectorizer, exact bool) (int64, error)
	FeatureFlags(ctx context.Context) (FeatureFlags, error)
}

// VectorizerRunner drains one vectorizer's queue.
type VectorizerRunner interface {
	Run(ctx context.Context, v *Vectorizer) (RunStats, error)
}

// ProcessReporter maintains the worker process liveness row.
type ProcessReporter interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Register(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	ProcessID() uuid.UUID
}

var (
	_ CatalogReader    = (*Catalog)(nil)
	_ VectorizerRunner = (*Worker)(nil)
	_ ProcessReporter  = (*ProcessTracker)(nil)
)

// SupervisorConfig is the process-level run configuration.
type SupervisorConfig struct {
	// VectorizerIDs restricts the run to specific vectorizers. Empty means
	// every enabled vectorizer, including ones created after startup.
	VectorizerIDs []int

	// PollInterval is the sleep between polling cycles.
	PollInterval time.Duration

	// Concurrency bounds how many vectorizers run in parallel per cycle.
	Concurrency int

	// Once runs a single cycle and exits.
	Once bool

	// ExitOnError stops the process on the first vectorizer failure instead
	// of carrying on with the next one. Implied by Once.
	ExitOnError bool

	// DBFailureLimit is the number of consecutive failed polling cycles
	// tolerated before the process gives up on the database.
	DBFailureLimit int

	// HeartbeatFailureLimit is the number of consecutive heartbeat failures
	// after which the supervisor stops heartbeating. Heartbeats are telemetry:
	// their failures never abort the run.
	HeartbeatFailureLimit int

	// Version is reported in the worker process row.
	Version string
}

// Supervisor owns the polling loop: each cycle it lists due vectorizers,
// heartbeats the process row, and hands each vectorizer to the worker with
// bounded parallelism.
type Supervisor struct {
	cfg     SupervisorConfig
	catalog CatalogReader
	worker  VectorizerRunner
	tracker ProcessReporter
	secrets *embeddings.SecretResolver

	// nextRun holds the next due time per cron-scheduled vectorizer. Guarded
	// by mu: runOne calls due from concurrent errgroup goroutines.
	mu      sync.Mutex
	nextRun map[int]time.Time

	// hbFailures counts consecutive heartbeat failures; at the configured
	// limit hbStopped turns heartbeating off for the rest of the run.
	hbFailures int
	hbStopped  bool

	log *slog.Logger
}

// NewSupervisor wires the supervisor. tracker and secrets may be nil; both
// are feature-gated at startup by the database's flags.
func NewSupervisor(cfg SupervisorConfig, catalog CatalogReader, worker VectorizerRunner, tracker ProcessReporter, secrets *embeddings.SecretResolver, log *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DBFailureLimit < 1 {
		cfg.DBFailureLimit = 3
	}
	if cfg.HeartbeatFailureLimit < 1 {
		cfg.HeartbeatFailureLimit = 3
	}
	if cfg.Once {
		cfg.ExitOnError = true
	}
	return &Supervisor{
		cfg:     cfg,
		catalog: catalog,
		worker:  worker,
		tracker: tracker,
		secrets: secrets,
		nextRun: map[int]time.Time{},
		log:     log.With(logger.Scope("vectorizer.supervisor")),
	}
}

// Run polls until the context is cancelled. In Once mode it returns after a
// single cycle.
func (s *Supervisor) Run(ctx context.Context) error {
	flags, err := s.catalog.FeatureFlags(ctx)
	if err != nil {
		s.log.Warn("could not load feature flags, tracking and secret reveal stay off",
			logger.Error(err))
		flags = FeatureFlags{}
	}
	if s.secrets != nil {
		s.secrets.SetAllowDBReveal(flags.RevealSecrets)
	}
	if s.tracker != nil {
		s.tracker.SetEnabled(flags.WorkerTracking)
	}

	if s.tracker != nil && s.tracker.Enabled() {
		if err := s.tracker.Register(ctx); err != nil {
			return fmt.Errorf("register worker process: %w", err)
		}
		s.log.Info("worker process registered",
			slog.String("process_id", s.tracker.ProcessID().String()))
	}

	dbFailures := 0
	for {
		err := s.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			dbFailures = 0
		case isDatabaseError(err):
			dbFailures++
			s.log.Warn("polling cycle failed", logger.Error(err),
				slog.Int("consecutive_failures", dbFailures))
			if dbFailures >= s.cfg.DBFailureLimit {
				return fmt.Errorf("database unreachable for %d cycles: %w", dbFailures, err)
			}
		default:
			if s.cfg.ExitOnError {
				return err
			}
			s.log.Error("polling cycle finished with errors", logger.Error(err))
		}

		if s.cfg.Once {
			return err
		}
		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// cycle heartbeats, resolves the due vectorizers, and runs them.
func (s *Supervisor) cycle(ctx context.Context) error {
	s.heartbeat(ctx)

	ids := s.cfg.VectorizerIDs
	if len(ids) == 0 {
		var err error
		ids, err = s.catalog.List(ctx)
		if err != nil {
			return &Error{Kind: KindDatabaseUnavailable, Msg: "list vectorizers", Err: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			return s.runOne(gctx, id)
		})
	}
	return g.Wait()
}

// runOne loads one vectorizer, checks its schedule, and drains its queue.
// Per-vectorizer fatal errors are recorded and swallowed unless ExitOnError
// is set, so one broken vectorizer never starves the others.
func (s *Supervisor) runOne(ctx context.Context, id int) error {
	v, err := s.catalog.Get(ctx, id)
	if err != nil {
		verr := Classify(err, "")
		if verr.Kind == KindConfig {
			s.log.Error("skipping vectorizer with invalid config",
				slog.Int("vectorizer_id", id), logger.Error(verr))
			if s.cfg.ExitOnError {
				return verr
			}
			return nil
		}
		return &Error{Kind: KindDatabaseUnavailable, Msg: "load vectorizer", Err: err}
	}

	if !s.due(v) {
		return nil
	}

	if pending, err := s.catalog.PendingItems(ctx, v, false); err == nil {
		metricPendingItems.WithLabelValues(strconv.Itoa(v.ID)).Set(float64(pending))
		if pending == 0 {
			return nil
		}
	}

	_, err = s.worker.Run(ctx, v)
	if err != nil && ctx.Err() == nil {
		if s.cfg.ExitOnError {
			return err
		}
		s.log.Error("vectorizer run failed", slog.Int("vectorizer_id", v.ID), logger.Error(err))
	}
	return nil
}

// heartbeat bumps the process row. Heartbeats are telemetry only: a failure
// is logged and counted, and past the limit the supervisor stops heartbeating
// for the rest of the run without ever aborting it.
func (s *Supervisor) heartbeat(ctx context.Context) {
	if s.tracker == nil || s.hbStopped {
		return
	}
	if err := s.tracker.Heartbeat(ctx); err != nil {
		s.hbFailures++
		s.log.Warn("heartbeat failed", logger.Error(err),
			slog.Int("consecutive_failures", s.hbFailures))
		if s.hbFailures >= s.cfg.HeartbeatFailureLimit {
			s.hbStopped = true
			s.log.Warn("stopping heartbeats after repeated failures",
				slog.Int("failures", s.hbFailures))
		}
		return
	}
	s.hbFailures = 0
}

// due applies the vectorizer's cron schedule, if any. Unscheduled vectorizers
// run every cycle.
func (s *Supervisor) due(v *Vectorizer) bool {
	sched, err := v.Config.Scheduling.Schedule()
	if err != nil || sched == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	next, ok := s.nextRun[v.ID]
	if !ok {
		s.nextRun[v.ID] = sched.Next(now)
		return true
	}
	if now.Before(next) {
		return false
	}
	s.nextRun[v.ID] = sched.Next(now)
	return true
}

func isDatabaseError(err error) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Kind == KindDatabaseUnavailable
}

// sleepCtx sleeps for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
