package vectorizer

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/vectorizer/internal/config"
	"github.com/emergent-company/vectorizer/internal/version"
	"github.com/emergent-company/vectorizer/pkg/embeddings"
	"github.com/emergent-company/vectorizer/pkg/logger"
	"github.com/emergent-company/vectorizer/pkg/syshealth"
)

// Module wires the catalog, worker, and supervisor, and runs the supervisor
// for the lifetime of the process.
var Module = fx.Module("vectorizer",
	fx.Provide(
		NewCatalog,
		provideErrorStore,
		provideSecretResolver,
		provideProviderFactory,
		provideScaler,
		provideTracker,
		provideWorker,
		provideSupervisor,
	),
	fx.Invoke(RegisterSupervisorLifecycle),
)

func provideErrorStore(db bun.IDB, log *slog.Logger) *ErrorStore {
	return NewErrorStore(db, log)
}

func provideSecretResolver(db bun.IDB) *embeddings.SecretResolver {
	return embeddings.NewSecretResolver(db)
}

func provideProviderFactory(cfg *config.Config, secrets *embeddings.SecretResolver, log *slog.Logger) *ProviderFactory {
	return NewProviderFactory(cfg.Providers, secrets, log)
}

// provideScaler returns nil when adaptive scaling is off; the worker treats a
// nil scaler as a fixed concurrency.
func provideScaler(cfg *config.Config, db bun.IDB, log *slog.Logger, lc fx.Lifecycle) *syshealth.ConcurrencyScaler {
	if !cfg.Worker.EnableAdaptiveScaling {
		return nil
	}

	monitor := syshealth.NewMonitor(syshealth.DefaultConfig(), db, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return monitor.Start() },
		OnStop:  func(context.Context) error { return monitor.Stop() },
	})

	return syshealth.NewConcurrencyScaler(monitor, "vectorizer", true, 1, cfg.Worker.EffectiveConcurrency())
}

func provideTracker(cfg *config.Config, db bun.IDB, log *slog.Logger) *ProcessTracker {
	return NewProcessTracker(db, version.Version, cfg.Worker.PollInterval, log)
}

func provideWorker(
	cfg *config.Config,
	pool *pgxpool.Pool,
	factory *ProviderFactory,
	errs *ErrorStore,
	tracker *ProcessTracker,
	scaler *syshealth.ConcurrencyScaler,
	log *slog.Logger,
) *Worker {
	return NewWorker(pool, factory, errs, tracker, scaler,
		cfg.Worker.EffectiveConcurrency(), 0, log)
}

func provideSupervisor(
	cfg *config.Config,
	catalog *Catalog,
	worker *Worker,
	tracker *ProcessTracker,
	secrets *embeddings.SecretResolver,
	log *slog.Logger,
) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		VectorizerIDs:         cfg.Worker.VectorizerIDs,
		PollInterval:          cfg.Worker.PollInterval,
		Concurrency:           1,
		Once:                  cfg.Worker.Once,
		ExitOnError:           cfg.Worker.ExitOnError,
		HeartbeatFailureLimit: cfg.Worker.HeartbeatFailureLimit,
		Version:               version.Version,
	}, catalog, worker, tracker, secrets, log)
}

// RegisterSupervisorLifecycle runs the supervisor in the background and shuts
// the process down when it returns, which in Once mode is after one pass.
func RegisterSupervisorLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, s *Supervisor, log *slog.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := s.Run(runCtx)
				if err != nil && runCtx.Err() == nil {
					log.Error("supervisor stopped", logger.Error(err))
					shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
