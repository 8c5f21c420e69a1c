package vectorizer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
	"github.com/emergent-company/vectorizer/pkg/logger"
	"github.com/emergent-company/vectorizer/pkg/syshealth"
	"github.com/emergent-company/vectorizer/pkg/tracing"
)

// EmbedderFactory resolves the embedding config of a vectorizer into a ready
// provider client. Secret resolution happens here, so a missing API key
// surfaces before any queue entry is claimed.
type EmbedderFactory interface {
	Embedder(ctx context.Context, v *Vectorizer) (embeddings.Embedder, error)
}

// Tracker receives per-vectorizer progress when worker tracking is enabled.
type Tracker interface {
	RecordSuccess(ctx context.Context, vectorizerID int, res BatchResult)
	RecordFailure(ctx context.Context, vectorizerID int, cause error)
}

// RunStats aggregates the batches of one worker run over a vectorizer.
type RunStats struct {
	Batches       int
	RowsWritten   int
	ChunksWritten int
	ChunkErrors   int
	RowsRequeued  int
}

func (s *RunStats) add(res BatchResult) {
	s.Batches++
	s.RowsWritten += res.RowsWritten
	s.ChunksWritten += res.ChunksWritten
	s.ChunkErrors += res.ChunkErrors
	s.RowsRequeued += res.RowsRequeued
}

// Worker drains one vectorizer's queue with a pool of executors. Each
// executor loops RunBatch until the queue is empty or a fatal error stops the
// run; transient failures back the affected rows off and the loop carries on
// with whatever is still claimable.
type Worker struct {
	pool        *pgxpool.Pool
	factory     EmbedderFactory
	recorder    ErrorRecorder
	tracker     Tracker
	scaler      *syshealth.ConcurrencyScaler
	maxParallel int
	dbLimit     int
	log         *slog.Logger
}

// NewWorker wires a worker. scaler and tracker may be nil. maxParallel caps
// the per-vectorizer executor count on top of each vectorizer's own
// processing config (0 = no cap). dbFailureLimit is the number of consecutive
// database failures tolerated before the run aborts with a database error for
// the supervisor to handle.
func NewWorker(pool *pgxpool.Pool, factory EmbedderFactory, recorder ErrorRecorder, tracker Tracker, scaler *syshealth.ConcurrencyScaler, maxParallel, dbFailureLimit int, log *slog.Logger) *Worker {
	if dbFailureLimit < 1 {
		dbFailureLimit = 3
	}
	return &Worker{
		pool:        pool,
		factory:     factory,
		recorder:    recorder,
		tracker:     tracker,
		scaler:      scaler,
		maxParallel: maxParallel,
		dbLimit:     dbFailureLimit,
		log:         log.With(logger.Scope("vectorizer.worker")),
	}
}

// batchRunner abstracts the executor so the drain loop can be exercised
// without a live database.
type batchRunner interface {
	RunBatch(ctx context.Context) (BatchResult, error)
}

var _ batchRunner = (*Executor)(nil)

// Run processes the vectorizer until its queue drains. The returned error is
// nil on a clean drain, a fatal *Error when the vectorizer cannot make
// progress (bad config, bad credentials), or a database error when
// connectivity was lost mid-run.
func (w *Worker) Run(ctx context.Context, v *Vectorizer) (RunStats, error) {
	ctx, span := tracing.Start(ctx, "vectorizer.Run")
	defer span.End()

	log := w.log.With(slog.Int("vectorizer_id", v.ID))

	embedder, err := w.factory.Embedder(ctx, v)
	if err != nil {
		verr := Classify(err, StepEmbedding)
		w.reportFatal(ctx, v.ID, verr, log)
		return RunStats{}, verr
	}
	if err := embedder.Setup(ctx); err != nil {
		verr := Classify(err, StepEmbedding)
		if verr.Fatal() {
			w.reportFatal(ctx, v.ID, verr, log)
		}
		return RunStats{}, verr
	}

	exec, err := NewExecutor(v, w.pool, embedder, w.recorder, log)
	if err != nil {
		verr := Classify(err, StepEmbedding)
		w.reportFatal(ctx, v.ID, verr, log)
		return RunStats{}, verr
	}

	n := v.Config.Processing.EffectiveConcurrency()
	if w.maxParallel > 0 && n > w.maxParallel {
		n = w.maxParallel
	}
	if w.scaler != nil {
		n = w.scaler.GetConcurrency(n)
	}
	log.Info("worker run starting", slog.Int("concurrency", n))

	stats, err := w.drain(ctx, v.ID, exec, n, log)
	if err != nil {
		return stats, err
	}
	log.Info("worker run finished",
		slog.Int("batches", stats.Batches),
		slog.Int("rows_written", stats.RowsWritten),
		slog.Int("chunks_written", stats.ChunksWritten),
		slog.Int("chunk_errors", stats.ChunkErrors),
		slog.Int("rows_requeued", stats.RowsRequeued))
	return stats, ctx.Err()
}

// drain runs n executor loops until the queue is empty, the context is
// cancelled, or an error stops the run.
func (w *Worker) drain(ctx context.Context, vectorizerID int, exec batchRunner, n int, log *slog.Logger) (RunStats, error) {
	idLabel := strconv.Itoa(vectorizerID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		stats    RunStats
		runErr   error
		dbErrors int
	)
	setErr := func(err error) {
		mu.Lock()
		if runErr == nil {
			runErr = err
		}
		mu.Unlock()
		cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				start := time.Now()
				res, err := exec.RunBatch(runCtx)
				metricBatchDuration.WithLabelValues(idLabel).Observe(time.Since(start).Seconds())

				mu.Lock()
				stats.add(res)
				mu.Unlock()
				metricChunksWritten.WithLabelValues(idLabel).Add(float64(res.ChunksWritten))
				metricRowsWritten.WithLabelValues(idLabel).Add(float64(res.RowsWritten))
				metricChunkErrors.WithLabelValues(idLabel).Add(float64(res.ChunkErrors))
				metricRowsRequeued.WithLabelValues(idLabel).Add(float64(res.RowsRequeued))

				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					metricBatches.WithLabelValues(idLabel, "error").Inc()
					verr := Classify(err, StepEmbedding)

					switch {
					case verr.Fatal():
						w.reportFatal(ctx, vectorizerID, verr, log)
						setErr(verr)
						return
					case verr.Kind == KindDatabaseUnavailable:
						mu.Lock()
						dbErrors++
						exceeded := dbErrors >= w.dbLimit
						mu.Unlock()
						log.Warn("database error during batch", logger.Error(verr))
						if exceeded {
							setErr(verr)
							return
						}
					default:
						// Retryable: the claimed rows already carry a
						// retry_after, so the next claim skips them.
						log.Warn("batch failed, rows requeued", logger.Error(verr))
						if w.tracker != nil {
							w.tracker.RecordFailure(ctx, vectorizerID, verr)
						}
					}

					select {
					case <-runCtx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}

				mu.Lock()
				dbErrors = 0
				mu.Unlock()
				metricBatches.WithLabelValues(idLabel, "ok").Inc()

				if res.Claimed == 0 {
					return
				}
				if w.tracker != nil {
					w.tracker.RecordSuccess(ctx, vectorizerID, res)
				}
			}
		}()
	}
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return stats, runErr
	}
	return stats, nil
}

func (w *Worker) reportFatal(ctx context.Context, vectorizerID int, verr *Error, log *slog.Logger) {
	log.Error("vectorizer cannot make progress", logger.Error(verr))
	if w.recorder != nil {
		w.recorder.RecordVectorizerError(ctx, vectorizerID, verr)
	}
	if w.tracker != nil {
		w.tracker.RecordFailure(ctx, vectorizerID, verr)
	}
}
