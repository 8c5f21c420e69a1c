package vectorizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
	"github.com/emergent-company/vectorizer/pkg/logger"
	"github.com/emergent-company/vectorizer/pkg/pgutils"
	"github.com/emergent-company/vectorizer/pkg/tracing"
)

// ErrorRecorder persists failures for operator visibility. It runs on its own
// connection so records survive the batch transaction's rollback.
type ErrorRecorder interface {
	RecordRowError(ctx context.Context, vectorizerID int, pk []any, step Step, cause error)
	RecordVectorizerError(ctx context.Context, vectorizerID int, cause error)
}

// BatchResult summarizes one executor cycle.
type BatchResult struct {
	// Claimed is the number of queue entries claimed, including tombstones.
	Claimed int

	// RowsWritten is the number of source rows whose chunks reached the
	// embedding store.
	RowsWritten int

	// ChunksWritten is the number of embedding rows inserted.
	ChunksWritten int

	// ChunkErrors counts chunks the provider rejected individually.
	ChunkErrors int

	// RowsRequeued counts rows that failed a pipeline step and went back to
	// the queue (or the dead-letter table).
	RowsRequeued int
}

// Executor drains one batch at a time for a single vectorizer: claim, load,
// chunk, format, embed, write, succeed, all inside one transaction so the
// advisory locks taken at claim time protect the whole cycle.
type Executor struct {
	v         *Vectorizer
	cfg       *Config
	pool      *pgxpool.Pool
	queue     *Queue
	chunker   Chunker
	formatter Formatter
	embedder  embeddings.Embedder
	recorder  ErrorRecorder
	requeue   func(ctx context.Context, row ClaimedRow, step Step, cause error) error
	log       *slog.Logger
}

// NewExecutor builds the executor for one vectorizer. The chunker and
// formatter are constructed from the vectorizer's config; a config error here
// is fatal for the vectorizer.
func NewExecutor(v *Vectorizer, pool *pgxpool.Pool, embedder embeddings.Embedder, recorder ErrorRecorder, log *slog.Logger) (*Executor, error) {
	cfg := &v.Config

	chunker, err := NewChunker(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	formatter, err := NewFormatter(cfg.Formatting)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		v:         v,
		cfg:       cfg,
		pool:      pool,
		queue:     NewQueue(v, log),
		chunker:   chunker,
		formatter: formatter,
		embedder:  embedder,
		recorder:  recorder,
		log:       log.With(logger.Scope("vectorizer.executor"), slog.Int("vectorizer_id", v.ID)),
	}
	e.requeue = func(ctx context.Context, row ClaimedRow, step Step, cause error) error {
		return e.queue.RequeueWithBackoff(ctx, e.pool, row, step, cause)
	}
	return e, nil
}

// record is one chunk on its way to the embedding store, keyed back to the
// claimed row it came from.
type record struct {
	rowIdx   int
	chunkSeq int
	chunk    string
	document string
	result   embeddings.Result
}

type failedRow struct {
	row  ClaimedRow
	step Step
	err  error
}

// RunBatch claims and processes one batch. An empty queue returns a zero
// result and no error. A returned error is batch-wide: the transaction has
// been rolled back and the claimed entries will be retried according to the
// error's classification (the caller requeues retryable failures).
func (e *Executor) RunBatch(ctx context.Context) (BatchResult, error) {
	ctx, span := tracing.Start(ctx, "vectorizer.RunBatch")
	defer span.End()

	var res BatchResult

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return res, &Error{Kind: KindDatabaseUnavailable, Msg: "begin batch transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	claimed, err := e.queue.Claim(ctx, tx, e.cfg.Processing.EffectiveBatchSize())
	if err != nil {
		return res, &Error{Kind: KindDatabaseUnavailable, Msg: "claim batch", Err: err}
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	tombstonePKs, alive := partitionTombstones(claimed)
	if err := e.queue.DeleteStoreRows(ctx, tx, tombstonePKs); err != nil {
		return res, &Error{Kind: KindDatabaseUnavailable, Msg: "delete tombstoned embeddings", Err: err}
	}

	records, failed, processedIdx := e.runPipeline(claimed, alive)

	// One embed call for the whole batch. A call-level failure voids the
	// batch: roll back and let the caller classify and requeue.
	if len(records) > 0 {
		docs := make([]string, len(records))
		for i, r := range records {
			docs[i] = r.document
		}
		results, err := e.embedder.EmbedDocuments(ctx, docs)
		if err != nil {
			verr := Classify(err, StepEmbedding)
			// Roll back before requeueing: the requeue runs on its own
			// connection and would otherwise block on the row locks this
			// transaction still holds.
			tx.Rollback(ctx)
			if verr.Retryable() {
				e.requeueAll(ctx, claimed, StepEmbedding, verr)
				res.RowsRequeued = len(claimed)
			}
			return res, verr
		}
		if len(results) != len(records) {
			return res, &Error{Kind: KindChunkEmbedding, Step: StepEmbedding,
				Msg: fmt.Sprintf("provider returned %d results for %d documents", len(results), len(records))}
		}
		for i := range records {
			records[i].result = results[i]
		}
	}

	// Write: per processed row, replace stale chunks then insert the new ones.
	byRow := make(map[int][]record, len(processedIdx))
	for _, r := range records {
		byRow[r.rowIdx] = append(byRow[r.rowIdx], r)
	}

	succeededPKs := make([][]any, 0, len(claimed))
	succeededPKs = append(succeededPKs, tombstonePKs...)

	copyRows := make([][]any, 0, len(records))
	pkCols := e.v.PKColumns()

	for _, i := range processedIdx {
		row := claimed[i]
		if err := e.queue.DeleteStoreRows(ctx, tx, [][]any{row.PK}); err != nil {
			return res, &Error{Kind: KindDatabaseUnavailable, Msg: "delete stale embeddings", Err: err}
		}

		for _, r := range byRow[i] {
			if !r.result.Ok() {
				res.ChunkErrors++
				if err := e.insertChunkError(ctx, tx, row.PK, r.chunkSeq, r.result.Err); err != nil {
					return res, &Error{Kind: KindDatabaseUnavailable, Msg: "record chunk error", Err: err}
				}
				continue
			}
			vals := make([]any, 0, len(pkCols)+3)
			vals = append(vals, row.PK...)
			vals = append(vals, r.chunkSeq, r.chunk, pgvector.NewVector(r.result.Vector))
			copyRows = append(copyRows, vals)
		}

		if len(byRow[i]) > 0 {
			res.RowsWritten++
		}
		succeededPKs = append(succeededPKs, row.PK)
	}

	if len(copyRows) > 0 {
		cols := append(append([]string{}, pkCols...), "chunk_seq", "chunk", "embedding")
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{e.v.TargetSchema, e.v.TargetTable},
			cols,
			pgx.CopyFromRows(copyRows))
		if err != nil {
			return res, &Error{Kind: KindDatabaseUnavailable, Step: StepWriting, Msg: "copy embeddings", Err: err}
		}
		res.ChunksWritten = int(n)
	}

	if err := e.queue.Succeed(ctx, tx, succeededPKs); err != nil {
		return res, &Error{Kind: KindDatabaseUnavailable, Msg: "remove completed queue entries", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, &Error{Kind: KindDatabaseUnavailable, Msg: "commit batch", Err: err}
	}

	// Sidelined rows go back to the queue only after the commit, so the
	// attempts increment on their entries has already been persisted.
	for _, f := range failed {
		res.RowsRequeued++
		if e.recorder != nil {
			e.recorder.RecordRowError(ctx, e.v.ID, f.row.PK, f.step, f.err)
		}
		if err := e.requeue(ctx, f.row, f.step, f.err); err != nil {
			e.log.Error("requeue after pipeline failure", logger.Error(err),
				slog.String("pk", pkKey(f.row.PK)))
		}
	}

	return res, nil
}

// requeueAll pushes every claimed row back with backoff after a retryable
// batch-wide failure. Each row also gets an error record, so retries and
// dead-letter moves are visible in the errors table, not only in the log.
func (e *Executor) requeueAll(ctx context.Context, rows []ClaimedRow, step Step, cause error) {
	for _, row := range rows {
		if e.recorder != nil {
			e.recorder.RecordRowError(ctx, e.v.ID, row.PK, step, cause)
		}
		if err := e.requeue(ctx, row, step, cause); err != nil {
			e.log.Error("requeue after batch failure", logger.Error(err),
				slog.String("pk", pkKey(row.PK)))
		}
	}
}

// partitionTombstones splits a claimed batch into the PKs whose source row is
// gone and the indexes of rows that still exist.
func partitionTombstones(claimed []ClaimedRow) (tombstonePKs [][]any, alive []int) {
	for i, row := range claimed {
		if row.Row == nil {
			tombstonePKs = append(tombstonePKs, row.PK)
		} else {
			alive = append(alive, i)
		}
	}
	return tombstonePKs, alive
}

// runPipeline runs loading, chunking, and formatting per live row. A step
// failure sidelines the row; the rest of the batch proceeds.
func (e *Executor) runPipeline(claimed []ClaimedRow, alive []int) ([]record, []failedRow, []int) {
	records := make([]record, 0, len(alive))
	var failed []failedRow
	processedIdx := make([]int, 0, len(alive))

	for _, i := range alive {
		row := claimed[i]
		recs, step, perr := e.pipelineRow(row)
		if perr != nil {
			failed = append(failed, failedRow{row: row, step: step, err: perr})
			continue
		}
		for r := range recs {
			recs[r].rowIdx = i
		}
		records = append(records, recs...)
		processedIdx = append(processedIdx, i)
	}
	return records, failed, processedIdx
}

// pipelineRow runs loading, chunking, and formatting for one claimed row.
func (e *Executor) pipelineRow(row ClaimedRow) ([]record, Step, error) {
	payload, err := LoadPayload(e.cfg, row.Row)
	if err != nil {
		return nil, stepOf(err, StepLoading), err
	}

	chunks, err := e.chunker.Chunk(payload)
	if err != nil {
		return nil, StepChunking, err
	}

	recs := make([]record, 0, len(chunks))
	for seq, chunk := range chunks {
		doc, err := e.formatter.Format(chunk, row.Row)
		if err != nil {
			return nil, StepFormatting, err
		}
		recs = append(recs, record{chunkSeq: seq, chunk: chunk, document: doc})
	}
	return recs, "", nil
}

func (e *Executor) insertChunkError(ctx context.Context, tx pgxQuerier, pk []any, chunkSeq int, cerr *embeddings.ChunkError) error {
	details, _ := json.Marshal(map[string]any{
		"pk":        pkKey(pk),
		"chunk_seq": chunkSeq,
		"reason":    cerr.Reason,
		"provider":  e.cfg.Embedding.Implementation,
		"step":      string(StepEmbedding),
	})
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (vectorizer_id, message, details) VALUES ($1, $2, $3)`,
			pgutils.QualifiedTable("ai", "vectorizer_errors")),
		e.v.ID, truncateMessage(cerr.Error()), details)
	return err
}

func stepOf(err error, fallback Step) Step {
	if verr, ok := err.(*Error); ok && verr.Step != "" {
		return verr.Step
	}
	return fallback
}
