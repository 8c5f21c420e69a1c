package vectorizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	v := validVectorizer()

	chunker, err := NewChunker(v.Config.Chunking)
	require.NoError(t, err)
	formatter, err := NewFormatter(v.Config.Formatting)
	require.NoError(t, err)

	return &Executor{
		v:         v,
		cfg:       &v.Config,
		chunker:   chunker,
		formatter: formatter,
		log:       testLogger(),
	}
}

type rowError struct {
	vectorizerID int
	pk           []any
	step         Step
	cause        error
}

type captureRecorder struct {
	rows        []rowError
	vectorizers []error
}

func (r *captureRecorder) RecordRowError(ctx context.Context, vectorizerID int, pk []any, step Step, cause error) {
	r.rows = append(r.rows, rowError{vectorizerID: vectorizerID, pk: pk, step: step, cause: cause})
}

func (r *captureRecorder) RecordVectorizerError(ctx context.Context, vectorizerID int, cause error) {
	r.vectorizers = append(r.vectorizers, cause)
}

func TestPartitionTombstones(t *testing.T) {
	claimed := []ClaimedRow{
		{PK: []any{int64(1)}},
		{PK: []any{int64(2)}, Row: map[string]any{"body": "still here"}},
		{PK: []any{int64(3)}},
	}

	tombstonePKs, alive := partitionTombstones(claimed)
	assert.Equal(t, [][]any{{int64(1)}, {int64(3)}}, tombstonePKs)
	assert.Equal(t, []int{1}, alive)
}

func TestRunPipelineSidelinesFailedRows(t *testing.T) {
	e := newTestExecutor(t)

	claimed := []ClaimedRow{
		{PK: []any{int64(1)}, Row: map[string]any{"body": "hello world"}},
		{PK: []any{int64(2)}, Row: map[string]any{"title": "no body column"}},
		{PK: []any{int64(3)}, Row: map[string]any{"body": nil}},
	}

	records, failed, processedIdx := e.runPipeline(claimed, []int{0, 1, 2})

	// Row 1 produced a chunk, row 2 failed loading, row 3 was null and
	// produced nothing but still counts as processed.
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].rowIdx)
	assert.Equal(t, 0, records[0].chunkSeq)
	assert.Equal(t, "hello world", records[0].chunk)
	assert.Equal(t, "hello world", records[0].document)

	require.Len(t, failed, 1)
	assert.Equal(t, []any{int64(2)}, failed[0].row.PK)
	assert.Equal(t, StepLoading, failed[0].step)

	assert.Equal(t, []int{0, 2}, processedIdx)
}

func TestRequeueAllRecordsRowErrors(t *testing.T) {
	e := newTestExecutor(t)
	recorder := &captureRecorder{}
	e.recorder = recorder

	var requeued [][]any
	e.requeue = func(ctx context.Context, row ClaimedRow, step Step, cause error) error {
		requeued = append(requeued, row.PK)
		return nil
	}

	rows := []ClaimedRow{
		{PK: []any{int64(1)}, Row: map[string]any{"body": "a"}},
		{PK: []any{int64(2)}, Row: map[string]any{"body": "b"}},
	}
	cause := &Error{Kind: KindProviderTransient, Step: StepEmbedding, Msg: "provider returned 503"}

	e.requeueAll(context.Background(), rows, StepEmbedding, cause)

	// Every retried row leaves an error record, so a transient provider
	// outage is visible in the errors table and not only in the log.
	require.Len(t, recorder.rows, 2)
	for i, rec := range recorder.rows {
		assert.Equal(t, e.v.ID, rec.vectorizerID)
		assert.Equal(t, rows[i].PK, rec.pk)
		assert.Equal(t, StepEmbedding, rec.step)
		assert.Equal(t, cause, rec.cause)
	}
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, requeued)
}
