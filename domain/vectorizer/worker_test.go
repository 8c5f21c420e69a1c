package vectorizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBatchRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (BatchResult, error)
}

func (r *stubBatchRunner) RunBatch(ctx context.Context) (BatchResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()
	return r.fn(call)
}

type captureTracker struct {
	mu        sync.Mutex
	successes []int
	failures  []error
}

func (c *captureTracker) RecordSuccess(ctx context.Context, vectorizerID int, res BatchResult) {
	c.mu.Lock()
	c.successes = append(c.successes, vectorizerID)
	c.mu.Unlock()
}

func (c *captureTracker) RecordFailure(ctx context.Context, vectorizerID int, cause error) {
	c.mu.Lock()
	c.failures = append(c.failures, cause)
	c.mu.Unlock()
}

func testWorker(dbLimit int) *Worker {
	return &Worker{dbLimit: dbLimit, log: testLogger()}
}

func TestDrainExitsOnEmptyQueue(t *testing.T) {
	runner := &stubBatchRunner{fn: func(call int) (BatchResult, error) {
		if call == 1 {
			return BatchResult{Claimed: 3, RowsWritten: 2, ChunksWritten: 5}, nil
		}
		return BatchResult{}, nil
	}}

	stats, err := testWorker(3).drain(context.Background(), 1, runner, 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 2, stats.RowsWritten)
	assert.Equal(t, 5, stats.ChunksWritten)
}

func TestDrainStopsBetweenBatchesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &stubBatchRunner{fn: func(call int) (BatchResult, error) {
		// Shutdown arrives while a batch is in flight; the loop must not
		// claim another one.
		cancel()
		return BatchResult{Claimed: 4, RowsWritten: 4}, nil
	}}

	stats, err := testWorker(3).drain(ctx, 1, runner, 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 4, stats.RowsWritten, "the in-flight batch still counts")
}

func TestDrainStopsOnFatalError(t *testing.T) {
	runner := &stubBatchRunner{fn: func(call int) (BatchResult, error) {
		return BatchResult{}, &Error{Kind: KindProviderAuth, Step: StepEmbedding, Msg: "invalid api key"}
	}}

	_, err := testWorker(3).drain(context.Background(), 1, runner, 1, testLogger())
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindProviderAuth, verr.Kind)
	assert.Equal(t, 1, runner.calls)
}

func TestDrainAbortsAfterConsecutiveDatabaseErrors(t *testing.T) {
	runner := &stubBatchRunner{fn: func(call int) (BatchResult, error) {
		return BatchResult{}, &Error{Kind: KindDatabaseUnavailable, Msg: "conn refused"}
	}}

	_, err := testWorker(1).drain(context.Background(), 1, runner, 1, testLogger())
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindDatabaseUnavailable, verr.Kind)
	assert.Equal(t, 1, runner.calls)
}

func TestDrainContinuesAfterRetryableFailure(t *testing.T) {
	tracker := &captureTracker{}
	w := testWorker(3)
	w.tracker = tracker

	runner := &stubBatchRunner{fn: func(call int) (BatchResult, error) {
		if call == 1 {
			return BatchResult{Claimed: 2, RowsRequeued: 2},
				&Error{Kind: KindProviderTransient, Step: StepEmbedding, Msg: "provider returned 503"}
		}
		return BatchResult{}, nil
	}}

	stats, err := w.drain(context.Background(), 7, runner, 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, runner.calls, "the loop retries after a transient failure")
	assert.Equal(t, 2, stats.RowsRequeued)
	require.Len(t, tracker.failures, 1)
	var verr *Error
	require.ErrorAs(t, tracker.failures[0], &verr)
	assert.Equal(t, KindProviderTransient, verr.Kind)
}
