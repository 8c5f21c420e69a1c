package vectorizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDueWithoutSchedule(t *testing.T) {
	s := &Supervisor{nextRun: map[int]time.Time{}}
	v := validVectorizer()

	assert.True(t, s.due(v))
	assert.True(t, s.due(v), "unscheduled vectorizers run every cycle")
}

func TestDueWithCronSchedule(t *testing.T) {
	s := &Supervisor{nextRun: map[int]time.Time{}}
	v := validVectorizer()
	v.Config.Scheduling = SchedulingConfig{Implementation: "cron", Expression: "0 3 * * *"}

	// First sighting runs immediately and records the next due time.
	require.True(t, s.due(v))
	next, ok := s.nextRun[v.ID]
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	// Until that time arrives the vectorizer is skipped.
	assert.False(t, s.due(v))

	// Once the recorded time passes, it runs and reschedules.
	s.nextRun[v.ID] = time.Now().Add(-time.Second)
	assert.True(t, s.due(v))
	assert.True(t, s.nextRun[v.ID].After(time.Now()))
}

func TestDueTreatsBrokenCronAsUnscheduled(t *testing.T) {
	// Validate catches bad expressions long before this point; due must not
	// wedge a vectorizer that slipped through.
	s := &Supervisor{nextRun: map[int]time.Time{}}
	v := validVectorizer()
	v.Config.Scheduling = SchedulingConfig{Implementation: "cron", Expression: "garbage"}

	assert.True(t, s.due(v))
}

func TestIsDatabaseError(t *testing.T) {
	assert.True(t, isDatabaseError(&Error{Kind: KindDatabaseUnavailable}))
	assert.True(t, isDatabaseError(
		&Error{Kind: KindDatabaseUnavailable, Err: errors.New("conn refused")}))
	assert.False(t, isDatabaseError(&Error{Kind: KindStep}))
	assert.False(t, isDatabaseError(errors.New("plain")))
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
}

func TestNewSupervisorDefaults(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{Once: true}, nil, nil, nil, nil, testLogger())

	assert.Equal(t, 5*time.Minute, s.cfg.PollInterval)
	assert.Equal(t, 1, s.cfg.Concurrency)
	assert.Equal(t, 3, s.cfg.DBFailureLimit)
	assert.Equal(t, 3, s.cfg.HeartbeatFailureLimit)
	assert.True(t, s.cfg.ExitOnError, "once implies exit on error")
}

type fakeCatalog struct {
	mu          sync.Mutex
	lists       [][]int
	listCalls   int
	vectorizers map[int]*Vectorizer
	pending     map[int]int64
	flags       FeatureFlags
}

func (c *fakeCatalog) List(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listCalls < len(c.lists) {
		ids := c.lists[c.listCalls]
		c.listCalls++
		return ids, nil
	}
	return nil, nil
}

func (c *fakeCatalog) Get(ctx context.Context, id int) (*Vectorizer, error) {
	return c.vectorizers[id], nil
}

func (c *fakeCatalog) PendingItems(ctx context.Context, v *Vectorizer, exact bool) (int64, error) {
	return c.pending[v.ID], nil
}

func (c *fakeCatalog) FeatureFlags(ctx context.Context) (FeatureFlags, error) {
	return c.flags, nil
}

type fakeRunner struct {
	mu  sync.Mutex
	ran []int
}

func (r *fakeRunner) Run(ctx context.Context, v *Vectorizer) (RunStats, error) {
	r.mu.Lock()
	r.ran = append(r.ran, v.ID)
	r.mu.Unlock()
	return RunStats{}, nil
}

type fakeReporter struct {
	enabled    bool
	registered bool
	hbCalls    int
	hbErr      error
}

func (r *fakeReporter) SetEnabled(enabled bool) { r.enabled = enabled }
func (r *fakeReporter) Enabled() bool           { return r.enabled }

func (r *fakeReporter) Register(ctx context.Context) error {
	r.registered = true
	return nil
}

func (r *fakeReporter) Heartbeat(ctx context.Context) error {
	r.hbCalls++
	return r.hbErr
}

func (r *fakeReporter) ProcessID() uuid.UUID { return uuid.Nil }

func TestCyclePicksUpNewVectorizers(t *testing.T) {
	v1 := validVectorizer()
	v2 := validVectorizer()
	v2.ID = 2

	cat := &fakeCatalog{
		lists:       [][]int{{1}, {1, 2}},
		vectorizers: map[int]*Vectorizer{1: v1, 2: v2},
		pending:     map[int]int64{1: 5, 2: 5},
	}
	runner := &fakeRunner{}
	s := NewSupervisor(SupervisorConfig{}, cat, runner, nil, nil, testLogger())

	// A vectorizer created between cycles shows up on the next list.
	require.NoError(t, s.cycle(context.Background()))
	assert.Equal(t, []int{1}, runner.ran)

	require.NoError(t, s.cycle(context.Background()))
	assert.Equal(t, []int{1, 1, 2}, runner.ran)
}

func TestCycleSkipsVectorizersWithEmptyQueues(t *testing.T) {
	cat := &fakeCatalog{
		lists:       [][]int{{1}},
		vectorizers: map[int]*Vectorizer{1: validVectorizer()},
		pending:     map[int]int64{1: 0},
	}
	runner := &fakeRunner{}
	s := NewSupervisor(SupervisorConfig{}, cat, runner, nil, nil, testLogger())

	require.NoError(t, s.cycle(context.Background()))
	assert.Empty(t, runner.ran)
}

func TestHeartbeatFailuresNeverAbortTheRun(t *testing.T) {
	cat := &fakeCatalog{}
	reporter := &fakeReporter{enabled: true, hbErr: errors.New("conn refused")}
	s := NewSupervisor(SupervisorConfig{HeartbeatFailureLimit: 2},
		cat, &fakeRunner{}, reporter, nil, testLogger())

	for i := 0; i < 4; i++ {
		require.NoError(t, s.cycle(context.Background()))
	}

	// Heartbeating gives up at the limit; the cycles themselves carry on.
	assert.Equal(t, 2, reporter.hbCalls)
	assert.True(t, s.hbStopped)
}

func TestHeartbeatSuccessResetsFailureCount(t *testing.T) {
	reporter := &fakeReporter{enabled: true, hbErr: errors.New("conn refused")}
	s := NewSupervisor(SupervisorConfig{HeartbeatFailureLimit: 3},
		&fakeCatalog{}, &fakeRunner{}, reporter, nil, testLogger())

	s.heartbeat(context.Background())
	s.heartbeat(context.Background())
	assert.Equal(t, 2, s.hbFailures)

	reporter.hbErr = nil
	s.heartbeat(context.Background())
	assert.Equal(t, 0, s.hbFailures)
	assert.False(t, s.hbStopped)
}

func TestRunRegistersWhenTrackingEnabled(t *testing.T) {
	cat := &fakeCatalog{flags: FeatureFlags{WorkerTracking: true}}
	reporter := &fakeReporter{}
	s := NewSupervisor(SupervisorConfig{Once: true},
		cat, &fakeRunner{}, reporter, nil, testLogger())

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, reporter.enabled, "the worker_tracking flag turns the reporter on")
	assert.True(t, reporter.registered)
}
