package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/reconciliation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

type countingReconciler struct {
	runs int
	err  error
}

func (r *countingReconciler) Run(context.Context) (reconciliation.Report, error) {
	r.runs++
	return reconciliation.Report{Results: []reconciliation.Result{{Provider: "stripe", Status: reconciliation.StatusOK}}}, r.err
}

type countingRedriver struct {
	runs      int
	olderThan time.Duration
}

func (r *countingRedriver) Redrive(_ context.Context, olderThan time.Duration, _, _ int) (int, error) {
	r.runs++
	r.olderThan = olderThan
	return 0, nil
}

type countingSweeper struct{ runs int }

func (s *countingSweeper) Sweep() int {
	s.runs++
	return 1
}

type fakeScheduler struct {
	*Scheduler
	clk        *clock.FakeClock
	dispatcher *recordingDispatcher
	reconciler *countingReconciler
	redriver   *countingRedriver
	sweeper    *countingSweeper
}

func newFakeScheduler(t *testing.T, cfg Config) *fakeScheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	f := &fakeScheduler{
		clk:        clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		dispatcher: &recordingDispatcher{},
		reconciler: &countingReconciler{},
		redriver:   &countingRedriver{},
		sweeper:    &countingSweeper{},
	}
	f.Scheduler = &Scheduler{
		log:        zap.NewNop(),
		cfg:        cfg.withDefaults(),
		genID:      node,
		clock:      f.clk,
		dispatcher: f.dispatcher,
		reconciler: f.reconciler,
		redriver:   f.redriver,
		sweepers:   map[string]Sweeper{"circuit": f.sweeper},
		lastRun:    map[string]time.Time{},
	}
	return f
}

func TestScheduler_RunOnce_FakeClock_TwoHours(t *testing.T) {
	f := newFakeScheduler(t, Config{})
	ctx := context.Background()

	for minute := 0; minute <= 120; minute++ {
		require.NoError(t, f.RunOnce(ctx))
		f.clk.Advance(time.Minute)
	}

	assert.Len(t, f.dispatcher.jobs, 9)
	for _, job := range f.dispatcher.jobs {
		assert.Equal(t, dispatch.QueueBilling, job.Queue)
		assert.Equal(t, dispatch.JobBillingRun, job.Name)
	}
	assert.Equal(t, 3, f.reconciler.runs)
	assert.Equal(t, 121, f.redriver.runs)
	assert.Equal(t, 5*time.Minute, f.redriver.olderThan)
	assert.Equal(t, 25, f.sweeper.runs)
}

func TestScheduler_RunOnce_EnabledJobsFilter(t *testing.T) {
	f := newFakeScheduler(t, Config{EnabledJobs: []string{"Reconciliation"}})

	require.NoError(t, f.RunOnce(context.Background()))
	assert.Empty(t, f.dispatcher.jobs)
	assert.Equal(t, 1, f.reconciler.runs)
	assert.Zero(t, f.redriver.runs)
	assert.Zero(t, f.sweeper.runs)
}

func TestScheduler_RunOnce_FailingJobDoesNotStopOthers(t *testing.T) {
	f := newFakeScheduler(t, Config{})
	f.reconciler.err = errors.New("balance endpoint down")

	err := f.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobReconciliation)
	assert.Len(t, f.dispatcher.jobs, 1)
	assert.Equal(t, 1, f.redriver.runs)
	assert.Equal(t, 1, f.sweeper.runs)

	// The failed job waits for its interval like any other.
	f.reconciler.err = nil
	require.NoError(t, f.RunOnce(context.Background()))
	assert.Equal(t, 1, f.reconciler.runs)
}
