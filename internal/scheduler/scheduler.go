package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/lock"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/internal/reconciliation"
	webhookservice "github.com/smallbiznis/payrail/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobBillingRetry   = "billing_retry"
	JobReconciliation = "reconciliation"
	JobLedgerRedrive  = "ledger_redrive"
	JobRegistrySweep  = "registry_sweep"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Reconciler interface {
	Run(ctx context.Context) (reconciliation.Report, error)
}

type Redriver interface {
	Redrive(ctx context.Context, olderThan time.Duration, maxRetries, limit int) (int, error)
}

// Sweeper is an in-process registry with a periodic cleanup.
type Sweeper interface {
	Sweep() int
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config
	Dispatcher dispatch.Dispatcher
	Reconciler *reconciliation.Service  `optional:"true"`
	Intake     *webhookservice.Intake   `optional:"true"`
	Breakers   *circuitbreaker.Registry `optional:"true"`
	Memory     *lock.MemoryLocker       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	dispatcher dispatch.Dispatcher
	reconciler Reconciler
	redriver   Redriver
	sweepers   map[string]Sweeper

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		dispatcher: p.Dispatcher,
		sweepers:   map[string]Sweeper{},
		lastRun:    map[string]time.Time{},
	}
	if p.Reconciler != nil {
		s.reconciler = p.Reconciler
	}
	if p.Intake != nil {
		s.redriver = p.Intake
	}
	if p.Breakers != nil {
		s.sweepers["circuit"] = p.Breakers
	}
	if p.Memory != nil {
		s.sweepers["lock"] = p.Memory
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks the work up again.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

type job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	jobs := []job{
		{JobBillingRetry, s.cfg.BillingInterval, 5 * time.Minute, s.BillingRetryJob},
	}
	if s.reconciler != nil {
		jobs = append(jobs, job{JobReconciliation, s.cfg.ReconcileInterval, 10 * time.Minute, s.ReconciliationJob})
	}
	if s.redriver != nil {
		jobs = append(jobs, job{JobLedgerRedrive, s.cfg.RedriveInterval, 2 * time.Minute, s.LedgerRedriveJob})
	}
	if len(s.sweepers) > 0 {
		jobs = append(jobs, job{JobRegistrySweep, s.cfg.SweepInterval, 30 * time.Second, s.RegistrySweepJob})
	}
	return jobs
}

// RunOnce runs every enabled job whose interval has elapsed since its last
// run. A failing job does not stop the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) || !s.due(j.name, j.interval) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
		s.markRun(j.name)
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) due(name string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	return !ok || !s.clock.Now().Before(last.Add(interval))
}

func (s *Scheduler) markRun(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = s.clock.Now()
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// BillingRetryJob hands the run to the billing queue, whose single consumer
// keeps runs from overlapping. Inline dispatch runs it right here.
func (s *Scheduler) BillingRetryJob(ctx context.Context) error {
	job, err := dispatch.NewJob(dispatch.QueueBilling, dispatch.JobBillingRun, map[string]any{
		"scheduled_at": s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(1)
	return nil
}

func (s *Scheduler) ReconciliationJob(ctx context.Context) error {
	report, err := s.reconciler.Run(ctx)
	jobRunFromContext(ctx).AddProcessed(len(report.Results))
	obsmetrics.Scheduler().AddBatchProcessed(JobReconciliation, "balance", len(report.Results))
	return err
}

func (s *Scheduler) LedgerRedriveJob(ctx context.Context) error {
	sent, err := s.redriver.Redrive(ctx, s.cfg.RedriveAfter, s.cfg.RedriveMaxRetries, s.cfg.RedriveBatchSize)
	jobRunFromContext(ctx).AddProcessed(sent)
	obsmetrics.Scheduler().AddBatchProcessed(JobLedgerRedrive, "webhook_event", sent)
	return err
}

func (s *Scheduler) RegistrySweepJob(ctx context.Context) error {
	for resource, sweeper := range s.sweepers {
		removed := sweeper.Sweep()
		jobRunFromContext(ctx).AddProcessed(removed)
		obsmetrics.Scheduler().AddBatchProcessed(JobRegistrySweep, resource, removed)
	}
	return nil
}
