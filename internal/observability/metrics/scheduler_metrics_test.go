package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "lock_contended", err: fmt.Errorf("billing run: %w", ErrSchedulerLockContended), want: SchedulerJobReasonLockContended},
		{name: "upstream", err: fmt.Errorf("charge: %w", ErrSchedulerUpstream), want: SchedulerJobReasonUpstreamUnavailable},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSchedulerMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "payrail", Environment: "test"})

	m.IncJobRun("billing_retry")
	m.IncJobRun("billing_retry")
	m.IncJobError("billing_retry", context.DeadlineExceeded)
	m.ObserveJobDuration("billing_retry", 150*time.Millisecond)
	m.AddBatchProcessed("billing_retry", "subscriptions", 3)

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("billing_retry")); got != 2 {
		t.Fatalf("expected 2 job runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("billing_retry", SchedulerJobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 job error, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("billing_retry", "subscriptions")); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
}

func TestPipelineMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipelineMetrics(registry, Config{})

	m.IncWebhookEvent("paystack", "charge.success", "processed")
	m.IncDispatchJob("webhooks", "webhook.process", DispatchResultRetry)
	m.IncLockAcquire(LockResultContended)
	m.ObserveReconciliation("stripe", "warning", 0.02, 4)

	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("paystack", "charge.success", "processed")); got != 1 {
		t.Fatalf("expected 1 webhook event, got %v", got)
	}
	if got := testutil.ToFloat64(m.lockAcquire.WithLabelValues(LockResultContended)); got != 1 {
		t.Fatalf("expected 1 contended lock, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconcileMissing.WithLabelValues("stripe")); got != 4 {
		t.Fatalf("expected 4 missing rows, got %v", got)
	}
	var nilMetrics *PipelineMetrics
	nilMetrics.IncWebhookEvent("x", "y", "z")
}
