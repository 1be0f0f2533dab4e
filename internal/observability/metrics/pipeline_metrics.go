package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DispatchResultOK      = "ok"
	DispatchResultRetry   = "retry"
	DispatchResultDead    = "dead"
	DispatchResultDropped = "dropped"
	DispatchResultInline  = "inline"

	LockResultAcquired  = "acquired"
	LockResultContended = "contended"
	LockResultError     = "error"
)

// PipelineMetrics captures webhook pipeline health: intake, dispatch, locks, circuits and reconciliation.
type PipelineMetrics struct {
	webhookEvents      *prometheus.CounterVec
	webhookProcessing  *prometheus.HistogramVec
	dispatchJobs       *prometheus.CounterVec
	dispatchRetries    *prometheus.CounterVec
	dispatchDead       *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	circuitRejections  *prometheus.CounterVec
	lockAcquire        *prometheus.CounterVec
	reconcileDrift     *prometheus.GaugeVec
	reconcileMissing   *prometheus.GaugeVec
	reconcileRunStatus *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

// UsePipelineMetricsForTest swaps the singleton for one bound to registerer.
func UsePipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	ResetPipelineMetricsForTest()
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = NewPipelineMetrics(registerer, Config{})
	})
	return pipelineMetrics
}

func NewPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &PipelineMetrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_webhook_events_total",
			Help:        "Webhook events by provider, event type and processing outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "event_type", "outcome"}),
		webhookProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "payrail_webhook_processing_seconds",
			Help:        "Time from dequeue to ledger status update.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		dispatchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_dispatch_jobs_total",
			Help:        "Dispatch jobs by queue, job name and result.",
			ConstLabels: constLabels,
		}, []string{"queue", "job", "result"}),
		dispatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_dispatch_retries_total",
			Help:        "Dispatch jobs scheduled for another attempt.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		dispatchDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_dispatch_dead_letters_total",
			Help:        "Dispatch jobs that exhausted their attempts.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "payrail_circuit_state",
			Help:        "Circuit state per collaborator: 0 closed, 1 half-open, 2 open.",
			ConstLabels: constLabels,
		}, []string{"name"}),
		circuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_circuit_rejections_total",
			Help:        "Calls rejected without invoking the collaborator.",
			ConstLabels: constLabels,
		}, []string{"name"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_lock_acquire_total",
			Help:        "Distributed lock acquisition attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		reconcileDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "payrail_reconciliation_drift_ratio",
			Help:        "Last computed drift between ledger totals and provider balance.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		reconcileMissing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "payrail_reconciliation_missing_ledger_rows",
			Help:        "Payments in the window without a matching webhook ledger row.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		reconcileRunStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrail_reconciliation_results_total",
			Help:        "Reconciliation classifications per provider.",
			ConstLabels: constLabels,
		}, []string{"provider", "status"}),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.webhookProcessing,
		m.dispatchJobs,
		m.dispatchRetries,
		m.dispatchDead,
		m.circuitState,
		m.circuitRejections,
		m.lockAcquire,
		m.reconcileDrift,
		m.reconcileMissing,
		m.reconcileRunStatus,
	)
	return m
}

func (m *PipelineMetrics) IncWebhookEvent(provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(label(provider), label(eventType), label(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveWebhookProcessing(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookProcessing.WithLabelValues(label(provider)).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncDispatchJob(queue, job, result string) {
	if m == nil {
		return
	}
	m.dispatchJobs.WithLabelValues(label(queue), label(job), label(result)).Inc()
}

func (m *PipelineMetrics) IncDispatchRetry(queue string) {
	if m == nil {
		return
	}
	m.dispatchRetries.WithLabelValues(label(queue)).Inc()
}

func (m *PipelineMetrics) IncDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.dispatchDead.WithLabelValues(label(queue)).Inc()
}

func (m *PipelineMetrics) SetCircuitState(name string, state float64) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(label(name)).Set(state)
}

func (m *PipelineMetrics) IncCircuitRejection(name string) {
	if m == nil {
		return
	}
	m.circuitRejections.WithLabelValues(label(name)).Inc()
}

func (m *PipelineMetrics) IncLockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(label(result)).Inc()
}

func (m *PipelineMetrics) ObserveReconciliation(provider, status string, drift float64, missing int64) {
	if m == nil {
		return
	}
	m.reconcileDrift.WithLabelValues(label(provider)).Set(drift)
	m.reconcileMissing.WithLabelValues(label(provider)).Set(float64(missing))
	m.reconcileRunStatus.WithLabelValues(label(provider), label(status)).Inc()
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "payrail"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
