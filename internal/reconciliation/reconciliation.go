// Package reconciliation compares ledger-derived net volume with what each
// provider reports and raises alerts on drift. It never writes financial rows.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	alertdomain "github.com/smallbiznis/payrail/internal/alert/domain"
	alertservice "github.com/smallbiznis/payrail/internal/alert/service"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/lock"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockKey = "reconciliation:run"
	lockTTL = 10 * time.Minute
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

type Thresholds struct {
	Warning float64
	Error   float64
}

// Classify returns the drift ratio |reported-expected| / |expected| and its
// class. A zero expectation drifts fully unless the provider also reports zero.
func Classify(expected, reported int64, th Thresholds) (Status, float64) {
	var drift float64
	switch {
	case expected == 0 && reported == 0:
		drift = 0
	case expected == 0:
		drift = 1
	default:
		drift = math.Abs(float64(reported-expected)) / math.Abs(float64(expected))
	}
	switch {
	case drift >= th.Error:
		return StatusError, drift
	case drift >= th.Warning:
		return StatusWarning, drift
	default:
		return StatusOK, drift
	}
}

// Result covers one (provider, currency) pair.
type Result struct {
	Provider      string  `json:"provider"`
	Currency      string  `json:"currency"`
	ExpectedCents int64   `json:"expected_cents"`
	ReportedCents int64   `json:"reported_cents"`
	Drift         float64 `json:"drift"`
	Status        Status  `json:"status"`
}

type Report struct {
	From    time.Time        `json:"from"`
	To      time.Time        `json:"to"`
	Results []Result         `json:"results"`
	Missing map[string]int64 `json:"missing_ledger_rows"`
	Skipped bool             `json:"skipped,omitempty"`
}

type Alerter interface {
	Raise(ctx context.Context, in alertservice.Input) *alertdomain.Alert
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Cfg      config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	Locker   lock.Locker
	Payments paymentdomain.Repository
	Clients  *adapters.Clients
	Alerts   *alertservice.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	locker   lock.Locker
	payments paymentdomain.Repository
	clients  *adapters.Clients
	alerts   Alerter
	window   time.Duration
	th       Thresholds

	currencies []string
}

func NewFromConfig(p Params) *Service {
	var alerts Alerter
	if p.Alerts != nil {
		alerts = p.Alerts
	}
	return New(p.DB, p.Payments, p.Clients, p.Locker, alerts, p.Clock, p.Cfg.Reconcile, p.Log)
}

func New(db *gorm.DB, payments paymentdomain.Repository, clients *adapters.Clients, locker lock.Locker, alerts Alerter, clk clock.Clock, cfg config.ReconcileConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	th := Thresholds{Warning: cfg.WarningThreshold, Error: cfg.ErrorThreshold}
	if th.Warning <= 0 {
		th.Warning = 0.01
	}
	if th.Error <= 0 {
		th.Error = 0.05
	}
	return &Service{
		db:       db,
		log:      log.Named("reconciliation"),
		clock:    clk,
		locker:   locker,
		payments: payments,
		clients:  clients,
		alerts:   alerts,
		window:   window,
		th:       th,

		currencies: cfg.Currencies,
	}
}

// Run reconciles the trailing window for every configured provider. A
// provider whose balance cannot be fetched is reported in the joined error;
// the others still run. Overlapping runs are skipped.
func (s *Service) Run(ctx context.Context) (Report, error) {
	to := s.clock.Now()
	report := Report{From: to.Add(-s.window), To: to, Missing: map[string]int64{}}

	err := lock.BestEffort(ctx, s.locker, lockKey, lockTTL, func(ctx context.Context) error {
		return s.run(ctx, &report)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.Info("reconciliation.skipped", zap.String("reason", "another run holds the lock"))
		report.Skipped = true
		return report, nil
	}
	return report, err
}

func (s *Service) run(ctx context.Context, report *Report) error {
	providers := s.clients.Providers()
	sort.Strings(providers)

	var errs []error
	for _, provider := range providers {
		missing, err := s.payments.CountMissingLedger(ctx, s.db, provider, report.From, report.To)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: count missing ledger rows: %w", provider, err))
		} else {
			report.Missing[provider] = missing
			if missing > 0 {
				s.raise(ctx, alertservice.Input{
					Kind:     alertdomain.KindMissingLedgerRows,
					Severity: alertdomain.SeverityWarning,
					Provider: provider,
					Message:  fmt.Sprintf("%d payments have no webhook ledger row", missing),
					Details: map[string]any{
						"count": missing,
						"from":  report.From.Format(time.RFC3339),
						"to":    report.To.Format(time.RFC3339),
					},
				})
			}
		}

		results, err := s.compare(ctx, provider, report.From, report.To)
		report.Results = append(report.Results, results...)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range results {
			obsmetrics.Pipeline().ObserveReconciliation(provider, string(r.Status), r.Drift, report.Missing[provider])
		}
	}
	return errors.Join(errs...)
}

func (s *Service) compare(ctx context.Context, provider string, from, to time.Time) ([]Result, error) {
	expected, err := s.payments.SumNetByCurrency(ctx, s.db, provider, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: sum ledger: %w", provider, err)
	}
	client, err := s.clients.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}

	// Configured currencies are checked even without ledger rows: a balance
	// with nothing recorded is the missed-webhook case.
	seen := make(map[string]bool, len(expected)+len(s.currencies))
	currencies := make([]string, 0, len(expected)+len(s.currencies))
	for currency := range expected {
		seen[currency] = true
		currencies = append(currencies, currency)
	}
	for _, currency := range s.currencies {
		currency = strings.ToUpper(strings.TrimSpace(currency))
		if currency == "" || seen[currency] {
			continue
		}
		seen[currency] = true
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	var (
		out  []Result
		errs []error
	)
	for _, currency := range currencies {
		balance, err := client.GetBalance(ctx, adapters.BalanceQuery{Currency: currency, From: from, To: to})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: get balance: %w", provider, currency, err))
			continue
		}
		status, drift := Classify(expected[currency], balance.AmountCents, s.th)
		r := Result{
			Provider:      provider,
			Currency:      currency,
			ExpectedCents: expected[currency],
			ReportedCents: balance.AmountCents,
			Drift:         drift,
			Status:        status,
		}
		out = append(out, r)

		fields := []zap.Field{
			zap.String("provider", provider),
			zap.String("currency", currency),
			zap.Int64("expected_cents", r.ExpectedCents),
			zap.Int64("reported_cents", r.ReportedCents),
			zap.Float64("drift", drift),
			zap.String("status", string(status)),
		}
		if status == StatusOK {
			s.log.Info("reconciliation.result", fields...)
			continue
		}
		s.log.Warn("reconciliation.result", fields...)
		severity := alertdomain.SeverityWarning
		if status == StatusError {
			severity = alertdomain.SeverityError
		}
		s.raise(ctx, alertservice.Input{
			Kind:     alertdomain.KindReconciliationDrift,
			Severity: severity,
			Provider: provider,
			Message:  fmt.Sprintf("%s %s drift %.2f%%", provider, currency, drift*100),
			Details: map[string]any{
				"currency":       currency,
				"expected_cents": r.ExpectedCents,
				"reported_cents": r.ReportedCents,
				"drift":          drift,
				"from":           from.Format(time.RFC3339),
				"to":             to.Format(time.RFC3339),
			},
		})
	}
	return out, errors.Join(errs...)
}

func (s *Service) raise(ctx context.Context, in alertservice.Input) {
	if s.alerts == nil {
		return
	}
	s.alerts.Raise(ctx, in)
}
