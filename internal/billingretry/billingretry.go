// Package billingretry charges due renewals, retries past-due subscriptions on
// a backoff schedule and cancels them once the schedule is exhausted.
package billingretry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	runLockKey     = "billing:run"
	subLockTTL     = 30 * time.Second
	defaultLockTTL = 5 * time.Minute
	batchSize      = 100
)

var defaultBackoff = []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour}

// Summary counts what one run did. Aborted rows changed under the run and
// were left alone.
type Summary struct {
	Renewed  int  `json:"renewed"`
	Retried  int  `json:"retried"`
	PastDue  int  `json:"past_due"`
	Canceled int  `json:"canceled"`
	Aborted  int  `json:"aborted"`
	Failed   int  `json:"failed"`
	Skipped  bool `json:"skipped,omitempty"`
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Cfg           config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	Locker        lock.Locker
	Subscriptions domain.Repository
	Clients       *adapters.Clients
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	locker  lock.Locker
	subs    domain.Repository
	clients *adapters.Clients
	backoff []time.Duration
	lockTTL time.Duration
}

func NewFromConfig(p Params) *Service {
	return New(p.DB, p.Subscriptions, p.Clients, p.Locker, p.Clock, p.Cfg.Billing, p.Log)
}

func New(db *gorm.DB, subs domain.Repository, clients *adapters.Clients, locker lock.Locker, clk clock.Clock, cfg config.BillingRetryConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		db:      db,
		log:     log.Named("billingretry"),
		clock:   clk,
		locker:  locker,
		subs:    subs,
		clients: clients,
		backoff: backoff,
		lockTTL: ttl,
	}
}

// Run performs one pass. It holds the billing lock for its whole duration and
// fails closed when the lock backend is down. Per-subscription failures are
// joined into the returned error; the pass continues past them.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	err := lock.WithLock(ctx, s.locker, runLockKey, s.lockTTL, func(ctx context.Context) error {
		return errors.Join(
			s.cancelEnded(ctx, &sum),
			s.renew(ctx, &sum),
			s.retryPastDue(ctx, &sum),
		)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.Info("billingretry.skipped", zap.String("reason", "another run holds the lock"))
		sum.Skipped = true
		return sum, nil
	}
	s.log.Info("billingretry.finish",
		zap.Int("renewed", sum.Renewed),
		zap.Int("retried", sum.Retried),
		zap.Int("past_due", sum.PastDue),
		zap.Int("canceled", sum.Canceled),
		zap.Int("aborted", sum.Aborted),
		zap.Int("failed", sum.Failed),
	)
	return sum, err
}

// cancelEnded cancels rows flagged cancel_at_period_end whose period is over.
func (s *Service) cancelEnded(ctx context.Context, sum *Summary) error {
	now := s.clock.Now()
	items, err := s.subs.ListEndedAtPeriodEnd(ctx, s.db, now, batchSize)
	if err != nil {
		return fmt.Errorf("list ended subscriptions: %w", err)
	}
	var errs []error
	for _, item := range items {
		err := s.withSubscription(ctx, item, sum, func(ctx context.Context, cur *domain.Subscription) error {
			if !cur.CancelAtPeriodEnd || cur.CurrentPeriodEnd == nil || cur.CurrentPeriodEnd.After(now) {
				sum.Aborted++
				return nil
			}
			return s.cancel(ctx, cur, "period ended", sum)
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) renew(ctx context.Context, sum *Summary) error {
	now := s.clock.Now()
	items, err := s.subs.ListDueForRenewal(ctx, s.db, now, batchSize)
	if err != nil {
		return fmt.Errorf("list due renewals: %w", err)
	}
	var errs []error
	for _, item := range items {
		err := s.withSubscription(ctx, item, sum, func(ctx context.Context, cur *domain.Subscription) error {
			if cur.Status != domain.StatusActive || cur.CancelAtPeriodEnd || cur.CurrentPeriodEnd == nil || cur.CurrentPeriodEnd.After(now) {
				sum.Aborted++
				return nil
			}
			key := "renewal:" + cur.ID.String() + ":" + strconv.FormatInt(cur.CurrentPeriodEnd.Unix(), 10)
			declined, err := s.charge(ctx, cur, key)
			if err != nil {
				sum.Failed++
				return err
			}
			if declined {
				// Same bookkeeping as a provider charge-failed webhook.
				moved, err := s.subs.Transition(ctx, s.db, cur.ID, domain.StatusActive, domain.StatusPastDue, s.clock.Now())
				if err != nil {
					return err
				}
				if !moved {
					sum.Aborted++
					return nil
				}
				sum.PastDue++
				_, err = s.subs.ScheduleRetry(ctx, s.db, cur.ID, domain.StatusPastDue, 0, s.clock.Now().Add(s.backoff[0]), s.clock.Now())
				return err
			}
			// The charge webhook advances the period; hold the row back until then.
			ok, err := s.subs.ScheduleRetry(ctx, s.db, cur.ID, domain.StatusActive, cur.RetryCount, s.clock.Now().Add(s.backoff[0]), s.clock.Now())
			if err != nil {
				return err
			}
			if ok {
				sum.Renewed++
			} else {
				sum.Aborted++
			}
			return nil
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) retryPastDue(ctx context.Context, sum *Summary) error {
	now := s.clock.Now()
	items, err := s.subs.ListPastDueForRetry(ctx, s.db, now, batchSize)
	if err != nil {
		return fmt.Errorf("list past due subscriptions: %w", err)
	}
	var errs []error
	for _, item := range items {
		err := s.withSubscription(ctx, item, sum, func(ctx context.Context, cur *domain.Subscription) error {
			if cur.Status != domain.StatusPastDue || cur.NextRetryAt == nil || cur.NextRetryAt.After(now) {
				sum.Aborted++
				return nil
			}
			if cur.RetryCount >= len(s.backoff) {
				return s.cancel(ctx, cur, "retries exhausted", sum)
			}
			key := "retry:" + cur.ID.String() + ":" + strconv.Itoa(cur.RetryCount)
			declined, err := s.charge(ctx, cur, key)
			if err != nil {
				sum.Failed++
				return err
			}
			attempt := cur.RetryCount
			if declined {
				attempt++
				if attempt >= len(s.backoff) {
					return s.cancel(ctx, cur, "retries exhausted", sum)
				}
			}
			ok, err := s.subs.ScheduleRetry(ctx, s.db, cur.ID, domain.StatusPastDue, attempt, s.clock.Now().Add(s.backoff[attempt]), s.clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				sum.Aborted++
				return nil
			}
			sum.Retried++
			return nil
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withSubscription serializes with webhook handlers on the same subscription
// and hands fn a fresh copy of the row.
func (s *Service) withSubscription(ctx context.Context, item domain.Subscription, sum *Summary, fn func(ctx context.Context, cur *domain.Subscription) error) error {
	key := "subscription:" + item.Provider + ":" + item.ProviderRef
	err := lock.WithLock(ctx, s.locker, key, subLockTTL, func(ctx context.Context) error {
		cur, err := s.subs.FindByID(ctx, s.db, item.ID, false)
		if err != nil {
			return err
		}
		if cur == nil {
			sum.Aborted++
			return nil
		}
		return fn(ctx, cur)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		sum.Aborted++
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription %s: %w", item.ID, err)
	}
	return nil
}

// charge reports declined=true when the provider refused the charge. Outages
// and open circuits come back as errors and leave the row untouched.
func (s *Service) charge(ctx context.Context, sub *domain.Subscription, idempotencyKey string) (bool, error) {
	client, err := s.clients.Get(sub.Provider)
	if err != nil {
		return false, err
	}
	res, err := client.ChargeSubscription(ctx, adapters.ChargeRequest{
		SubscriptionRef: sub.ProviderRef,
		AmountCents:     sub.AmountCents,
		Currency:        sub.Currency,
		IdempotencyKey:  idempotencyKey,
	})
	log := s.log.With(
		zap.String("subscription_id", sub.ID.String()),
		zap.String("provider", sub.Provider),
		zap.String("idempotency_key", idempotencyKey),
	)
	if errors.Is(err, adapters.ErrRejected) {
		log.Info("billingretry.charge.declined", zap.Error(err))
		return true, nil
	}
	if err != nil {
		log.Warn("billingretry.charge.failed", zap.Error(err))
		return false, err
	}
	switch res.Status {
	case "failed", "requires_payment_method", "abandoned":
		log.Info("billingretry.charge.declined", zap.String("status", res.Status))
		return true, nil
	}
	log.Info("billingretry.charge.submitted", zap.String("reference", res.Reference), zap.String("status", res.Status))
	return false, nil
}

func (s *Service) cancel(ctx context.Context, sub *domain.Subscription, reason string, sum *Summary) error {
	if !domain.CanTransition(sub.Status, domain.StatusCanceled) {
		sum.Aborted++
		return nil
	}
	moved, err := s.subs.Transition(ctx, s.db, sub.ID, sub.Status, domain.StatusCanceled, s.clock.Now())
	if err != nil {
		return err
	}
	if !moved {
		sum.Aborted++
		return nil
	}
	sum.Canceled++
	s.log.Info("billingretry.subscription.canceled",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("reason", reason),
		zap.Int("retry_count", sub.RetryCount),
	)
	return nil
}
