package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, provider, provider_ref, creator_id, subscriber_id, amount_cents,
	currency, billing_interval, purpose, fee_mode, cross_border, status, ltv_cents,
	current_period_end, canceled_at, cancel_at_period_end, retry_count, next_retry_at,
	created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.Provider,
		s.ProviderRef,
		s.CreatorID,
		s.SubscriberID,
		s.AmountCents,
		s.Currency,
		s.BillingInterval,
		s.Purpose,
		s.FeeMode,
		s.CrossBorder,
		s.Status,
		s.LTVCents,
		s.CurrentPeriodEnd,
		s.CanceledAt,
		s.CancelAtPeriodEnd,
		s.RetryCount,
		s.NextRetryAt,
		s.CreatedAt,
		s.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Subscription, error) {
	return findOne(ctx, db, `id = ?`, forUpdate, id)
}

func (r *repo) FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string, forUpdate bool) (*domain.Subscription, error) {
	return findOne(ctx, db, `provider = ? AND provider_ref = ?`, forUpdate, provider, ref)
}

func findOne(ctx context.Context, db *gorm.DB, where string, forUpdate bool, args ...any) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var item domain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, now time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidTransition
	}
	var canceledAt *time.Time
	if to == domain.StatusCanceled {
		canceledAt = &now
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = COALESCE(?, canceled_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		canceledAt,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AdjustLTV(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (int64, error) {
	current, err := r.FindByID(ctx, db, id, true)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, domain.ErrNotFound
	}
	next := current.LTVCents + delta
	if next < 0 {
		next = 0
	}
	applied := next - current.LTVCents
	if applied == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET ltv_cents = ?, updated_at = ? WHERE id = ? AND ltv_cents = ?`,
		next,
		now,
		id,
		current.LTVCents,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected != 1 {
		return 0, gorm.ErrRecordNotFound
	}
	return applied, nil
}

func (r *repo) RecordCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = CASE WHEN status = ? THEN ? ELSE status END,
		     current_period_end = ?, retry_count = 0, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusPastDue,
		domain.StatusActive,
		periodEnd,
		now,
		id,
		domain.StatusCanceled,
	).Error
}

func (r *repo) ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, expected domain.Status, retryCount int, next time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET retry_count = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		retryCount,
		next,
		now,
		id,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ApplyProviderUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, expected domain.Status, u domain.ProviderUpdate, now time.Time) (bool, error) {
	status := u.Status
	if status == "" {
		status = expected
	}
	if status != expected && !domain.CanTransition(expected, status) {
		return false, domain.ErrInvalidTransition
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, current_period_end = COALESCE(?, current_period_end),
		     cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		u.CurrentPeriodEnd,
		u.CancelAtPeriodEnd,
		now,
		id,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return list(ctx, db,
		`status = ? AND cancel_at_period_end = ? AND current_period_end <= ?
		 AND (next_retry_at IS NULL OR next_retry_at <= ?)`,
		limit,
		domain.StatusActive, false, now, now,
	)
}

func (r *repo) ListPastDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return list(ctx, db,
		`status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		limit,
		domain.StatusPastDue, now,
	)
}

func (r *repo) ListEndedAtPeriodEnd(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return list(ctx, db,
		`status IN (?, ?) AND cancel_at_period_end = ? AND current_period_end <= ?`,
		limit,
		domain.StatusActive, domain.StatusPastDue, true, now,
	)
}

func list(ctx context.Context, db *gorm.DB, where string, limit int, args ...any) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	var items []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY id ASC LIMIT ?`,
		args...,
	).Scan(&items).Error
	return items, err
}
