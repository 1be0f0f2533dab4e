package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/dispute/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, d *domain.Dispute) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO disputes (
			id, provider, dispute_id, payment_id, subscription_id, subscriber_id,
			amount_cents, currency, ltv_debit_cents, status, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, dispute_id) DO NOTHING`,
		d.ID,
		d.Provider,
		d.DisputeID,
		d.PaymentID,
		d.SubscriptionID,
		d.SubscriberID,
		d.AmountCents,
		d.Currency,
		d.LTVDebitCents,
		d.Status,
		d.CreatedAt,
		d.ResolvedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, disputeID string, forUpdate bool) (*domain.Dispute, error) {
	query := `SELECT id, provider, dispute_id, payment_id, subscription_id, subscriber_id,
		amount_cents, currency, ltv_debit_cents, status, created_at, resolved_at
	 FROM disputes
	 WHERE provider = ? AND dispute_id = ?
	 LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var item domain.Dispute
	if err := db.WithContext(ctx).Raw(query, provider, disputeID).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetLTVDebit(ctx context.Context, db *gorm.DB, id snowflake.ID, cents int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE disputes SET ltv_debit_cents = ? WHERE id = ?`,
		cents,
		id,
	).Error
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE disputes SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		outcome,
		now,
		id,
		domain.StatusOpen,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) IncrementDisputeCount(ctx context.Context, db *gorm.DB, subscriberID string, now time.Time) (int, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO subscriber_risk (subscriber_id, dispute_count, blocked, updated_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT (subscriber_id) DO UPDATE
		 SET dispute_count = subscriber_risk.dispute_count + 1, updated_at = excluded.updated_at`,
		subscriberID,
		false,
		now,
	).Error
	if err != nil {
		return 0, err
	}
	risk, err := r.GetRisk(ctx, db, subscriberID)
	if err != nil {
		return 0, err
	}
	if risk == nil {
		return 0, gorm.ErrRecordNotFound
	}
	return risk.DisputeCount, nil
}

func (r *repo) Block(ctx context.Context, db *gorm.DB, subscriberID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriber_risk
		 SET blocked = ?, blocked_at = ?, updated_at = ?
		 WHERE subscriber_id = ? AND blocked = ?`,
		true,
		now,
		now,
		subscriberID,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) GetRisk(ctx context.Context, db *gorm.DB, subscriberID string) (*domain.SubscriberRisk, error) {
	var item domain.SubscriberRisk
	err := db.WithContext(ctx).Raw(
		`SELECT subscriber_id, dispute_count, blocked, blocked_at, updated_at
		 FROM subscriber_risk WHERE subscriber_id = ? LIMIT 1`,
		subscriberID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.SubscriberID == "" {
		return nil, nil
	}
	return &item, nil
}
