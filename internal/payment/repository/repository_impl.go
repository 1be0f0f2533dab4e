package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, subscription_id, parent_id, creator_id, subscriber_id, provider, type, status,
	amount_cents, gross_cents, fee_cents, net_cents, creator_fee_cents, subscriber_fee_cents,
	currency, stripe_ref, paystack_ref, external_event_id, fee_model, purpose,
	reporting_currency, reporting_amount_cents, metadata, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payment) (bool, error) {
	metadata := p.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.ID,
		p.SubscriptionID,
		p.ParentID,
		p.CreatorID,
		p.SubscriberID,
		p.Provider,
		p.Type,
		p.Status,
		p.AmountCents,
		p.GrossCents,
		p.FeeCents,
		p.NetCents,
		p.CreatorFeeCents,
		p.SubscriberFeeCents,
		p.Currency,
		p.StripeRef,
		p.PaystackRef,
		p.ExternalEventID,
		p.FeeModel,
		p.Purpose,
		p.ReportingCurrency,
		p.ReportingAmountCents,
		metadata,
		p.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByRef(ctx context.Context, db *gorm.DB, provider string, t domain.Type, ref string) (*domain.Payment, error) {
	column, err := domain.RefColumn(provider)
	if err != nil {
		return nil, err
	}
	var item domain.Payment
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM payments WHERE type = ? AND %s = ? LIMIT 1`, paymentColumns, column),
		t,
		ref,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ExistsForExternalEvent(ctx context.Context, db *gorm.DB, provider, externalEventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE provider = ? AND external_event_id = ?`,
		provider,
		externalEventID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) SumChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID, t domain.Type) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM payments
		 WHERE parent_id = ? AND type = ? AND status = 'succeeded'`,
		parentID,
		t,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumNetByCurrency(ctx context.Context, db *gorm.DB, provider string, from, to time.Time) (map[string]int64, error) {
	var rows []struct {
		Currency string
		Total    int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT currency, COALESCE(SUM(net_cents), 0) AS total
		 FROM payments
		 WHERE provider = ? AND status = 'succeeded' AND created_at >= ? AND created_at < ?
		 GROUP BY currency`,
		provider,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Currency] = row.Total
	}
	return out, nil
}

func (r *repo) CountMissingLedger(ctx context.Context, db *gorm.DB, provider string, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payments p
		 LEFT JOIN webhook_events w
		   ON w.provider = p.provider AND w.external_event_id = p.external_event_id
		 WHERE p.provider = ? AND p.created_at >= ? AND p.created_at < ? AND w.id IS NULL`,
		provider,
		from,
		to,
	).Scan(&count).Error
	return count, err
}
