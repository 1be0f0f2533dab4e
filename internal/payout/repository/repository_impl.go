package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/payout/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payout) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payouts (
			id, provider, transfer_code, creator_id, amount_cents, currency, status, reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, transfer_code) DO NOTHING`,
		p.ID,
		p.Provider,
		p.TransferCode,
		p.CreatorID,
		p.AmountCents,
		p.Currency,
		p.Status,
		p.Reason,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByTransferCode(ctx context.Context, db *gorm.DB, provider, code string) (*domain.Payout, error) {
	var item domain.Payout
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, transfer_code, creator_id, amount_cents, currency, status, reason,
			created_at, updated_at
		 FROM payouts
		 WHERE provider = ? AND transfer_code = ?
		 LIMIT 1`,
		provider,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.Status, reason string, now time.Time) (bool, error) {
	from := domain.AllowedFrom(to)
	if len(from) == 0 {
		return false, nil
	}
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE payouts
		 SET status = ?, reason = COALESCE(?, reason), updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		reasonArg,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
