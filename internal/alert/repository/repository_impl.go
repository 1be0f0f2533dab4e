package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/payrail/internal/alert/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, a *domain.Alert) error {
	details := a.Details
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO alerts (id, kind, severity, provider, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Kind,
		a.Severity,
		a.Provider,
		a.Message,
		details,
		a.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, f domain.Filter) ([]domain.Alert, error) {
	clauses := []string{"1 = 1"}
	args := []any{}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	var items []domain.Alert
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, severity, provider, message, details, created_at
		 FROM alerts
		 WHERE `+strings.Join(clauses, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	return items, err
}
