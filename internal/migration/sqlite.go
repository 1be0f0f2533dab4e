package migration

import (
	"fmt"

	"gorm.io/gorm"
)

// SQLiteSchema mirrors sql/000001_init.up.sql in the sqlite dialect.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		external_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'received',
		payload_summary TEXT NOT NULL DEFAULT '{}',
		raw_payload TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		processing_time_ms INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, external_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_ref TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		billing_interval TEXT NOT NULL DEFAULT 'month',
		purpose TEXT NOT NULL DEFAULT 'personal',
		fee_mode TEXT NOT NULL DEFAULT 'absorb',
		cross_border BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		ltv_cents INTEGER NOT NULL DEFAULT 0 CHECK (ltv_cents >= 0),
		current_period_end DATETIME,
		canceled_at DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (provider, provider_ref)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY,
		subscription_id INTEGER,
		parent_id INTEGER,
		creator_id TEXT NOT NULL,
		subscriber_id TEXT,
		provider TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		gross_cents INTEGER NOT NULL,
		fee_cents INTEGER NOT NULL,
		net_cents INTEGER NOT NULL,
		creator_fee_cents INTEGER NOT NULL DEFAULT 0,
		subscriber_fee_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		stripe_ref TEXT,
		paystack_ref TEXT,
		external_event_id TEXT,
		fee_model TEXT NOT NULL,
		purpose TEXT NOT NULL,
		reporting_currency TEXT NOT NULL,
		reporting_amount_cents INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE (type, stripe_ref),
		UNIQUE (type, paystack_ref)
	)`,
	`CREATE TABLE IF NOT EXISTS disputes (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		dispute_id TEXT NOT NULL,
		payment_id INTEGER,
		subscription_id INTEGER,
		subscriber_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		ltv_debit_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		UNIQUE (provider, dispute_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriber_risk (
		subscriber_id TEXT PRIMARY KEY,
		dispute_count INTEGER NOT NULL DEFAULT 0,
		blocked BOOLEAN NOT NULL DEFAULT 0,
		blocked_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payouts (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		transfer_code TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (provider, transfer_code)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		provider TEXT,
		message TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
}

func ApplySQLite(conn *gorm.DB) error {
	for _, stmt := range SQLiteSchema {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
