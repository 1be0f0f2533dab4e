package scheduler

import (
	"time"

	"github.com/smallbiznis/payrail/internal/config"
)

// Config controls job cadence. RunInterval is the loop tick; each job also
// has its own interval and only runs once that much time has passed.
type Config struct {
	RunInterval       time.Duration
	EnabledJobs       []string
	BillingInterval   time.Duration
	ReconcileInterval time.Duration
	RedriveInterval   time.Duration
	RedriveAfter      time.Duration
	RedriveMaxRetries int
	RedriveBatchSize  int
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BillingInterval:   15 * time.Minute,
		ReconcileInterval: time.Hour,
		RedriveInterval:   time.Minute,
		RedriveAfter:      5 * time.Minute,
		RedriveMaxRetries: 5,
		RedriveBatchSize:  100,
		SweepInterval:     5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
		BillingInterval:   cfg.Billing.Interval,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		RedriveInterval:   cfg.Scheduler.RunInterval,
		RedriveAfter:      cfg.Scheduler.RedriveAfter,
		RedriveMaxRetries: cfg.Scheduler.RedriveMaxRetries,
		RedriveBatchSize:  cfg.Scheduler.RedriveBatchSize,
		SweepInterval:     cfg.Scheduler.SweepInterval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BillingInterval <= 0 {
		c.BillingInterval = defaults.BillingInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.RedriveInterval <= 0 {
		c.RedriveInterval = defaults.RedriveInterval
	}
	if c.RedriveAfter <= 0 {
		c.RedriveAfter = defaults.RedriveAfter
	}
	if c.RedriveMaxRetries <= 0 {
		c.RedriveMaxRetries = defaults.RedriveMaxRetries
	}
	if c.RedriveBatchSize <= 0 {
		c.RedriveBatchSize = defaults.RedriveBatchSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	return c
}
