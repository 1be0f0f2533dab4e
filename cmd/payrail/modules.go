package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/alert"
	"github.com/smallbiznis/payrail/internal/archive"
	"github.com/smallbiznis/payrail/internal/billingretry"
	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/dispute"
	"github.com/smallbiznis/payrail/internal/eventhandler"
	"github.com/smallbiznis/payrail/internal/kv"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/migration"
	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/observability"
	"github.com/smallbiznis/payrail/internal/payment"
	"github.com/smallbiznis/payrail/internal/payout"
	"github.com/smallbiznis/payrail/internal/reconciliation"
	"github.com/smallbiznis/payrail/internal/scheduler"
	"github.com/smallbiznis/payrail/internal/server"
	"github.com/smallbiznis/payrail/internal/subscription"
	"github.com/smallbiznis/payrail/internal/webhook"
	"github.com/smallbiznis/payrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// coreModules is the pipeline every process needs: storage, dispatch and
// the handler table. Runners are layered on top.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		kv.Module,
		lock.Module,
		circuitbreaker.Module,
		dispatch.Module,

		// Functional Domains
		payment.Module,
		subscription.Module,
		dispute.Module,
		payout.Module,
		alert.Module,
		notification.Module,
		archive.Module,
		eventhandler.Module,
		webhook.Module,
		reconciliation.Module,
		billingretry.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

func serverModules() fx.Option {
	return server.Module
}

func workerModules() fx.Option {
	return dispatch.WorkerModule
}

func schedulerModules() fx.Option {
	return scheduler.Module
}

func migrationModules() fx.Option {
	return migration.Module
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func runApp(opts ...fx.Option) error {
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// runMigrations builds only the storage graph; the migration module applies
// the schema while the graph is constructed.
func runMigrations() error {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := app.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(ctx)
}
