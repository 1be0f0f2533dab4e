package dispatch

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatch",
	fx.Provide(NewMux),
	fx.Provide(ProvideQueue),
	fx.Provide(ProvideDispatcher),
)

// WorkerModule starts queue consumers with the process lifecycle.
var WorkerModule = fx.Module("dispatch.worker",
	fx.Invoke(registerPool),
)

type QueueParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Mux   *Mux
	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// ProvideQueue returns nil when no redis is configured.
func ProvideQueue(p QueueParams) *Queue {
	if p.Redis == nil {
		return nil
	}
	return NewQueue(p.Redis, p.Mux, p.Clock, Options{
		MaxAttempts:       p.Cfg.Dispatch.MaxAttempts,
		BaseBackoff:       p.Cfg.Dispatch.BaseBackoff,
		MaxBackoff:        p.Cfg.Dispatch.MaxBackoff,
		VisibilityTimeout: p.Cfg.Dispatch.VisibilityTimeout,
	}, p.Log)
}

type DispatcherParams struct {
	fx.In

	Cfg   config.Config
	Mux   *Mux
	Queue *Queue `optional:"true"`
	Log   *zap.Logger
}

func ProvideDispatcher(p DispatcherParams) Dispatcher {
	inline := NewInline(p.Mux, p.Log)
	if p.Cfg.QueueEnabled() && p.Queue != nil {
		p.Log.Info("dispatch.mode", zap.String("mode", config.DispatchModeQueue))
		return NewQueued(p.Queue, inline, p.Log)
	}
	p.Log.Info("dispatch.mode", zap.String("mode", config.DispatchModeInline))
	return inline
}

func registerPool(lc fx.Lifecycle, cfg config.Config, queue *Queue, log *zap.Logger) {
	if queue == nil {
		log.Named("dispatch").Warn("dispatch.worker.disabled", zap.String("reason", "redis not configured"))
		return
	}
	pool := NewPool(queue, map[string]int{
		QueueWebhooks:      cfg.Dispatch.WebhookConcurrency,
		QueueBilling:       cfg.Dispatch.BillingConcurrency,
		QueueNotifications: cfg.Dispatch.NotificationConcurrency,
	}, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return pool.Stop(ctx)
		},
	})
}
