package lock

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(ProvideLocker),
)

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
	Log   *zap.Logger
}

type Result struct {
	fx.Out

	Locker Locker
	Memory *MemoryLocker
}

func ProvideLocker(p Params) Result {
	if p.Redis != nil {
		return Result{Locker: NewRedisLocker(p.Redis)}
	}
	p.Log.Named("lock").Warn("using in-process locker; mutual exclusion is limited to this process")
	mem := NewMemoryLocker(p.Clock)
	return Result{Locker: mem, Memory: mem}
}
