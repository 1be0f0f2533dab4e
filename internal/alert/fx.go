package alert

import (
	"github.com/smallbiznis/payrail/internal/alert/repository"
	"github.com/smallbiznis/payrail/internal/alert/service"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"go.uber.org/fx"
)

var Module = fx.Module("alert",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(registerExhaustedHook),
)

type hookParams struct {
	fx.In

	Queue *dispatch.Queue `optional:"true"`
	Svc   *service.Service
}

func registerExhaustedHook(p hookParams) {
	if p.Queue == nil {
		return
	}
	p.Queue.OnExhausted(p.Svc.DispatchExhausted)
}
