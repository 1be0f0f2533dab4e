package webhook

import (
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/webhook/repository"
	"github.com/smallbiznis/payrail/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewLedger),
	fx.Provide(service.NewIntake),
	fx.Provide(service.NewProcessor),
	fx.Invoke(registerJob),
)

func registerJob(mux *dispatch.Mux, processor *service.Processor) {
	mux.Handle(dispatch.JobWebhookProcess, processor.Handle)
}
