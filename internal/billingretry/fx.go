package billingretry

import (
	"context"

	"github.com/smallbiznis/payrail/internal/dispatch"
	"go.uber.org/fx"
)

var Module = fx.Module("billingretry",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerJob),
)

func registerJob(mux *dispatch.Mux, svc *Service) {
	mux.Handle(dispatch.JobBillingRun, func(ctx context.Context, _ dispatch.Job) error {
		_, err := svc.Run(ctx)
		return err
	})
}
