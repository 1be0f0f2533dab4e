package reconciliation

import "go.uber.org/fx"

var Module = fx.Module("reconciliation",
	fx.Provide(NewFromConfig),
)
