package circuitbreaker

import "go.uber.org/fx"

var Module = fx.Module("circuitbreaker",
	fx.Provide(NewRegistry),
)
