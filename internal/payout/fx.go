package payout

import (
	"github.com/smallbiznis/payrail/internal/payout/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.repository",
	fx.Provide(repository.Provide),
)
