package coupon

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/coupon/repository"
	"github.com/creditrail/creditrail/internal/coupon/service"
)

var Module = fx.Module("coupon.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
