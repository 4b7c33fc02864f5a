package usage

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/usage/repository"
	"github.com/creditrail/creditrail/internal/usage/service"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
