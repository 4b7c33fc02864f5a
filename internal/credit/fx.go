package credit

import (
	"github.com/creditrail/creditrail/internal/credit/repository"
	"github.com/creditrail/creditrail/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
