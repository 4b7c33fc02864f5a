package audit

import (
	"github.com/creditrail/creditrail/internal/audit/repository"
	"github.com/creditrail/creditrail/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
