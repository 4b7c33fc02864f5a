package byok

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/byok/service"
)

var Module = fx.Module("byok.service",
	fx.Provide(service.New),
)
