package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/audit"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/credit"
	"github.com/creditrail/creditrail/internal/observability"
	"github.com/creditrail/creditrail/internal/pricing"
	"github.com/creditrail/creditrail/internal/ratelimit"
	"github.com/creditrail/creditrail/internal/scheduler"
	"github.com/creditrail/creditrail/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services the sweep depends on
		credit.Module,
		pricing.Module,
		audit.Module,
		ratelimit.Module,

		// No HTTP server here
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
