package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/migration"
	"github.com/creditrail/creditrail/internal/observability"
	"github.com/creditrail/creditrail/internal/scheduler"
	"github.com/creditrail/creditrail/internal/server"
	"github.com/creditrail/creditrail/pkg/db"
)

// The all-in-one binary: HTTP API plus the monthly reset sweep in a single
// process. Deployments that want the sweep isolated run apps/scheduler
// instead.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		server.Module,
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
