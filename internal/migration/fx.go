package migration

import (
	"strings"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// Embedded migrations are written for postgres; other dialects
		// (sqlite in tests, mysql deployments) schema-manage elsewhere.
		if !strings.EqualFold(conn.Dialector.Name(), "postgres") {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
