package migration

import (
	"context"
	"fmt"

	"github.com/smallbiznis/casc/internal/config"
	"github.com/smallbiznis/casc/internal/store"
	"github.com/smallbiznis/casc/internal/tenant"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, cfg config.Config, tenants tenantdomain.Service, log *zap.Logger) error {
		log = log.Named("migration")
		if err := Prepare(conn, cfg, log); err != nil {
			return err
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return tenant.Bootstrap(ctx, cfg, tenants, log)
			},
		})
		return nil
	}),
)

// Prepare brings the schema to the latest version or reports that it is
// behind. Non-postgres databases are auto-migrated from the models.
func Prepare(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if conn.Dialector.Name() != "postgres" {
		if !cfg.AutoMigrate {
			return nil
		}
		return conn.AutoMigrate(store.Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	status, err := EnsureCurrent(sqlDB, cfg.AutoMigrate)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	log.Info("database schema is current", zap.Uint("version", status.Current))
	return nil
}
