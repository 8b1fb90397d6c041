package migration

import (
	"strings"

	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

// Run brings the schema up to date before the API or scheduler starts.
func Run(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.DBType)); driver {
	case "postgres", "postgresql":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			log.Error("schema migration failed", zap.Uint("version", version.Version), zap.Bool("dirty", version.Dirty), zap.Error(err))
			return err
		}
		log.Info("schema migrated",
			zap.String("driver", "postgres"),
			zap.String("table", VersionTable),
			zap.Uint("version", version.Version),
		)
	default:
		if err := AutoMigrate(conn); err != nil {
			return err
		}
		log.Info("schema auto-migrated", zap.String("driver", driver), zap.Int("models", len(Models())))
	}
	return nil
}
