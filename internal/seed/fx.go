package seed

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

// Run seeds demo data when SEED_DEMO_DATA is set outside production.
func Run(cfg config.Config, db *gorm.DB, node *snowflake.Node, clk clock.Clock, log *zap.Logger) error {
	if !cfg.SeedDemoData {
		return nil
	}
	log = log.Named("seed")
	if cfg.IsProduction() {
		log.Warn("demo seed skipped in production")
		return nil
	}

	seeded, err := EnsureDemoData(context.Background(), db, node, clk.Now())
	if err != nil {
		return err
	}
	log.Info("demo seed finished", zap.Bool("created", seeded))
	return nil
}
