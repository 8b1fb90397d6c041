// Package idgen provides the snowflake node that mints invoice, payment and
// retry ids. Every replica needs a distinct SNOWFLAKE_NODE_ID.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("idgen",
	fx.Provide(NewNode),
)

func NewNode(cfg config.Config, log *zap.Logger) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	log.Info("snowflake node ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}
