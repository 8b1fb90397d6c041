package gateway

import (
	"math/rand"
	"time"

	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Config *config.RecoveryConfigHolder
}

// NewFromConfig builds the simulated gateway from the recovery policy loaded at startup.
func NewFromConfig(p Params) Gateway {
	cfg := p.Config.Get()
	predicate := RandomPredicate(cfg.Gateway.SuccessRate, rand.NewSource(time.Now().UnixNano()))
	return NewStub(predicate,
		WithLatency(cfg.Gateway.Latency),
		WithLogger(p.Log.Named("gateway.stub")),
	)
}
