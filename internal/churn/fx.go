package churn

import (
	"github.com/smallbiznis/recovery/internal/churn/service"
	"go.uber.org/fx"
)

var Module = fx.Module("churn.service",
	fx.Provide(service.New),
)
