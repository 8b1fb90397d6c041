package recoverydashboard

import (
	"github.com/smallbiznis/recovery/internal/recoverydashboard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recoverydashboard.service",
	fx.Provide(service.New),
)
