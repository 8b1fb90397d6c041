package scheduler

import (
	"context"

	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// NewScheduler runs the loop for the life of the app. Stop waits for the
// in-flight tick until the stop deadline.
func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.StartStopHook(
		func() {
			go func() {
				defer close(done)
				sched.RunForever(runCtx)
			}()
		},
		func(ctx context.Context) {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn("scheduler stop deadline passed with a tick in flight")
			}
		},
	))
}
