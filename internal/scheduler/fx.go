package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Run),
)

// Run drives the sweep on the configured cadence for the lifetime of the
// app. Cron owns the goroutine; fx owns the start/stop.
func Run(lc fx.Lifecycle, sched *Scheduler, log *zap.Logger) error {
	runner := cron.New()
	_, err := runner.AddFunc(fmt.Sprintf("@every %s", sched.cfg.RunInterval), func() {
		if _, err := sched.SweepDueResets(context.Background()); err != nil {
			log.Error("reset sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-runner.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}
