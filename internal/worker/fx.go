package worker

import (
	"context"

	"github.com/smallbiznis/casc/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(NewPQWaker),
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, cfg config.Config, w *Worker) {
	if !cfg.Worker.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return w.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
}
