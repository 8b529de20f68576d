package trigger

import (
	"github.com/smallbiznis/casc/internal/trigger/dispatcher"
	"github.com/smallbiznis/casc/internal/trigger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("trigger",
	fx.Provide(dispatcher.New),
	fx.Provide(service.NewService),
)
