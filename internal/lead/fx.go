package lead

import (
	"github.com/smallbiznis/casc/internal/lead/service"
	"go.uber.org/fx"
)

var Module = fx.Module("lead.service",
	fx.Provide(service.NewService),
)
