package identity

import (
	"github.com/smallbiznis/casc/internal/config"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/identity/service"
	"github.com/smallbiznis/casc/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("identity",
	fx.Provide(service.NewService),
	fx.Provide(newVault),
)

func newVault(cfg config.Config, st *store.Store, log *zap.Logger) (identitydomain.Vault, error) {
	return service.NewVault(st, cfg.MasterKey, log)
}
