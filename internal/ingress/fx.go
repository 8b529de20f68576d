package ingress

import (
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/ingress/providers"
	"github.com/smallbiznis/casc/internal/ingress/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ingress",
	fx.Provide(newRegistry),
	fx.Provide(service.NewService),
)

func newRegistry(vault identitydomain.Vault) *providers.Registry {
	secrets := providers.VaultSecrets{Vault: vault}
	return providers.NewRegistry(
		providers.NewWhatsapp(secrets),
		providers.NewMetaLeads(secrets),
	)
}
