package providers

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/ingress/domain"
)

// Credential names read from the vault.
const (
	SecretWhatsappApp         = "whatsapp_app_secret"
	SecretWhatsappVerifyToken = "whatsapp_verify_token"
	SecretMetaApp             = "meta_app_secret"
)

// VaultSecrets reads provider secrets from the tenant credential vault.
type VaultSecrets struct {
	Vault identitydomain.Vault
}

func (s VaultSecrets) Secret(ctx context.Context, tenantID snowflake.ID, name string) ([]byte, error) {
	if s.Vault == nil {
		return nil, domain.ErrSecretNotConfigured
	}
	value, err := s.Vault.Get(ctx, tenantID, name)
	if errors.Is(err, identitydomain.ErrCredentialNotFound) {
		return nil, domain.ErrSecretNotConfigured
	}
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, domain.ErrSecretNotConfigured
	}
	return value, nil
}
