package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/store"
	"go.uber.org/zap"
)

const envelopeVersion = 1

var credentialNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault seals credential values with AES-256-GCM under a key derived from
// the master key. The tenant id and credential name are bound as additional
// data, so a blob copied to another row fails to open.
type Vault struct {
	store *store.Store
	aead  cipher.AEAD
	log   *zap.Logger
}

func NewVault(st *store.Store, masterKey string, log *zap.Logger) (*Vault, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, identity.ErrVaultSealed
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{store: st, aead: aead, log: log.Named("identity.vault")}, nil
}

func (v *Vault) Put(ctx context.Context, tenantID snowflake.ID, name string, value []byte) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !credentialNamePattern.MatchString(name) {
		return identity.ErrInvalidCredentialName
	}
	sealed, err := v.seal(tenantID, name, value)
	if err != nil {
		return err
	}
	if err := v.store.PutCredential(ctx, tenantID, name, sealed); err != nil {
		return err
	}
	v.log.Info("credential stored", zap.String("tenant_id", tenantID.String()), zap.String("name", name))
	return nil
}

func (v *Vault) Get(ctx context.Context, tenantID snowflake.ID, name string) ([]byte, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	row, err := v.store.GetCredential(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	return v.open(tenantID, name, row.Ciphertext)
}

func (v *Vault) seal(tenantID snowflake.ID, name string, value []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := v.aead.Seal(nil, nonce, value, additionalData(tenantID, name))
	raw, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (v *Vault) open(tenantID snowflake.ID, name, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", identity.ErrVaultSealed)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope", identity.ErrVaultSealed)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("%w: malformed nonce", identity.ErrVaultSealed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", identity.ErrVaultSealed)
	}
	plain, err := v.aead.Open(nil, nonce, ciphertext, additionalData(tenantID, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrVaultSealed, err)
	}
	return plain, nil
}

func additionalData(tenantID snowflake.ID, name string) []byte {
	return []byte(tenantID.String() + ":" + name)
}
