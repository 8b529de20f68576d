package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/config"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/identity/password"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Store  *store.Store
	Clock  clock.Clock
	Log    *zap.Logger
}

type Service struct {
	store  *store.Store
	clock  clock.Clock
	tokens tokenCodec
	log    *zap.Logger
}

func NewService(p Params) identity.Service {
	return newService(p)
}

func newService(p Params) *Service {
	return &Service{
		store: p.Store,
		clock: p.Clock,
		tokens: tokenCodec{
			secret: []byte(p.Config.AuthTokenSecret),
			ttl:    p.Config.AuthTokenTTL,
			now:    p.Clock.Now,
		},
		log: p.Log.Named("identity.service"),
	}
}

// Login verifies email and password within the tenant named by its slug.
// Unknown tenants, unknown users, inactive users and wrong passwords all
// report ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error) {
	slug := strings.TrimSpace(req.Tenant)
	email := strings.TrimSpace(req.Email)
	if slug == "" || email == "" || req.Password == "" {
		return identity.LoginResult{}, identity.ErrInvalidCredentials
	}

	tenant, err := s.store.TenantBySlug(ctx, slug)
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return identity.LoginResult{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.LoginResult{}, err
	}

	user, err := s.store.UserByEmail(ctx, tenant.ID, email)
	if errors.Is(err, tenantdomain.ErrUserNotFound) {
		return identity.LoginResult{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.LoginResult{}, err
	}
	if !user.Active() || !password.Verify(req.Password, user.PasswordHash) {
		s.log.Info("login rejected", zap.String("tenant_id", tenant.ID.String()), zap.String("user_id", user.ID.String()))
		return identity.LoginResult{}, identity.ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.issue(user)
	if err != nil {
		return identity.LoginResult{}, err
	}
	return identity.LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(s.clock.Now()).Seconds()),
		User:        user,
	}, nil
}

// Authenticate resolves a bearer token to its principal. The user must still
// exist and be active.
func (s *Service) Authenticate(ctx context.Context, token string) (identity.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	principal, err := s.tokens.parse(token)
	if err != nil {
		return identity.Principal{}, err
	}
	if principal.Expired(s.clock.Now()) {
		return identity.Principal{}, identity.ErrTokenExpired
	}

	user, err := s.store.GetUser(ctx, principal.TenantID, principal.UserID)
	if errors.Is(err, tenantdomain.ErrUserNotFound) {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	if err != nil {
		return identity.Principal{}, err
	}
	if !user.Active() {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	// role changes apply without reissuing tokens
	principal.Role = user.Role
	principal.Name = user.Name
	return principal, nil
}

func (s *Service) Issue(user tenantdomain.User) (string, error) {
	token, _, err := s.tokens.issue(user)
	return token, err
}
