package service

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
)

const issuer = "casc"

type claims struct {
	TenantID string            `json:"tid"`
	Role     tenantdomain.Role `json:"role"`
	Name     string            `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type tokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (c tokenCodec) issue(user tenantdomain.User) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TenantID: user.TenantID.String(),
		Role:     user.Role,
		Name:     user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(c.secret)
	return signed, expiresAt, err
}

// parse verifies signature and expiry against the injected clock.
func (c tokenCodec) parse(raw string) (identity.Principal, error) {
	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return identity.Principal{}, identity.ErrTokenExpired
	}
	if err != nil {
		return identity.Principal{}, identity.ErrUnauthenticated
	}

	userID, err := uuid.Parse(parsed.Subject)
	if err != nil {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	tenantID, err := snowflake.ParseString(parsed.TenantID)
	if err != nil || tenantID == 0 {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	if !parsed.Role.Valid() {
		return identity.Principal{}, identity.ErrUnauthenticated
	}
	return identity.Principal{
		UserID:    userID,
		TenantID:  tenantID,
		Role:      parsed.Role,
		Name:      parsed.Name,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}
