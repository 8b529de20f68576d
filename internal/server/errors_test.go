package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"expired token", identitydomain.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{"missing secret", ingressdomain.ErrSecretNotConfigured, http.StatusUnauthorized, "secret_not_configured"},
		{"forbidden", identitydomain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"tenant mismatch", ingressdomain.ErrTenantMismatch, http.StatusForbidden, "tenant_mismatch"},
		{"wrapped not found", fmt.Errorf("load: %w", leaddomain.ErrNotFound), http.StatusNotFound, "lead_not_found"},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, ""},
		{"invalid transition", leaddomain.ErrInvalidTransition, http.StatusConflict, leaddomain.ErrInvalidTransition.Error()},
		{"no eligible seller", assignmentdomain.ErrNoEligibleSeller, http.StatusConflict, assignmentdomain.ErrNoEligibleSeller.Error()},
		{"invalid phone", leaddomain.ErrInvalidPhone, http.StatusBadRequest, leaddomain.ErrInvalidPhone.Error()},
		{"ingress throttled", ingressdomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"upstream timeout", triggerdomain.ErrUpstreamTimeout, http.StatusGatewayTimeout, triggerdomain.ErrUpstreamTimeout.Error()},
		{"upstream error", triggerdomain.ErrUpstreamError, http.StatusBadGateway, triggerdomain.ErrUpstreamError.Error()},
		{"vault sealed", identitydomain.ErrVaultSealed, http.StatusServiceUnavailable, "service_unavailable"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, payload.Code)
		})
	}
}

func TestMapErrorConflictCarriesCurrentStatus(t *testing.T) {
	err := fmt.Errorf("change: %w", &leaddomain.ConflictError{Current: "won"})

	status, payload := mapError(err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, leaddomain.ErrConflictWithState.Error(), payload.Code)
	assert.Equal(t, "won", payload.CurrentStatus)

	err = fmt.Errorf("change: %w", &leaddomain.InvalidTransitionError{Current: "new", To: "won"})
	status, payload = mapError(err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, leaddomain.ErrInvalidTransition.Error(), payload.Code)
	assert.Equal(t, "new", payload.CurrentStatus)
	assert.True(t, errors.Is(err, leaddomain.ErrInvalidTransition))
}

func TestValidationErrorFieldFromCode(t *testing.T) {
	_, payload := mapError(leaddomain.ErrUnknownStatus)
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "to_code", payload.Errors[0].Field)
	}
}
