package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/smallbiznis/casc/pkg/telemetry/correlation"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type          string            `json:"type"`
	Code          string            `json:"code,omitempty"`
	Message       string            `json:"message"`
	Errors        []ValidationError `json:"errors,omitempty"`
	CurrentStatus string            `json:"current_status,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthenticated")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		payload.CorrelationID = correlation.ExtractCorrelationID(c.Request.Context())
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Code:    "invalid_request",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var conflict *leaddomain.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, errorPayload{
			Type:          "conflict",
			Code:          leaddomain.ErrConflictWithState.Error(),
			Message:       "lead status changed concurrently",
			CurrentStatus: conflict.Current,
		}
	}

	var invalid *leaddomain.InvalidTransitionError
	if errors.As(err, &invalid) {
		return http.StatusConflict, errorPayload{
			Type:          "conflict",
			Code:          leaddomain.ErrInvalidTransition.Error(),
			Message:       "transition not allowed",
			CurrentStatus: invalid.Current,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identitydomain.ErrUnauthenticated),
		errors.Is(err, identitydomain.ErrInvalidCredentials),
		errors.Is(err, identitydomain.ErrTokenExpired),
		errors.Is(err, ingressdomain.ErrSignatureInvalid),
		errors.Is(err, ingressdomain.ErrSecretNotConfigured):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthenticated",
			Code:    matchedCode(err, unauthenticatedErrors),
			Message: "unauthenticated",
		}
	case errors.Is(err, identitydomain.ErrForbidden),
		errors.Is(err, ingressdomain.ErrVerifyTokenMismatch),
		errors.Is(err, ingressdomain.ErrTenantMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    matchedCode(err, forbiddenErrors),
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    matchedCode(err, notFoundErrors),
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    matchedCode(err, conflictErrors),
			Message: "conflict",
		}
	case isValidationError(err):
		code := matchedCode(err, validationErrors)
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Code:    code,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ingressdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, triggerdomain.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "upstream_timeout",
			Code:    triggerdomain.ErrUpstreamTimeout.Error(),
			Message: "upstream timed out",
		}
	case errors.Is(err, triggerdomain.ErrUpstreamError):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_error",
			Code:    triggerdomain.ErrUpstreamError.Error(),
			Message: "upstream returned an error",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, identitydomain.ErrVaultSealed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Code:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal",
			Code:    "internal",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the error type and code the response carries.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

var (
	unauthenticatedErrors = []error{
		identitydomain.ErrInvalidCredentials,
		identitydomain.ErrTokenExpired,
		ingressdomain.ErrSignatureInvalid,
		ingressdomain.ErrSecretNotConfigured,
		identitydomain.ErrUnauthenticated,
		ErrUnauthorized,
	}
	forbiddenErrors = []error{
		ingressdomain.ErrVerifyTokenMismatch,
		ingressdomain.ErrTenantMismatch,
		identitydomain.ErrForbidden,
	}
	notFoundErrors = []error{
		leaddomain.ErrNotFound,
		leaddomain.ErrStatusNotFound,
		leaddomain.ErrTransitionNotFound,
		assignmentdomain.ErrConversationNotFound,
		assignmentdomain.ErrRuleNotFound,
		triggerdomain.ErrTriggerNotFound,
		notificationdomain.ErrNotFound,
		tenantdomain.ErrTenantNotFound,
		tenantdomain.ErrUserNotFound,
		tenantdomain.ErrSellerNotFound,
		identitydomain.ErrCredentialNotFound,
		ingressdomain.ErrUnknownTenant,
		ingressdomain.ErrUnknownProvider,
		ErrNotFound,
	}
	conflictErrors = []error{
		leaddomain.ErrPhoneExists,
		leaddomain.ErrInvalidTransition,
		leaddomain.ErrConflictWithState,
		leaddomain.ErrNoInitialStatus,
		leaddomain.ErrStatusExists,
		leaddomain.ErrTransitionExists,
		assignmentdomain.ErrAlreadyAssigned,
		assignmentdomain.ErrNoEligibleSeller,
		assignmentdomain.ErrRuleExists,
		tenantdomain.ErrSlugExists,
		tenantdomain.ErrEmailExists,
	}
	validationErrors = []error{
		ErrInvalidRequest,
		leaddomain.ErrInvalidPhone,
		leaddomain.ErrInvalidEmail,
		leaddomain.ErrUnknownStatus,
		leaddomain.ErrInvalidStatusCode,
		leaddomain.ErrEmptyBulk,
		leaddomain.ErrBulkTooLarge,
		leaddomain.ErrInvalidSource,
		assignmentdomain.ErrInvalidSeller,
		assignmentdomain.ErrInvalidRule,
		assignmentdomain.ErrInvalidRuleName,
		triggerdomain.ErrInvalidTrigger,
		notificationdomain.ErrInvalidRequest,
		tenantdomain.ErrInvalidName,
		tenantdomain.ErrInvalidSlug,
		tenantdomain.ErrInvalidEmail,
		tenantdomain.ErrInvalidRole,
		tenantdomain.ErrInvalidPassword,
		tenantdomain.ErrInvalidConfig,
		identitydomain.ErrInvalidCredentialName,
		ingressdomain.ErrInvalidPayload,
		auditdomain.ErrInvalidPageToken,
		auditdomain.ErrInvalidAction,
		auditdomain.ErrInvalidRange,
		pagination.ErrInvalidPageToken,
	}
)

func matchedCode(err error, candidates []error) string {
	for _, candidate := range candidates {
		if errors.Is(err, candidate) {
			return candidate.Error()
		}
	}
	return ""
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	return matchedCode(err, validationErrors) != ""
}

func isConflictError(err error) bool {
	return matchedCode(err, conflictErrors) != ""
}

func isNotFoundError(err error) bool {
	return matchedCode(err, notFoundErrors) != "" || errors.Is(err, gorm.ErrRecordNotFound)
}

var validationFields = map[string]string{
	"invalid_request":         "request",
	"unknown_status":          "to_code",
	"invalid_status_code":     "code",
	"empty_bulk_request":      "lead_ids",
	"bulk_request_too_large":  "lead_ids",
	"invalid_seller":          "seller_id",
	"invalid_rule":            "config",
	"invalid_rule_name":       "name",
	"invalid_trigger":         "config",
	"invalid_notification":    "request",
	"invalid_credential_name": "name",
	"invalid_payload":         "body",
	"invalid_time_range":      "until",
}

func validationErrorField(code string) string {
	if field, ok := validationFields[code]; ok {
		return field
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_status":
		return "unknown status code"
	case "empty_bulk_request":
		return "at least one lead id is required"
	case "bulk_request_too_large":
		return "too many lead ids"
	default:
		return "invalid value"
	}
}
