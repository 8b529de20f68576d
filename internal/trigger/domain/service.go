package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

type CreateTriggerRequest struct {
	OnStatusCode string          `json:"on_status_code"`
	ActionType   ActionType      `json:"action_type"`
	Config       json.RawMessage `json:"config"`
	Active       *bool           `json:"active"`
}

// TestResult is the outcome of a synchronous test delivery.
type TestResult struct {
	Status     LogStatus `json:"status"`
	HTTPStatus *int      `json:"http_status,omitempty"`
	Response   string    `json:"response"`
	DurationMS int64     `json:"duration_ms"`
}

type Service interface {
	List(ctx context.Context, p identity.Principal) ([]Trigger, error)
	Create(ctx context.Context, p identity.Principal, req CreateTriggerRequest) (Trigger, error)
	Delete(ctx context.Context, p identity.Principal, id snowflake.ID) error
	ListLogs(ctx context.Context, p identity.Principal, id snowflake.ID, page pagination.Page) (pagination.Result[TriggerLog], error)
	// Test delivers a synthetic event to a webhook trigger once, without
	// retries. Transport failures surface as ErrUpstreamTimeout or
	// ErrUpstreamError.
	Test(ctx context.Context, p identity.Principal, id snowflake.ID) (TestResult, error)
}

var (
	ErrTriggerNotFound = errors.New("trigger_not_found")
	ErrInvalidTrigger  = errors.New("invalid_trigger")
	ErrUpstreamTimeout = errors.New("upstream_timeout")
	ErrUpstreamError   = errors.New("upstream_error")
)
