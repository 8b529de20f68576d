package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	conversation "github.com/smallbiznis/casc/internal/conversation/domain"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

type CreateRuleRequest struct {
	Name     string          `json:"name"`
	Type     RuleType        `json:"type"`
	Priority int             `json:"priority"`
	Active   *bool           `json:"active"`
	Config   json.RawMessage `json:"config"`
	Filters  RuleFilters     `json:"filters"`
	Limits   RuleLimits      `json:"limits"`
}

type UpdateRuleRequest struct {
	Name     *string         `json:"name"`
	Priority *int            `json:"priority"`
	Active   *bool           `json:"active"`
	Config   json.RawMessage `json:"config"`
	Filters  *RuleFilters    `json:"filters"`
	Limits   *RuleLimits     `json:"limits"`
}

type Service interface {
	AssignManual(ctx context.Context, p identity.Principal, key string, sellerID uuid.UUID) (AssignmentResult, error)
	AutoAssign(ctx context.Context, p identity.Principal, key string, force bool) (AssignmentResult, error)
	Unassign(ctx context.Context, p identity.Principal, key, reason string) error
	ListForSeller(ctx context.Context, p identity.Principal, sellerID uuid.UUID, filter conversation.ListConversationFilter, page pagination.Page) (pagination.Result[conversation.ConversationSummary], error)
	ListConversations(ctx context.Context, p identity.Principal, filter conversation.ListConversationFilter, page pagination.Page) (pagination.Result[conversation.ConversationSummary], error)

	ListRules(ctx context.Context, p identity.Principal) ([]AssignmentRule, error)
	CreateRule(ctx context.Context, p identity.Principal, req CreateRuleRequest) (AssignmentRule, error)
	UpdateRule(ctx context.Context, p identity.Principal, id snowflake.ID, req UpdateRuleRequest) (AssignmentRule, error)
}

var (
	ErrConversationNotFound = errors.New("conversation_not_found")
	ErrNoEligibleSeller     = errors.New("no_eligible_seller")
	ErrInvalidSeller        = errors.New("invalid_seller")
	ErrAlreadyAssigned      = errors.New("already_assigned")
	ErrRuleNotFound         = errors.New("rule_not_found")
	ErrRuleExists           = errors.New("rule_exists")
	ErrInvalidRule          = errors.New("invalid_rule")
	ErrInvalidRuleName      = errors.New("invalid_rule_name")
)
