package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	conversation "github.com/smallbiznis/casc/internal/conversation/domain"
	"gorm.io/datatypes"
)

type RuleType string

const (
	RuleRoundRobin  RuleType = "round_robin"
	RuleLoadBalance RuleType = "load_balance"
	RulePerformance RuleType = "performance"
	RuleSpecialty   RuleType = "specialty"
)

type PerformanceMetric string

const (
	MetricConversionRate     PerformanceMetric = "conversion_rate"
	MetricAvgResponseSeconds PerformanceMetric = "avg_response_seconds"
)

type MatchOn string

const (
	MatchSource MatchOn = "source"
	MatchTags   MatchOn = "tags"
	MatchBoth   MatchOn = "both"
)

// RuleConfig is the per-type configuration of an AssignmentRule. The set of
// implementations is closed.
type RuleConfig interface {
	Type() RuleType
	validate() error
}

type RoundRobin struct{}

type LoadBalance struct{}

type Performance struct {
	Metric PerformanceMetric `json:"metric"`
}

type Specialty struct {
	MatchOn MatchOn `json:"match_on"`
}

func (RoundRobin) Type() RuleType  { return RuleRoundRobin }
func (LoadBalance) Type() RuleType { return RuleLoadBalance }
func (Performance) Type() RuleType { return RulePerformance }
func (Specialty) Type() RuleType   { return RuleSpecialty }

func (RoundRobin) validate() error  { return nil }
func (LoadBalance) validate() error { return nil }

func (c Performance) validate() error {
	switch c.Metric {
	case MetricConversionRate, MetricAvgResponseSeconds:
		return nil
	}
	return fmt.Errorf("%w: unknown metric %q", ErrInvalidRule, c.Metric)
}

func (c Specialty) validate() error {
	switch c.MatchOn {
	case MatchSource, MatchTags, MatchBoth:
		return nil
	}
	return fmt.Errorf("%w: unknown match_on %q", ErrInvalidRule, c.MatchOn)
}

// DecodeRuleConfig parses raw as the configuration of a rule of type t.
func DecodeRuleConfig(t RuleType, raw []byte) (RuleConfig, error) {
	var cfg RuleConfig
	switch t {
	case RuleRoundRobin:
		return RoundRobin{}, nil
	case RuleLoadBalance:
		return LoadBalance{}, nil
	case RulePerformance:
		c := Performance{Metric: MetricConversionRate}
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case RuleSpecialty:
		c := Specialty{MatchOn: MatchBoth}
		if err := unmarshalConfig(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, t)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalConfig(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

type RuleFilters struct {
	LeadSource  []string `json:"lead_source,omitempty"`
	LeadStatus  []string `json:"lead_status,omitempty"`
	SellerRoles []string `json:"seller_roles,omitempty"`
}

type RuleLimits struct {
	MaxActivePerSeller *int `json:"max_active_per_seller,omitempty"`
	MinResponseSeconds *int `json:"min_response_seconds,omitempty"`
}

type AssignmentRule struct {
	ID        snowflake.ID                    `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID                    `gorm:"not null;uniqueIndex:ux_assignment_rules_tenant_name,priority:1" json:"tenant_id"`
	Name      string                          `gorm:"not null;uniqueIndex:ux_assignment_rules_tenant_name,priority:2" json:"name"`
	Type      RuleType                        `gorm:"not null" json:"type"`
	Priority  int                             `gorm:"not null;default:0" json:"priority"`
	Active    bool                            `gorm:"not null" json:"active"`
	Config    datatypes.JSON                  `json:"config"`
	Filters   datatypes.JSONType[RuleFilters] `json:"filters"`
	Limits    datatypes.JSONType[RuleLimits]  `json:"limits"`
	CreatedAt time.Time                       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time                       `gorm:"not null" json:"updated_at"`
}

func (r AssignmentRule) Strategy() (RuleConfig, error) {
	return DecodeRuleConfig(r.Type, r.Config)
}

// AssignmentResult reports the assignment a conversation holds after an
// operation. Changed is false when an existing assignment was returned.
type AssignmentResult struct {
	ConversationKey  string                        `json:"conversation_key"`
	LeadID           uuid.UUID                     `json:"lead_id"`
	SellerID         uuid.UUID                     `json:"seller_id"`
	SellerName       string                        `json:"seller_name,omitempty"`
	PreviousSellerID *uuid.UUID                    `json:"previous_seller_id,omitempty"`
	Source           conversation.AssignmentSource `json:"source"`
	RuleID           *snowflake.ID                 `json:"rule_id,omitempty"`
	RuleName         string                        `json:"rule_name,omitempty"`
	AssignedAt       time.Time                     `json:"assigned_at"`
	Changed          bool                          `json:"changed"`
}

// AssignRequest is the store-level input of an assignment write.
type AssignRequest struct {
	ConversationKey string
	SellerID        uuid.UUID
	ActorID         *uuid.UUID
	ActorName       string
	Source          conversation.AssignmentSource
	Reason          string
	// OnlyIfUnassigned makes the write a no-op when an active seller already
	// holds the conversation.
	OnlyIfUnassigned bool
}
