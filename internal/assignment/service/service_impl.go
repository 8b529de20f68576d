package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	"github.com/smallbiznis/casc/internal/assignment/rules"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/cache"
	"github.com/smallbiznis/casc/internal/clock"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/ratelimit"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store     *store.Store
	Authz     authorization.Service
	Cache     cache.TenantCache          `optional:"true"`
	Limiter   *ratelimit.Limiter         `optional:"true"`
	Publisher realtime.Publisher         `optional:"true"`
	Notifier  notificationdomain.Service `optional:"true"`
	Audit     auditdomain.Service        `optional:"true"`
	Metrics   *metrics.Metrics           `optional:"true"`
	GenID     *snowflake.Node
	Clock     clock.Clock `optional:"true"`
	Log       *zap.Logger
}

type Service struct {
	store     *store.Store
	authz     authorization.Service
	cache     cache.TenantCache
	limiter   *ratelimit.Limiter
	publisher realtime.Publisher
	notifier  notificationdomain.Service
	audit     auditdomain.Service
	metrics   *metrics.Metrics
	genID     *snowflake.Node
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(p Params) assignmentdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		store:     p.Store,
		authz:     p.Authz,
		cache:     p.Cache,
		limiter:   p.Limiter,
		publisher: p.Publisher,
		notifier:  p.Notifier,
		audit:     p.Audit,
		metrics:   p.Metrics,
		genID:     p.GenID,
		clock:     c,
		log:       p.Log.Named("assignment.service"),
	}
}

// AssignmentChanged is the payload of the ASSIGNMENT_CHANGED realtime event.
type AssignmentChanged struct {
	ConversationKey  string                              `json:"conversation_key"`
	LeadID           uuid.UUID                           `json:"lead_id"`
	SellerID         *uuid.UUID                          `json:"seller_id"`
	PreviousSellerID *uuid.UUID                          `json:"previous_seller_id,omitempty"`
	Source           conversationdomain.AssignmentSource `json:"source,omitempty"`
	By               string                              `json:"by"`
	Reason           string                              `json:"reason,omitempty"`
	Result           *assignmentdomain.AssignmentResult  `json:"assignment,omitempty"`
}

// AssignManual assigns key to sellerID. Managers may assign and reassign
// anyone; a seller may only take an unassigned conversation for themselves.
func (s *Service) AssignManual(ctx context.Context, p identitydomain.Principal, key string, sellerID uuid.UUID) (assignmentdomain.AssignmentResult, error) {
	key, err := conversationKey(key)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionAssign); err != nil {
		if !errors.Is(err, identitydomain.ErrForbidden) {
			return assignmentdomain.AssignmentResult{}, err
		}
		if err := s.authorizeSelfAssign(ctx, p, key, sellerID); err != nil {
			return assignmentdomain.AssignmentResult{}, err
		}
	}

	release, err := s.lock(ctx, p.TenantID, key)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	defer release()

	result, err := s.store.AssignConversation(ctx, p.TenantID, assignmentdomain.AssignRequest{
		ConversationKey: key,
		SellerID:        sellerID,
		ActorID:         p.ActorID(),
		ActorName:       p.Name,
		Source:          conversationdomain.AssignmentManual,
	})
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	s.afterAssign(ctx, p, result)
	return result, nil
}

func (s *Service) authorizeSelfAssign(ctx context.Context, p identitydomain.Principal, key string, sellerID uuid.UUID) error {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionAssignSelf); err != nil {
		return err
	}
	if sellerID != p.UserID {
		return identitydomain.ErrForbidden
	}
	latest, err := s.store.LatestMessage(ctx, p.TenantID, key)
	if err != nil {
		return err
	}
	if latest.AssignedSellerID != nil && *latest.AssignedSellerID != p.UserID {
		return identitydomain.ErrForbidden
	}
	return nil
}

// AutoAssign routes key through the tenant's rules. An active assignment is
// returned unchanged unless force is set, in which case the current seller is
// excluded from the pick.
func (s *Service) AutoAssign(ctx context.Context, p identitydomain.Principal, key string, force bool) (assignmentdomain.AssignmentResult, error) {
	key, err := conversationKey(key)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionAssign); err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}

	release, err := s.lock(ctx, p.TenantID, key)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	defer release()

	latest, err := s.store.LatestMessage(ctx, p.TenantID, key)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	lead, err := s.store.GetLead(ctx, p.TenantID, latest.LeadID)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	sellers, err := s.store.ListEligibleSellers(ctx, p.TenantID)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}

	var exclude *uuid.UUID
	if latest.AssignedSellerID != nil {
		current, held := findSeller(sellers, *latest.AssignedSellerID)
		if held && !force {
			return store.ExistingAssignment(latest, current), nil
		}
		if held {
			exclude = latest.AssignedSellerID
		}
	}

	ruleSet, err := s.activeRules(ctx, p.TenantID)
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	decision, invalid, ok := rules.Evaluate(ruleSet, subjectOf(lead), sellers, exclude, s.clock.Now().UTC())
	for _, bad := range invalid {
		s.log.Warn("skipping assignment rule with invalid config",
			zap.String("tenant_id", p.TenantID.String()),
			zap.String("rule_id", bad.Rule.ID.String()),
			zap.Error(bad.Err),
		)
	}
	if !ok {
		return assignmentdomain.AssignmentResult{}, assignmentdomain.ErrNoEligibleSeller
	}

	reason := "fallback round robin"
	if decision.Rule != nil {
		reason = fmt.Sprintf("rule %s", decision.Rule.Name)
	}
	result, err := s.store.AssignConversation(ctx, p.TenantID, assignmentdomain.AssignRequest{
		ConversationKey:  key,
		SellerID:         decision.Seller.UserID,
		ActorID:          p.ActorID(),
		ActorName:        p.Name,
		Source:           decision.Source,
		Reason:           reason,
		OnlyIfUnassigned: !force,
	})
	if err != nil {
		return assignmentdomain.AssignmentResult{}, err
	}
	if !result.Changed {
		return result, nil
	}
	if decision.Rule != nil {
		id := decision.Rule.ID
		result.RuleID = &id
		result.RuleName = decision.Rule.Name
	}
	s.afterAssign(ctx, p, result)
	return result, nil
}

// Unassign clears the conversation's seller. Unassigning an unassigned
// conversation succeeds without side effects.
func (s *Service) Unassign(ctx context.Context, p identitydomain.Principal, key, reason string) error {
	key, err := conversationKey(key)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionAssign); err != nil {
		return err
	}

	release, err := s.lock(ctx, p.TenantID, key)
	if err != nil {
		return err
	}
	defer release()

	previous, leadID, err := s.store.UnassignConversation(ctx, p.TenantID, assignmentdomain.AssignRequest{
		ConversationKey: key,
		ActorID:         p.ActorID(),
		ActorName:       p.Name,
		Source:          conversationdomain.AssignmentManual,
		Reason:          strings.TrimSpace(reason),
	})
	if err != nil || previous == nil {
		return err
	}

	s.publish(ctx, p.TenantID, AssignmentChanged{
		ConversationKey:  key,
		LeadID:           leadID,
		PreviousSellerID: previous,
		By:               byName(p),
		Reason:           strings.TrimSpace(reason),
	}, previous)
	s.notify(ctx, p.TenantID, notificationdomain.NotifyRequest{
		RecipientUserID: *previous,
		Type:            notificationdomain.TypeConversationRemoved,
		Title:           "Conversation unassigned",
		Message:         fmt.Sprintf("%s is no longer assigned to you", key),
		Priority:        notificationdomain.PriorityMedium,
		RelatedEntity:   notificationdomain.RelatedEntity{Type: "conversation", ID: key},
		Metadata:        map[string]any{"lead_id": leadID.String(), "reason": strings.TrimSpace(reason)},
	})
	return nil
}

// ListForSeller lists conversations held by sellerID. Sellers can only list
// their own.
func (s *Service) ListForSeller(ctx context.Context, p identitydomain.Principal, sellerID uuid.UUID, filter conversationdomain.ListConversationFilter, page pagination.Page) (pagination.Result[conversationdomain.ConversationSummary], error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionRead); err != nil {
		return pagination.Result[conversationdomain.ConversationSummary]{}, err
	}
	if sellerID != p.UserID && !s.canAssign(ctx, p) {
		return pagination.Result[conversationdomain.ConversationSummary]{}, identitydomain.ErrForbidden
	}
	filter.AssignedTo = &sellerID
	filter.Unassigned = false
	return s.store.ListConversations(ctx, p.TenantID, filter, page)
}

// ListConversations lists the tenant's conversations. Seller roles see their
// own and the unassigned ones.
func (s *Service) ListConversations(ctx context.Context, p identitydomain.Principal, filter conversationdomain.ListConversationFilter, page pagination.Page) (pagination.Result[conversationdomain.ConversationSummary], error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionRead); err != nil {
		return pagination.Result[conversationdomain.ConversationSummary]{}, err
	}
	if p.Role.IsSellerEligible() && !s.canAssign(ctx, p) && !filter.Unassigned {
		if filter.AssignedTo != nil && *filter.AssignedTo != p.UserID {
			return pagination.Result[conversationdomain.ConversationSummary]{}, identitydomain.ErrForbidden
		}
		self := p.UserID
		filter.AssignedTo = &self
	}
	return s.store.ListConversations(ctx, p.TenantID, filter, page)
}

func (s *Service) canAssign(ctx context.Context, p identitydomain.Principal) bool {
	return s.authz.Authorize(ctx, p, authorization.ObjectConversation, authorization.ActionAssign) == nil
}

func (s *Service) ListRules(ctx context.Context, p identitydomain.Principal) ([]assignmentdomain.AssignmentRule, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectRule, authorization.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListRules(ctx, p.TenantID, false)
}

func (s *Service) CreateRule(ctx context.Context, p identitydomain.Principal, req assignmentdomain.CreateRuleRequest) (assignmentdomain.AssignmentRule, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectRule, authorization.ActionConfigure); err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return assignmentdomain.AssignmentRule{}, assignmentdomain.ErrInvalidRuleName
	}
	config, err := encodeConfig(req.Type, req.Config)
	if err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	if err := validateLimits(req.Limits); err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now().UTC()
	rule := assignmentdomain.AssignmentRule{
		ID:        s.genID.Generate(),
		TenantID:  p.TenantID,
		Name:      name,
		Type:      req.Type,
		Priority:  req.Priority,
		Active:    active,
		Config:    config,
		Filters:   datatypes.NewJSONType(req.Filters),
		Limits:    datatypes.NewJSONType(req.Limits),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	s.invalidateRules(p.TenantID)
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "assignment_rule.created",
		TargetType: "assignment_rule",
		TargetID:   rule.ID.String(),
		Metadata:   map[string]any{"name": rule.Name, "type": string(rule.Type), "priority": rule.Priority},
	})
	return rule, nil
}

func (s *Service) UpdateRule(ctx context.Context, p identitydomain.Principal, id snowflake.ID, req assignmentdomain.UpdateRuleRequest) (assignmentdomain.AssignmentRule, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectRule, authorization.ActionConfigure); err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	if req.Limits != nil {
		if err := validateLimits(*req.Limits); err != nil {
			return assignmentdomain.AssignmentRule{}, err
		}
	}

	rule, err := s.store.UpdateRule(ctx, p.TenantID, id, func(rule *assignmentdomain.AssignmentRule) error {
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return assignmentdomain.ErrInvalidRuleName
			}
			rule.Name = name
		}
		if req.Priority != nil {
			rule.Priority = *req.Priority
		}
		if req.Active != nil {
			rule.Active = *req.Active
		}
		if len(req.Config) > 0 {
			config, err := encodeConfig(rule.Type, req.Config)
			if err != nil {
				return err
			}
			rule.Config = config
		}
		if req.Filters != nil {
			rule.Filters = datatypes.NewJSONType(*req.Filters)
		}
		if req.Limits != nil {
			rule.Limits = datatypes.NewJSONType(*req.Limits)
		}
		return nil
	})
	if err != nil {
		return assignmentdomain.AssignmentRule{}, err
	}
	s.invalidateRules(p.TenantID)
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "assignment_rule.updated",
		TargetType: "assignment_rule",
		TargetID:   rule.ID.String(),
		Metadata:   map[string]any{"name": rule.Name, "active": rule.Active, "priority": rule.Priority},
	})
	return rule, nil
}

func (s *Service) activeRules(ctx context.Context, tenantID snowflake.ID) ([]assignmentdomain.AssignmentRule, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetRules(tenantID); ok {
			return cached, nil
		}
	}
	ruleSet, err := s.store.ListRules(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetRules(tenantID, ruleSet)
	}
	return ruleSet, nil
}

func (s *Service) lock(ctx context.Context, tenantID snowflake.ID, key string) (func(), error) {
	return s.limiter.Lock(ctx, fmt.Sprintf("assign:%s:%s", tenantID, key))
}

func (s *Service) afterAssign(ctx context.Context, p identitydomain.Principal, result assignmentdomain.AssignmentResult) {
	s.metrics.RecordAssignment(ctx, string(result.Source))
	seller := result.SellerID
	s.publish(ctx, p.TenantID, AssignmentChanged{
		ConversationKey:  result.ConversationKey,
		LeadID:           result.LeadID,
		SellerID:         &seller,
		PreviousSellerID: result.PreviousSellerID,
		Source:           result.Source,
		By:               byName(p),
		Result:           &result,
	}, &seller, result.PreviousSellerID)

	priority := notificationdomain.PriorityHigh
	if result.Source == conversationdomain.AssignmentManual {
		priority = notificationdomain.PriorityMedium
	}
	s.notify(ctx, p.TenantID, notificationdomain.NotifyRequest{
		RecipientUserID: seller,
		Type:            notificationdomain.TypeConversationAssigned,
		Title:           "New conversation assigned",
		Message:         fmt.Sprintf("%s was assigned to you", result.ConversationKey),
		Priority:        priority,
		RelatedEntity:   notificationdomain.RelatedEntity{Type: "conversation", ID: result.ConversationKey},
		Metadata: map[string]any{
			"lead_id": result.LeadID.String(),
			"source":  string(result.Source),
		},
	})
}

// publish sends an ASSIGNMENT_CHANGED event to the tenant's managers and to
// the sellers involved.
func (s *Service) publish(ctx context.Context, tenantID snowflake.ID, data AssignmentChanged, sellers ...*uuid.UUID) {
	if s.publisher == nil {
		return
	}
	recipients, err := s.store.ListUserIDsByRoles(ctx, tenantID, tenantdomain.ManagerRoles())
	if err != nil {
		s.log.Warn("failed to resolve managers", zap.Error(err))
	}
	for _, id := range sellers {
		if id != nil {
			recipients = append(recipients, *id)
		}
	}
	s.publisher.Publish(ctx, tenantID, recipients, realtime.Event{
		Type: realtime.EventAssignmentChanged,
		At:   s.clock.Now().UTC(),
		Data: data,
	})
}

// notify persists a notification. Failures are logged; the assignment has
// already committed.
func (s *Service) notify(ctx context.Context, tenantID snowflake.ID, req notificationdomain.NotifyRequest) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Notify(ctx, tenantID, req); err != nil {
		s.log.Warn("failed to notify seller", zap.String("type", req.Type), zap.Error(err))
	}
}

func (s *Service) invalidateRules(tenantID snowflake.ID) {
	if s.cache != nil {
		s.cache.InvalidateRules(tenantID)
	}
}

func (s *Service) record(ctx context.Context, tenantID snowflake.ID, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, tenantID, entry); err != nil {
		s.log.Warn("failed to record audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

// conversationKey normalizes a conversation key, which is the contact's
// E.164 phone.
func conversationKey(raw string) (string, error) {
	key, err := leaddomain.NormalizePhone(raw)
	if err != nil {
		return "", assignmentdomain.ErrConversationNotFound
	}
	return key, nil
}

func encodeConfig(t assignmentdomain.RuleType, raw json.RawMessage) (datatypes.JSON, error) {
	cfg, err := assignmentdomain.DecodeRuleConfig(t, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func validateLimits(limits assignmentdomain.RuleLimits) error {
	if limits.MaxActivePerSeller != nil && *limits.MaxActivePerSeller < 1 {
		return fmt.Errorf("%w: max_active_per_seller must be positive", assignmentdomain.ErrInvalidRule)
	}
	if limits.MinResponseSeconds != nil && *limits.MinResponseSeconds < 0 {
		return fmt.Errorf("%w: min_response_seconds must not be negative", assignmentdomain.ErrInvalidRule)
	}
	return nil
}

func subjectOf(lead leaddomain.Lead) rules.Subject {
	return rules.Subject{Source: lead.Source, Status: lead.StatusCode, Tags: lead.Tags}
}

func findSeller(sellers []tenantdomain.SellerCandidate, id uuid.UUID) (tenantdomain.SellerCandidate, bool) {
	for _, seller := range sellers {
		if seller.UserID == id {
			return seller, true
		}
	}
	return tenantdomain.SellerCandidate{}, false
}

func byName(p identitydomain.Principal) string {
	if p.Name != "" {
		return p.Name
	}
	if p.IsSystem() {
		return "system"
	}
	return p.UserID.String()
}
