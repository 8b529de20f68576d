package service

import (
	"context"
	"net/mail"
	"regexp"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/cache"
	"github.com/smallbiznis/casc/internal/clock"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxBulkLeads = 500

var statusCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,39}$`)

type Params struct {
	fx.In

	Store     *store.Store
	Authz     authorization.Service
	Cache     cache.TenantCache   `optional:"true"`
	Publisher realtime.Publisher  `optional:"true"`
	Audit     auditdomain.Service `optional:"true"`
	Metrics   *metrics.Metrics    `optional:"true"`
	GenID     *snowflake.Node
	Clock     clock.Clock `optional:"true"`
	Log       *zap.Logger
}

type Service struct {
	store     *store.Store
	authz     authorization.Service
	cache     cache.TenantCache
	publisher realtime.Publisher
	audit     auditdomain.Service
	metrics   *metrics.Metrics
	genID     *snowflake.Node
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(p Params) leaddomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		store:     p.Store,
		authz:     p.Authz,
		cache:     p.Cache,
		publisher: p.Publisher,
		audit:     p.Audit,
		metrics:   p.Metrics,
		genID:     p.GenID,
		clock:     c,
		log:       p.Log.Named("lead.service"),
	}
}

func (s *Service) Create(ctx context.Context, p identitydomain.Principal, req leaddomain.CreateLeadRequest) (leaddomain.Lead, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionWrite); err != nil {
		return leaddomain.Lead{}, err
	}
	phone, err := leaddomain.NormalizePhone(req.Phone)
	if err != nil {
		return leaddomain.Lead{}, err
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return leaddomain.Lead{}, leaddomain.ErrInvalidEmail
		}
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = string(leaddomain.SourceManual)
	}

	lead, err := s.store.CreateLead(ctx, p.TenantID, phone, leaddomain.LeadSeed{
		Name:   req.Name,
		Email:  email,
		Source: source,
		Tags:   req.Tags,
	}, actorOf(p))
	if err != nil {
		return leaddomain.Lead{}, err
	}

	s.publish(ctx, p.TenantID, realtime.EventLeadCreated, lead, p.ActorID())
	return lead, nil
}

// Get answers NotFound for leads of other tenants.
func (s *Service) Get(ctx context.Context, p identitydomain.Principal, id uuid.UUID) (leaddomain.Lead, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionRead); err != nil {
		return leaddomain.Lead{}, err
	}
	return s.store.GetLead(ctx, p.TenantID, id)
}

func (s *Service) List(ctx context.Context, p identitydomain.Principal, filter leaddomain.ListLeadFilter, page pagination.Page) (pagination.Result[leaddomain.Lead], error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionRead); err != nil {
		return pagination.Result[leaddomain.Lead]{}, err
	}
	filter.StatusCode = strings.ToLower(strings.TrimSpace(filter.StatusCode))
	return s.store.ListLeads(ctx, p.TenantID, filter, page)
}

func (s *Service) ChangeStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.ChangeStatusRequest) (leaddomain.StatusChangeResult, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionWrite); err != nil {
		return leaddomain.StatusChangeResult{}, err
	}
	return s.changeStatus(ctx, p, req)
}

func (s *Service) changeStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.ChangeStatusRequest) (leaddomain.StatusChangeResult, error) {
	to := strings.ToLower(strings.TrimSpace(req.To))
	if to == "" {
		return leaddomain.StatusChangeResult{}, leaddomain.ErrUnknownStatus
	}
	source := req.Source
	if source == "" {
		source = leaddomain.SourceManual
		if p.IsSystem() {
			source = leaddomain.SourceSystem
		}
	}
	if !source.Valid() {
		return leaddomain.StatusChangeResult{}, leaddomain.ErrInvalidSource
	}
	var expected *string
	if req.ExpectedFrom != nil {
		v := strings.ToLower(strings.TrimSpace(*req.ExpectedFrom))
		expected = &v
	}

	res, err := s.store.ApplyStatusChange(ctx, p.TenantID, req.LeadID, leaddomain.StatusChange{
		ExpectedFrom: expected,
		To:           to,
		Actor:        actorOf(p),
		Source:       source,
		Comment:      req.Comment,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}
	if res.Noop {
		return res, nil
	}

	s.metrics.RecordStatusChange(ctx, string(source))
	s.publish(ctx, p.TenantID, realtime.EventStatusChanged, res.Event(), res.Lead.AssignedSellerID, p.ActorID())
	return res, nil
}

// BulkChangeStatus applies the change to every lead in its own transaction.
// A failure is reported under the lead's id and never undoes the others.
func (s *Service) BulkChangeStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.BulkChangeStatusRequest) (map[uuid.UUID]string, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionWrite); err != nil {
		return nil, err
	}
	if len(req.LeadIDs) == 0 {
		return nil, leaddomain.ErrEmptyBulk
	}
	if len(req.LeadIDs) > maxBulkLeads {
		return nil, leaddomain.ErrBulkTooLarge
	}

	results := make(map[uuid.UUID]string, len(req.LeadIDs))
	for _, id := range req.LeadIDs {
		if _, done := results[id]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		_, err := s.changeStatus(ctx, p, leaddomain.ChangeStatusRequest{
			LeadID:   id,
			To:       req.To,
			Comment:  req.Comment,
			Metadata: req.Metadata,
		})
		if err != nil {
			code := leaddomain.ErrorCode(err)
			if code == "internal" {
				s.log.Error("bulk status change failed", zap.String("lead_id", id.String()), zap.Error(err))
			}
			results[id] = code
			continue
		}
		results[id] = leaddomain.BulkOK
	}
	return results, nil
}

// AvailableTransitions lists the active destinations reachable from the
// lead's current status, declared edges first.
func (s *Service) AvailableTransitions(ctx context.Context, p identitydomain.Principal, id uuid.UUID) ([]leaddomain.AvailableTransition, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionRead); err != nil {
		return nil, err
	}
	lead, err := s.store.GetLead(ctx, p.TenantID, id)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.OutgoingTransitions(ctx, p.TenantID, lead.StatusCode)
	if err != nil {
		return nil, err
	}
	statuses, err := s.statuses(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]leaddomain.StatusDef, len(statuses))
	for _, status := range statuses {
		byCode[status.Code] = status
	}

	out := make([]leaddomain.AvailableTransition, 0, len(edges))
	index := map[string]int{}
	for _, edge := range edges {
		status, ok := byCode[edge.ToCode]
		if !ok || !status.Active || edge.ToCode == lead.StatusCode {
			continue
		}
		candidate := leaddomain.AvailableTransition{
			ToCode:   edge.ToCode,
			Label:    edge.Label,
			Wildcard: edge.IsWildcard(),
			Status:   status,
		}
		if i, seen := index[edge.ToCode]; seen {
			if out[i].Wildcard && !candidate.Wildcard {
				out[i] = candidate
			}
			continue
		}
		index[edge.ToCode] = len(out)
		out = append(out, candidate)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Status.SortOrder != out[j].Status.SortOrder {
			return out[i].Status.SortOrder < out[j].Status.SortOrder
		}
		return out[i].ToCode < out[j].ToCode
	})
	return out, nil
}

func (s *Service) Timeline(ctx context.Context, p identitydomain.Principal, id uuid.UUID, window pagination.Window) ([]leaddomain.StatusHistory, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectLead, authorization.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.store.GetLead(ctx, p.TenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, p.TenantID, id, window)
}

func (s *Service) ListStatuses(ctx context.Context, p identitydomain.Principal) ([]leaddomain.StatusDef, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionRead); err != nil {
		return nil, err
	}
	return s.statuses(ctx, p.TenantID)
}

func (s *Service) statuses(ctx context.Context, tenantID snowflake.ID) ([]leaddomain.StatusDef, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetStatuses(tenantID); ok {
			return cached, nil
		}
	}
	statuses, err := s.store.ListStatuses(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetStatuses(tenantID, statuses)
	}
	return statuses, nil
}

func (s *Service) CreateStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.CreateStatusRequest) (leaddomain.StatusDef, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionConfigure); err != nil {
		return leaddomain.StatusDef{}, err
	}
	code := strings.ToLower(strings.TrimSpace(req.Code))
	if !statusCodePattern.MatchString(code) {
		return leaddomain.StatusDef{}, leaddomain.ErrInvalidStatusCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}

	now := s.clock.Now().UTC()
	status := leaddomain.StatusDef{
		ID:        s.genID.Generate(),
		TenantID:  p.TenantID,
		Code:      code,
		Name:      name,
		Color:     strings.TrimSpace(req.Color),
		Icon:      strings.TrimSpace(req.Icon),
		IsInitial: req.IsInitial,
		IsFinal:   req.IsFinal,
		SortOrder: req.SortOrder,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.IsInitial {
		s.warnSecondInitial(ctx, p.TenantID, code)
	}
	if err := s.store.CreateStatus(ctx, status); err != nil {
		return leaddomain.StatusDef{}, err
	}
	s.invalidateStatuses(p.TenantID)
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "status.created",
		TargetType: "status",
		TargetID:   code,
		Metadata:   map[string]any{"is_initial": status.IsInitial, "is_final": status.IsFinal},
	})
	return status, nil
}

func (s *Service) UpdateStatus(ctx context.Context, p identitydomain.Principal, code string, req leaddomain.UpdateStatusRequest) (leaddomain.StatusDef, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionConfigure); err != nil {
		return leaddomain.StatusDef{}, err
	}
	code = strings.ToLower(strings.TrimSpace(code))
	if req.IsInitial != nil && *req.IsInitial {
		s.warnSecondInitial(ctx, p.TenantID, code)
	}

	status, err := s.store.UpdateStatus(ctx, p.TenantID, code, func(status *leaddomain.StatusDef) {
		if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
			status.Name = strings.TrimSpace(*req.Name)
		}
		if req.Color != nil {
			status.Color = strings.TrimSpace(*req.Color)
		}
		if req.Icon != nil {
			status.Icon = strings.TrimSpace(*req.Icon)
		}
		if req.IsInitial != nil {
			status.IsInitial = *req.IsInitial
		}
		if req.IsFinal != nil {
			status.IsFinal = *req.IsFinal
		}
		if req.SortOrder != nil {
			status.SortOrder = *req.SortOrder
		}
		if req.Active != nil {
			status.Active = *req.Active
		}
	})
	if err != nil {
		return leaddomain.StatusDef{}, err
	}
	s.invalidateStatuses(p.TenantID)
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "status.updated",
		TargetType: "status",
		TargetID:   code,
		Metadata:   map[string]any{"active": status.Active, "is_initial": status.IsInitial, "is_final": status.IsFinal},
	})
	return status, nil
}

// warnSecondInitial only logs: lookups pick the initial status with the
// lowest sort order.
func (s *Service) warnSecondInitial(ctx context.Context, tenantID snowflake.ID, code string) {
	count, err := s.store.CountInitialStatuses(ctx, tenantID, code)
	if err != nil {
		s.log.Warn("failed to count initial statuses", zap.Error(err))
		return
	}
	if count > 0 {
		s.log.Warn("tenant has more than one initial status",
			zap.String("tenant_id", tenantID.String()),
			zap.String("code", code),
			zap.Int64("others", count),
		)
	}
}

func (s *Service) ListTransitions(ctx context.Context, p identitydomain.Principal) ([]leaddomain.Transition, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, p.TenantID)
}

func (s *Service) CreateTransition(ctx context.Context, p identitydomain.Principal, req leaddomain.CreateTransitionRequest) (leaddomain.Transition, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionConfigure); err != nil {
		return leaddomain.Transition{}, err
	}
	to := strings.ToLower(strings.TrimSpace(req.ToCode))
	if to == "" {
		return leaddomain.Transition{}, leaddomain.ErrInvalidStatusCode
	}
	var from *string
	if req.FromCode != nil && strings.TrimSpace(*req.FromCode) != "" {
		v := strings.ToLower(strings.TrimSpace(*req.FromCode))
		if v == to {
			return leaddomain.Transition{}, leaddomain.ErrInvalidTransition
		}
		from = &v
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = to
	}

	transition := leaddomain.Transition{
		ID:          s.genID.Generate(),
		TenantID:    p.TenantID,
		FromCode:    from,
		ToCode:      to,
		Label:       label,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.store.CreateTransition(ctx, transition); err != nil {
		return leaddomain.Transition{}, err
	}
	fromCode := "*"
	if from != nil {
		fromCode = *from
	}
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "transition.created",
		TargetType: "transition",
		TargetID:   transition.ID.String(),
		Metadata:   map[string]any{"from": fromCode, "to": to},
	})
	return transition, nil
}

func (s *Service) DeleteTransition(ctx context.Context, p identitydomain.Principal, id string) error {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectStatusConfig, authorization.ActionConfigure); err != nil {
		return err
	}
	transitionID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || transitionID == 0 {
		return leaddomain.ErrTransitionNotFound
	}
	if err := s.store.DeleteTransition(ctx, p.TenantID, transitionID); err != nil {
		return err
	}
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "transition.deleted",
		TargetType: "transition",
		TargetID:   transitionID.String(),
	})
	return nil
}

// publish sends event to the tenant's managers and the extra recipients.
func (s *Service) publish(ctx context.Context, tenantID snowflake.ID, kind realtime.EventType, data any, extra ...*uuid.UUID) {
	if s.publisher == nil {
		return
	}
	recipients, err := s.store.ListUserIDsByRoles(ctx, tenantID, tenantdomain.ManagerRoles())
	if err != nil {
		s.log.Warn("failed to resolve event recipients", zap.String("event", string(kind)), zap.Error(err))
	}
	for _, id := range extra {
		if id != nil {
			recipients = append(recipients, *id)
		}
	}
	if len(recipients) == 0 {
		return
	}
	s.publisher.Publish(ctx, tenantID, recipients, realtime.Event{
		Type: kind,
		At:   s.clock.Now().UTC(),
		Data: data,
	})
}

func (s *Service) invalidateStatuses(tenantID snowflake.ID) {
	if s.cache != nil {
		s.cache.InvalidateStatuses(tenantID)
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

func actorOf(p identitydomain.Principal) leaddomain.Actor {
	return leaddomain.Actor{UserID: p.ActorID(), Name: p.Name}
}
