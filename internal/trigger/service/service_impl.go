package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/clock"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/store"
	"github.com/smallbiznis/casc/internal/trigger/dispatcher"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store      *store.Store
	Authz      authorization.Service
	Dispatcher *dispatcher.Dispatcher
	Audit      auditdomain.Service `optional:"true"`
	GenID      *snowflake.Node
	Clock      clock.Clock `optional:"true"`
	Log        *zap.Logger
}

type Service struct {
	store      *store.Store
	authz      authorization.Service
	dispatcher *dispatcher.Dispatcher
	audit      auditdomain.Service
	genID      *snowflake.Node
	clock      clock.Clock
	log        *zap.Logger
}

func NewService(p Params) triggerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		store:      p.Store,
		authz:      p.Authz,
		dispatcher: p.Dispatcher,
		audit:      p.Audit,
		genID:      p.GenID,
		clock:      c,
		log:        p.Log.Named("trigger.service"),
	}
}

// List returns the tenant's triggers with webhook secrets masked.
func (s *Service) List(ctx context.Context, p identitydomain.Principal) ([]triggerdomain.Trigger, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectTrigger, authorization.ActionRead); err != nil {
		return nil, err
	}
	triggers, err := s.store.ListTriggers(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	out := make([]triggerdomain.Trigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.Redacted())
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, p identitydomain.Principal, req triggerdomain.CreateTriggerRequest) (triggerdomain.Trigger, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectTrigger, authorization.ActionConfigure); err != nil {
		return triggerdomain.Trigger{}, err
	}
	code := strings.ToLower(strings.TrimSpace(req.OnStatusCode))
	if code == "" {
		return triggerdomain.Trigger{}, fmt.Errorf("%w: on_status_code is required", triggerdomain.ErrInvalidTrigger)
	}
	if _, err := s.store.GetStatus(ctx, p.TenantID, code); err != nil {
		if errors.Is(err, leaddomain.ErrStatusNotFound) {
			return triggerdomain.Trigger{}, fmt.Errorf("%w: unknown status %q", triggerdomain.ErrInvalidTrigger, code)
		}
		return triggerdomain.Trigger{}, err
	}

	actionType := triggerdomain.ActionType(strings.ToLower(strings.TrimSpace(string(req.ActionType))))
	cfg, err := triggerdomain.DecodeConfig(actionType, req.Config)
	if err != nil {
		return triggerdomain.Trigger{}, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return triggerdomain.Trigger{}, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := s.clock.Now().UTC()
	trigger := triggerdomain.Trigger{
		ID:           s.genID.Generate(),
		TenantID:     p.TenantID,
		OnStatusCode: code,
		ActionType:   actionType,
		Config:       datatypes.JSON(raw),
		Active:       active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTrigger(ctx, trigger); err != nil {
		return triggerdomain.Trigger{}, err
	}
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "trigger.created",
		TargetType: "trigger",
		TargetID:   trigger.ID.String(),
		Metadata:   map[string]any{"on_status_code": code, "action_type": string(actionType)},
	})
	return trigger.Redacted(), nil
}

func (s *Service) Delete(ctx context.Context, p identitydomain.Principal, id snowflake.ID) error {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectTrigger, authorization.ActionConfigure); err != nil {
		return err
	}
	if err := s.store.DeleteTrigger(ctx, p.TenantID, id); err != nil {
		return err
	}
	s.record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "trigger.deleted",
		TargetType: "trigger",
		TargetID:   id.String(),
	})
	return nil
}

func (s *Service) ListLogs(ctx context.Context, p identitydomain.Principal, id snowflake.ID, page pagination.Page) (pagination.Result[triggerdomain.TriggerLog], error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectTrigger, authorization.ActionRead); err != nil {
		return pagination.Result[triggerdomain.TriggerLog]{}, err
	}
	if _, err := s.store.GetTrigger(ctx, p.TenantID, id); err != nil {
		return pagination.Result[triggerdomain.TriggerLog]{}, err
	}
	return s.store.ListTriggerLogs(ctx, p.TenantID, id, page)
}

func (s *Service) Test(ctx context.Context, p identitydomain.Principal, id snowflake.ID) (triggerdomain.TestResult, error) {
	if err := s.authz.Authorize(ctx, p, authorization.ObjectTrigger, authorization.ActionConfigure); err != nil {
		return triggerdomain.TestResult{}, err
	}
	trigger, err := s.store.GetTrigger(ctx, p.TenantID, id)
	if err != nil {
		return triggerdomain.TestResult{}, err
	}
	cfg, err := trigger.Decode()
	if err != nil {
		return triggerdomain.TestResult{}, err
	}
	webhook, ok := cfg.(triggerdomain.WebhookConfig)
	if !ok {
		return triggerdomain.TestResult{}, fmt.Errorf("%w: only webhook triggers can be tested", triggerdomain.ErrInvalidTrigger)
	}

	now := s.clock.Now().UTC()
	return s.dispatcher.Deliver(ctx, webhook, triggerdomain.WebhookPayload{
		Event:        "test",
		TenantID:     p.TenantID.String(),
		LeadID:       uuid.Nil.String(),
		NewStatus:    trigger.OnStatusCode,
		LeadSnapshot: map[string]any{"phone": "+10000000000", "status_code": trigger.OnStatusCode},
		OccurredAt:   now,
	})
}

func (s *Service) record(ctx context.Context, tenantID snowflake.ID, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, tenantID, entry); err != nil {
		s.log.Warn("failed to record audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}
