package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	"github.com/smallbiznis/casc/internal/clock"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/ingress/domain"
	"github.com/smallbiznis/casc/internal/ingress/providers"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/ratelimit"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
)

type Params struct {
	fx.In

	Store      *store.Store
	Tenants    tenantdomain.Service
	Registry   *providers.Registry
	Assignment assignmentdomain.Service   `optional:"true"`
	Limiter    *ratelimit.Limiter         `optional:"true"`
	Publisher  realtime.Publisher         `optional:"true"`
	Notifier   notificationdomain.Service `optional:"true"`
	Metrics    *metrics.Metrics           `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	Log        *zap.Logger
}

type Service struct {
	store      *store.Store
	tenants    tenantdomain.Service
	registry   *providers.Registry
	resolver   domain.TenantResolver
	assignment assignmentdomain.Service
	limiter    *ratelimit.Limiter
	publisher  realtime.Publisher
	notifier   notificationdomain.Service
	metrics    *metrics.Metrics
	clock      clock.Clock
	log        *zap.Logger
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		store:      p.Store,
		tenants:    p.Tenants,
		registry:   p.Registry,
		resolver:   &resolver{tenants: p.Tenants, store: p.Store},
		assignment: p.Assignment,
		limiter:    p.Limiter,
		publisher:  p.Publisher,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		clock:      c,
		log:        p.Log.Named("ingress.service"),
	}
}

// InboundMessage is the payload of the INBOUND_MESSAGE realtime event.
type InboundMessage struct {
	ConversationKey string                         `json:"conversation_key"`
	LeadID          uuid.UUID                      `json:"lead_id"`
	Message         conversationdomain.ChatMessage `json:"message"`
}

// Handle authenticates one provider delivery and ingests its events. Nothing
// is persisted unless the signature verifies.
func (s *Service) Handle(ctx context.Context, kind domain.Kind, req domain.Request) (domain.Result, error) {
	provider, err := s.registry.Default(kind)
	if err != nil {
		return domain.Result{}, err
	}
	tenantID, err := provider.TenantFrom(ctx, req, s.resolver)
	if err != nil {
		s.reject(ctx, kind, "tenant", err)
		return domain.Result{}, err
	}
	provider, err = s.registry.For(tenantID, kind)
	if err != nil {
		return domain.Result{}, err
	}
	if err := s.allow(ctx, tenantID); err != nil {
		return domain.Result{}, err
	}
	if err := provider.Verify(ctx, tenantID, req); err != nil {
		s.reject(ctx, kind, "signature", err)
		return domain.Result{}, err
	}

	events, err := provider.Parse(ctx, req)
	if err != nil {
		s.reject(ctx, kind, "payload", err)
		return domain.Result{}, err
	}
	if checker, ok := provider.(domain.BindingChecker); ok {
		if err := s.checkBindings(ctx, kind, tenantID, checker.Bindings(events)); err != nil {
			s.reject(ctx, kind, "binding", err)
			return domain.Result{}, err
		}
	}
	return s.Ingest(ctx, kind, tenantID, events)
}

// Challenge answers a provider subscription handshake for the addressed tenant.
func (s *Service) Challenge(ctx context.Context, kind domain.Kind, req domain.Request) (string, error) {
	provider, err := s.registry.Default(kind)
	if err != nil {
		return "", err
	}
	tenantID, err := provider.TenantFrom(ctx, req, s.resolver)
	if err != nil {
		return "", err
	}
	provider, err = s.registry.For(tenantID, kind)
	if err != nil {
		return "", err
	}
	challenger, ok := provider.(domain.Challenger)
	if !ok {
		return "", domain.ErrUnknownProvider
	}
	return challenger.Challenge(ctx, tenantID, req)
}

func (s *Service) Ingest(ctx context.Context, kind domain.Kind, tenantID snowflake.ID, events []domain.Event) (domain.Result, error) {
	cfg, err := s.tenants.Config(ctx, tenantID)
	if err != nil {
		return domain.Result{}, err
	}
	result := domain.Result{TenantID: tenantID, Outcomes: make([]domain.Outcome, 0, len(events))}
	for _, event := range events {
		outcome, err := s.ingestOne(ctx, kind, tenantID, cfg, event)
		if err != nil {
			s.metrics.RecordInbound(ctx, string(kind), outcomeRejected)
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

func (s *Service) ingestOne(ctx context.Context, kind domain.Kind, tenantID snowflake.ID, cfg tenantdomain.TenantConfig, event domain.Event) (domain.Outcome, error) {
	outcome := domain.Outcome{DedupKey: event.DedupKey()}
	if _, ok := event.(domain.WhatsappStatus); ok {
		outcome.Ignored = true
		s.metrics.RecordInbound(ctx, string(kind), outcomeIgnored)
		return outcome, nil
	}

	write, err := s.writeFor(kind, cfg, event)
	if err != nil {
		return outcome, err
	}

	if write.DedupKey != "" {
		release, err := s.limiter.Lock(ctx, fmt.Sprintf("ingress:%s:%s", kind, write.DedupKey))
		switch {
		case errors.Is(err, ratelimit.ErrLockBusy):
			// the receipt insert still rejects the duplicate
			s.log.Debug("ingress lock busy", zap.String("dedup_key", write.DedupKey))
		case err != nil:
			return outcome, err
		default:
			defer release()
		}
	}

	res, err := s.store.RecordInbound(ctx, tenantID, write)
	if err != nil {
		return outcome, err
	}
	leadID := res.Lead.ID
	outcome.LeadID = &leadID
	if res.Message != nil {
		id := res.Message.ID
		outcome.MessageID = &id
	}
	if res.Duplicate {
		outcome.Duplicate = true
		s.metrics.RecordInbound(ctx, string(kind), outcomeDuplicate)
		return outcome, nil
	}
	outcome.LeadCreated = res.LeadCreated
	outcome.Advanced = res.Advanced != nil
	s.metrics.RecordInbound(ctx, string(kind), outcomeAccepted)

	s.afterInbound(ctx, tenantID, res)
	if cfg.AutoAssignOnInbound && res.Message != nil && res.Message.Direction == conversationdomain.DirectionInbound {
		s.autoAssign(ctx, tenantID, res.Message.ConversationKey)
	}
	return outcome, nil
}

func (s *Service) writeFor(kind domain.Kind, cfg tenantdomain.TenantConfig, event domain.Event) (store.InboundWrite, error) {
	write := store.InboundWrite{
		Kind:     kind,
		DedupKey: event.DedupKey(),
		Advance: store.AdvancePlan{
			OnInbound:  cfg.AutoAdvanceOnInbound,
			OnOutbound: cfg.AutoAdvanceOnOutbound,
			To:         cfg.FirstContactStatus,
		},
	}
	source := string(kind)
	if kind == domain.KindWhatsmeow {
		source = string(domain.KindWhatsapp)
	}

	var (
		raw string
		msg *conversationdomain.InboundMessage
	)
	switch e := event.(type) {
	case domain.WhatsappText:
		raw = e.From
		write.Seed = leaddomain.LeadSeed{Name: e.ContactName, Source: source}
		msg = &conversationdomain.InboundMessage{
			ProviderMessageID: e.MessageID,
			Direction:         conversationdomain.DirectionInbound,
			Content:           e.Body,
			ContactName:       e.ContactName,
			At:                e.At,
		}
	case domain.OutboundEcho:
		raw = e.To
		write.Seed = leaddomain.LeadSeed{Source: source}
		msg = &conversationdomain.InboundMessage{
			ProviderMessageID: e.MessageID,
			Direction:         conversationdomain.DirectionOutbound,
			Content:           e.Body,
			At:                e.At,
		}
	case domain.MetaLeadgen:
		raw = e.Phone
		write.Seed = leaddomain.LeadSeed{
			Name:         e.Name,
			Email:        strings.ToLower(strings.TrimSpace(e.Email)),
			Source:       "meta_ads",
			ExternalRefs: e.Refs,
		}
	default:
		return write, domain.ErrInvalidPayload
	}

	phone, err := leaddomain.NormalizePhone(raw)
	if err != nil {
		return write, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	write.Phone = phone
	if msg != nil {
		msg.ProviderKind = string(kind)
		msg.Phone = phone
		if msg.At.IsZero() {
			msg.At = s.clock.Now().UTC()
		}
		write.Message = msg
	}
	return write, nil
}

// afterInbound fans the committed inbound event out to connected users.
func (s *Service) afterInbound(ctx context.Context, tenantID snowflake.ID, res store.InboundResult) {
	if res.LeadCreated {
		s.publish(ctx, tenantID, realtime.EventLeadCreated, res.Lead)
		s.notifyManagers(ctx, tenantID, notificationdomain.NotifyRequest{
			Type:          notificationdomain.TypeNewLead,
			Title:         "New lead",
			Message:       fmt.Sprintf("%s started a conversation", displayName(res.Lead)),
			Priority:      notificationdomain.PriorityHigh,
			RelatedEntity: notificationdomain.RelatedEntity{Type: "lead", ID: res.Lead.ID.String()},
			Metadata:      map[string]any{"source": res.Lead.Source},
		})
	}
	if res.Message != nil {
		s.publish(ctx, tenantID, realtime.EventInboundMessage, InboundMessage{
			ConversationKey: res.Message.ConversationKey,
			LeadID:          res.Lead.ID,
			Message:         *res.Message,
		}, res.Message.AssignedSellerID)
	}
	if res.Advanced != nil {
		s.metrics.RecordStatusChange(ctx, string(res.Advanced.History.Source))
		s.publish(ctx, tenantID, realtime.EventStatusChanged, res.Advanced.Event(), res.Lead.AssignedSellerID)
	}
}

func (s *Service) autoAssign(ctx context.Context, tenantID snowflake.ID, key string) {
	if s.assignment == nil {
		return
	}
	_, err := s.assignment.AutoAssign(ctx, identitydomain.SystemPrincipal(tenantID, "ingress"), key, false)
	switch {
	case err == nil:
	case errors.Is(err, assignmentdomain.ErrNoEligibleSeller):
		s.log.Info("no eligible seller for inbound conversation", zap.String("tenant_id", tenantID.String()), zap.String("conversation_key", key))
	default:
		s.log.Warn("auto assignment failed", zap.String("tenant_id", tenantID.String()), zap.String("conversation_key", key), zap.Error(err))
	}
}

func (s *Service) allow(ctx context.Context, tenantID snowflake.ID) error {
	res, err := s.limiter.AllowIngress(ctx, tenantID.String())
	if err != nil {
		// a redis outage must not drop provider deliveries
		s.log.Warn("ingress rate limit check failed", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, tenantID.String(), "ingress", "bucket_empty")
		return domain.ErrRateLimited
	}
	s.metrics.RecordRateLimitAllowed(ctx, tenantID.String(), "ingress")
	return nil
}

// checkBindings rejects deliveries whose provider identifiers belong to
// another tenant. Unbound identifiers are accepted.
func (s *Service) checkBindings(ctx context.Context, kind domain.Kind, tenantID snowflake.ID, externalIDs []string) error {
	for _, externalID := range externalIDs {
		owner, err := s.resolver.ResolveBinding(ctx, kind, externalID)
		if errors.Is(err, domain.ErrUnknownTenant) {
			continue
		}
		if err != nil {
			return err
		}
		if owner != tenantID {
			s.log.Warn("provider binding belongs to another tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.String("external_id", externalID),
			)
			return domain.ErrTenantMismatch
		}
	}
	return nil
}

func (s *Service) reject(ctx context.Context, kind domain.Kind, stage string, err error) {
	s.metrics.RecordInbound(ctx, string(kind), outcomeRejected)
	s.log.Info("ingress delivery rejected", zap.String("provider", string(kind)), zap.String("stage", stage), zap.Error(err))
}

func (s *Service) publish(ctx context.Context, tenantID snowflake.ID, kind realtime.EventType, data any, extra ...*uuid.UUID) {
	if s.publisher == nil {
		return
	}
	recipients, err := s.store.ListUserIDsByRoles(ctx, tenantID, tenantdomain.ManagerRoles())
	if err != nil {
		s.log.Warn("failed to resolve managers", zap.Error(err))
	}
	for _, id := range extra {
		if id != nil {
			recipients = append(recipients, *id)
		}
	}
	s.publisher.Publish(ctx, tenantID, recipients, realtime.Event{
		Type: kind,
		At:   s.clock.Now().UTC(),
		Data: data,
	})
}

func (s *Service) notifyManagers(ctx context.Context, tenantID snowflake.ID, req notificationdomain.NotifyRequest) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.NotifyManagers(ctx, tenantID, req); err != nil {
		s.log.Warn("failed to notify managers", zap.String("type", req.Type), zap.Error(err))
	}
}

func displayName(lead leaddomain.Lead) string {
	if lead.Name != nil && *lead.Name != "" {
		return *lead.Name
	}
	return lead.Phone
}

type resolver struct {
	tenants tenantdomain.Service
	store   *store.Store
}

func (r *resolver) ResolveSlug(ctx context.Context, slug string) (snowflake.ID, error) {
	id, err := r.tenants.ResolveSlug(ctx, slug)
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return 0, domain.ErrUnknownTenant
	}
	return id, err
}

func (r *resolver) ResolveBinding(ctx context.Context, kind domain.Kind, externalID string) (snowflake.ID, error) {
	tenant, err := r.store.ResolveBinding(ctx, kind, externalID)
	if err != nil {
		return 0, err
	}
	return tenant.ID, nil
}
