package service_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	assignmentservice "github.com/smallbiznis/casc/internal/assignment/service"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/cache"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	"github.com/smallbiznis/casc/internal/ingress/domain"
	"github.com/smallbiznis/casc/internal/ingress/providers"
	"github.com/smallbiznis/casc/internal/ingress/service"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/realtime/mock"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/casc/internal/tenant/service"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var appSecret = []byte("app-secret")

type staticSecrets map[string][]byte

func (s staticSecrets) Secret(_ context.Context, _ snowflake.ID, name string) ([]byte, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return nil, domain.ErrSecretNotConfigured
}

type harness struct {
	f      *storetest.Fixture
	svc    domain.Service
	tenant tenantdomain.Tenant
	events []realtime.Event
}

func newHarness(t *testing.T, cfg tenantdomain.TenantConfig) *harness {
	t.Helper()
	f := storetest.New(t)
	enforcer, err := authorization.NewEnforcer(f.DB)
	require.NoError(t, err)

	h := &harness{f: f}
	publisher := mock.NewMockPublisher(gomock.NewController(t))
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, _ snowflake.ID, _ []uuid.UUID, event realtime.Event) {
			h.events = append(h.events, event)
		}).
		AnyTimes()

	tenants := tenantservice.NewService(tenantservice.Params{
		Store: f.Store,
		Cache: cache.NewTenantCache(),
		GenID: f.Node,
		Clock: f.Clock,
		Log:   zap.NewNop(),
	})
	assignment := assignmentservice.NewService(assignmentservice.Params{
		Store: f.Store,
		Authz: authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		GenID: f.Node,
		Clock: f.Clock,
		Log:   zap.NewNop(),
	})
	secrets := staticSecrets{
		providers.SecretWhatsappApp:         appSecret,
		providers.SecretWhatsappVerifyToken: []byte("verify-me"),
	}
	h.svc = service.NewService(service.Params{
		Store:      f.Store,
		Tenants:    tenants,
		Registry:   providers.NewRegistry(providers.NewWhatsapp(secrets), providers.NewMetaLeads(secrets)),
		Assignment: assignment,
		Publisher:  publisher,
		Clock:      f.Clock,
		Log:        zap.NewNop(),
	})
	h.tenant, _ = f.Tenant(t, "acme", cfg)
	return h
}

func textDelivery(phoneNumberID, from, messageID, body string) []byte {
	return []byte(fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": %q},
    "contacts": [{"wa_id": %q, "profile": {"name": "Ana"}}],
    "messages": [{"from": %q, "id": %q, "timestamp": "1772442000", "type": "text", "text": {"body": %q}}]
  }}]}]
}`, phoneNumberID, from, from, messageID, body))
}

func signed(slug string, body []byte) domain.Request {
	req := domain.Request{Method: http.MethodPost, TenantPath: slug, Header: http.Header{}, Body: body}
	req.Header.Set(providers.SignatureHeader, providers.Sign(appSecret, body))
	return req
}

func (h *harness) types() []realtime.EventType {
	out := make([]realtime.EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()
	req := signed("acme", textDelivery("PN1", "12015550100", "wamid.1", "hola"))

	first, err := h.svc.Handle(ctx, domain.KindWhatsapp, req)
	require.NoError(t, err)
	require.Len(t, first.Outcomes, 1)
	assert.True(t, first.Outcomes[0].LeadCreated)
	assert.False(t, first.Outcomes[0].Advanced, "inbound auto-advance is off by default")
	require.NotNil(t, first.Outcomes[0].MessageID)
	assert.Equal(t, []realtime.EventType{realtime.EventLeadCreated, realtime.EventInboundMessage}, h.types())

	replay, err := h.svc.Handle(ctx, domain.KindWhatsapp, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate())
	assert.Equal(t, first.Outcomes[0].LeadID, replay.Outcomes[0].LeadID)
	assert.Equal(t, first.Outcomes[0].MessageID, replay.Outcomes[0].MessageID)
	assert.Len(t, h.events, 2, "replays publish nothing")

	msgs, err := h.f.Store.ListMessages(ctx, h.tenant.ID, "+12015550100", pagination.Window{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hola", msgs[0].Content)
	assert.Equal(t, conversationdomain.DirectionInbound, msgs[0].Direction)

	lead, err := h.f.Store.GetLead(ctx, h.tenant.ID, *first.Outcomes[0].LeadID)
	require.NoError(t, err)
	assert.Equal(t, "new", lead.StatusCode)
	require.NotNil(t, lead.Name)
	assert.Equal(t, "Ana", *lead.Name)
}

func TestHandleAutoAdvancesOnFirstInbound(t *testing.T) {
	cfg := tenantdomain.DefaultTenantConfig()
	cfg.AutoAdvanceOnInbound = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	res, err := h.svc.Handle(ctx, domain.KindWhatsapp, signed("acme", textDelivery("PN1", "12015550100", "wamid.1", "hola")))
	require.NoError(t, err)
	assert.True(t, res.Outcomes[0].Advanced)
	assert.Contains(t, h.types(), realtime.EventStatusChanged)

	res, err = h.svc.Handle(ctx, domain.KindWhatsapp, signed("acme", textDelivery("PN1", "12015550100", "wamid.2", "again")))
	require.NoError(t, err)
	assert.False(t, res.Outcomes[0].Advanced, "only the first message of a direction advances")

	lead, err := h.f.Store.GetLead(ctx, h.tenant.ID, *res.Outcomes[0].LeadID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", lead.StatusCode)
}

func TestIngestOutboundEchoAdvances(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()

	res, err := h.svc.Ingest(ctx, domain.KindWhatsmeow, h.tenant.ID, []domain.Event{
		domain.WhatsappText{MessageID: "3EB0A", From: "+12015550100", Body: "hi"},
		domain.OutboundEcho{MessageID: "3EB0B", To: "+12015550100", Body: "hello, how can we help?"},
		domain.WhatsappStatus{MessageID: "3EB0B", Status: "delivered"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.False(t, res.Outcomes[0].Advanced)
	assert.True(t, res.Outcomes[1].Advanced)
	assert.True(t, res.Outcomes[2].Ignored)

	lead, err := h.f.Store.GetLead(ctx, h.tenant.ID, *res.Outcomes[1].LeadID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", lead.StatusCode)
	assert.Equal(t, "whatsapp", lead.Source)
}

func TestHandleRejectsBadSignatureBeforeSideEffects(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()
	body := textDelivery("PN1", "12015550100", "wamid.1", "hola")
	req := domain.Request{TenantPath: "acme", Header: http.Header{}, Body: body}
	req.Header.Set(providers.SignatureHeader, providers.Sign([]byte("guess"), body))

	_, err := h.svc.Handle(ctx, domain.KindWhatsapp, req)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, err = h.svc.Handle(ctx, domain.KindWhatsapp, signed("globex", body))
	assert.ErrorIs(t, err, domain.ErrUnknownTenant)

	_, err = h.svc.Handle(ctx, domain.Kind("telegram"), signed("acme", body))
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = h.f.Store.LatestMessage(ctx, h.tenant.ID, "+12015550100")
	assert.Error(t, err)
	assert.Empty(t, h.events)
}

func TestHandleRejectsForeignBinding(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()
	globex, _ := h.f.Tenant(t, "globex", tenantdomain.DefaultTenantConfig())
	_, err := h.f.Store.BindProvider(ctx, globex.ID, domain.KindWhatsapp, "PN-GLOBEX")
	require.NoError(t, err)
	_, err = h.f.Store.BindProvider(ctx, h.tenant.ID, domain.KindWhatsapp, "PN-ACME")
	require.NoError(t, err)

	_, err = h.svc.Handle(ctx, domain.KindWhatsapp, signed("acme", textDelivery("PN-GLOBEX", "12015550100", "wamid.1", "hola")))
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	_, err = h.svc.Handle(ctx, domain.KindWhatsapp, signed("acme", textDelivery("PN-ACME", "12015550100", "wamid.2", "hola")))
	require.NoError(t, err)
}

func TestHandleMetaLeadCreatesLeadWithoutMessage(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()
	body := []byte(`{"leadgen_id":"LG1","page_id":"PAGE1","campaign_id":"C1","phone":"+1 201 555 0102","name":"Carla","email":"Carla@Example.com"}`)

	res, err := h.svc.Handle(ctx, domain.KindMetaLeads, domain.Request{TenantPath: "acme", Header: http.Header{}, Body: body})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].LeadCreated)
	assert.Nil(t, res.Outcomes[0].MessageID)

	lead, err := h.f.Store.GetLead(ctx, h.tenant.ID, *res.Outcomes[0].LeadID)
	require.NoError(t, err)
	assert.Equal(t, "+12015550102", lead.Phone)
	assert.Equal(t, "meta_ads", lead.Source)
	require.NotNil(t, lead.Email)
	assert.Equal(t, "carla@example.com", *lead.Email)
	assert.Equal(t, "C1", lead.ExternalRefs.Data().MetaCampaignID)

	again, err := h.svc.Handle(ctx, domain.KindMetaLeads, domain.Request{TenantPath: "acme", Header: http.Header{}, Body: body})
	require.NoError(t, err)
	assert.True(t, again.Duplicate())

	_, err = h.svc.Handle(ctx, domain.KindMetaLeads, domain.Request{TenantPath: "acme", Header: http.Header{}, Body: []byte(`{"phone":"abc"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestIngestAutoAssignsInboundConversations(t *testing.T) {
	cfg := tenantdomain.DefaultTenantConfig()
	cfg.AutoAssignOnInbound = true
	h := newHarness(t, cfg)
	ctx := context.Background()
	seller := h.f.User(t, h.tenant.ID, "sam", tenantdomain.RoleSetter)

	_, err := h.svc.Ingest(ctx, domain.KindWhatsapp, h.tenant.ID, []domain.Event{
		domain.WhatsappText{MessageID: "wamid.1", From: "+12015550100", Body: "hola"},
	})
	require.NoError(t, err)

	latest, err := h.f.Store.LatestMessage(ctx, h.tenant.ID, "+12015550100")
	require.NoError(t, err)
	require.NotNil(t, latest.AssignedSellerID)
	assert.Equal(t, seller.ID, *latest.AssignedSellerID)
	require.NotNil(t, latest.AssignmentSource)
	assert.Equal(t, conversationdomain.AssignmentSystem, *latest.AssignmentSource, "no rules configured")
}

func TestIngestWithoutSellersStillRecords(t *testing.T) {
	cfg := tenantdomain.DefaultTenantConfig()
	cfg.AutoAssignOnInbound = true
	h := newHarness(t, cfg)

	res, err := h.svc.Ingest(context.Background(), domain.KindWhatsapp, h.tenant.ID, []domain.Event{
		domain.WhatsappText{MessageID: "wamid.1", From: "+12015550100", Body: "hola"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.NotNil(t, res.Outcomes[0].MessageID)
}

func TestChallenge(t *testing.T) {
	h := newHarness(t, tenantdomain.DefaultTenantConfig())
	ctx := context.Background()
	query := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-me"}, "hub.challenge": {"42"}}

	answer, err := h.svc.Challenge(ctx, domain.KindWhatsapp, domain.Request{TenantPath: "acme", Query: query})
	require.NoError(t, err)
	assert.Equal(t, "42", answer)

	_, err = h.svc.Challenge(ctx, domain.KindMetaLeads, domain.Request{TenantPath: "acme", Query: query})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}
