package service_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/cache"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/lead/service"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/realtime/mock"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	f         *storetest.Fixture
	svc       leaddomain.Service
	publisher *mock.MockPublisher
	cache     cache.TenantCache
	tenant    tenantdomain.Tenant
	admin     identitydomain.Principal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := storetest.New(t)
	enforcer, err := authorization.NewEnforcer(f.DB)
	require.NoError(t, err)

	publisher := mock.NewMockPublisher(gomock.NewController(t))
	tenantCache := cache.NewTenantCache()
	svc := service.NewService(service.Params{
		Store:     f.Store,
		Authz:     authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Cache:     tenantCache,
		Publisher: publisher,
		GenID:     f.Node,
		Clock:     f.Clock,
		Log:       zap.NewNop(),
	})

	tenant, admin := f.Tenant(t, "acme", tenantdomain.DefaultTenantConfig())
	return &harness{
		f:         f,
		svc:       svc,
		publisher: publisher,
		cache:     tenantCache,
		tenant:    tenant,
		admin:     principalOf(admin),
	}
}

func principalOf(u tenantdomain.User) identitydomain.Principal {
	return identitydomain.Principal{UserID: u.ID, TenantID: u.TenantID, Role: u.Role, Name: u.Name}
}

// expectPublishes records every published event.
func (h *harness) expectPublishes(events *[]realtime.Event, recipients *[][]uuid.UUID) {
	h.publisher.EXPECT().
		Publish(gomock.Any(), h.tenant.ID, gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, _ snowflake.ID, to []uuid.UUID, event realtime.Event) {
			*events = append(*events, event)
			if recipients != nil {
				*recipients = append(*recipients, to)
			}
		}).
		AnyTimes()
}

func (h *harness) lead(t *testing.T, phone string) leaddomain.Lead {
	t.Helper()
	lead, _, err := h.f.Store.UpsertLeadByPhone(context.Background(), h.tenant.ID, phone, leaddomain.LeadSeed{})
	require.NoError(t, err)
	return lead
}

func TestCreateLead(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	ctx := context.Background()

	lead, err := h.svc.Create(ctx, h.admin, leaddomain.CreateLeadRequest{
		Phone: "+54 9 11 2345-6701",
		Name:  "Ana",
		Email: "ana@example.com",
		Tags:  []string{"VIP", "vip"},
	})
	require.NoError(t, err)
	assert.Equal(t, "+5491123456701", lead.Phone)
	assert.Equal(t, "new", lead.StatusCode)
	assert.Equal(t, "manual", lead.Source)
	assert.Equal(t, []string{"vip"}, []string(lead.Tags))
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventLeadCreated, events[0].Type)

	_, err = h.svc.Create(ctx, h.admin, leaddomain.CreateLeadRequest{Phone: "5491123456701"})
	assert.ErrorIs(t, err, leaddomain.ErrPhoneExists)
	_, err = h.svc.Create(ctx, h.admin, leaddomain.CreateLeadRequest{Phone: "12"})
	assert.ErrorIs(t, err, leaddomain.ErrInvalidPhone)
	_, err = h.svc.Create(ctx, h.admin, leaddomain.CreateLeadRequest{Phone: "+5491123456702", Email: "nope"})
	assert.ErrorIs(t, err, leaddomain.ErrInvalidEmail)
}

func TestChangeStatusPublishesToManagersAndAssignee(t *testing.T) {
	h := newHarness(t)
	var (
		events     []realtime.Event
		recipients [][]uuid.UUID
	)
	h.expectPublishes(&events, &recipients)
	ctx := context.Background()

	seller := h.f.User(t, h.tenant.ID, "sam", tenantdomain.RoleSetter)
	manager := h.f.User(t, h.tenant.ID, "mia", tenantdomain.RoleManager)
	lead := h.lead(t, "+12015550100")

	res, err := h.svc.ChangeStatus(ctx, principalOf(seller), leaddomain.ChangeStatusRequest{LeadID: lead.ID, To: "Contacted"})
	require.NoError(t, err)
	assert.Equal(t, "contacted", res.Lead.StatusCode)
	assert.Equal(t, leaddomain.SourceManual, res.History.Source)
	assert.Equal(t, "sam", res.History.ChangedByName)

	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventStatusChanged, events[0].Type)
	payload, ok := events[0].Data.(leaddomain.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, "new", *payload.From)
	assert.Equal(t, "contacted", payload.To)
	assert.Equal(t, seller.ID.String(), payload.ActorID)
	assert.ElementsMatch(t, []uuid.UUID{h.admin.UserID, manager.ID, seller.ID}, recipients[0])
}

func TestChangeStatusRejectsUndeclaredEdge(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	ctx := context.Background()

	lead := h.lead(t, "+12015550101")
	for _, to := range []string{"contacted", "qualified", "negotiating", "won"} {
		_, err := h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: lead.ID, To: to})
		require.NoError(t, err)
	}
	events = nil

	_, err := h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: lead.ID, To: "contacted"})
	assert.ErrorIs(t, err, leaddomain.ErrInvalidTransition)
	assert.Empty(t, events)

	got, err := h.svc.Get(ctx, h.admin, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "won", got.StatusCode)
	history, err := h.svc.Timeline(ctx, h.admin, lead.ID, pagination.Window{})
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Equal(t, "won", history[0].ToCode)

	// the wildcard edge still applies from a final status
	_, err = h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: lead.ID, To: "archived"})
	assert.NoError(t, err)
}

func TestChangeStatusExpectedFromConflict(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	lead := h.lead(t, "+12015550102")

	from := "contacted"
	_, err := h.svc.ChangeStatus(context.Background(), h.admin, leaddomain.ChangeStatusRequest{
		LeadID: lead.ID, To: "qualified", ExpectedFrom: &from,
	})
	var conflict *leaddomain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "new", conflict.Current)
	assert.ErrorIs(t, err, leaddomain.ErrConflictWithState)
}

func TestChangeStatusToSameInitialDoesNotPublish(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	lead := h.lead(t, "+12015550103")

	res, err := h.svc.ChangeStatus(context.Background(), h.admin, leaddomain.ChangeStatusRequest{LeadID: lead.ID, To: "new"})
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, true, res.History.Metadata["noop"])
	assert.Empty(t, events)
}

func TestLeadsOfOtherTenantsAreNotFound(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	other, _ := h.f.Tenant(t, "globex", tenantdomain.DefaultTenantConfig())
	foreign, _, err := h.f.Store.UpsertLeadByPhone(context.Background(), other.ID, "+12015550104", leaddomain.LeadSeed{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.svc.Get(ctx, h.admin, foreign.ID)
	assert.ErrorIs(t, err, leaddomain.ErrNotFound)
	_, err = h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: foreign.ID, To: "contacted"})
	assert.ErrorIs(t, err, leaddomain.ErrNotFound)
	_, err = h.svc.Timeline(ctx, h.admin, foreign.ID, pagination.Window{})
	assert.ErrorIs(t, err, leaddomain.ErrNotFound)
	_, err = h.svc.AvailableTransitions(ctx, h.admin, foreign.ID)
	assert.ErrorIs(t, err, leaddomain.ErrNotFound)
}

func TestBulkChangeStatusReportsPerLead(t *testing.T) {
	h := newHarness(t)
	var events []realtime.Event
	h.expectPublishes(&events, nil)
	ctx := context.Background()

	l1 := h.lead(t, "+12015550105")
	l2 := h.lead(t, "+12015550106")
	l3 := h.lead(t, "+12015550107")
	for _, id := range []uuid.UUID{l1.ID, l2.ID, l3.ID} {
		_, err := h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: id, To: "contacted"})
		require.NoError(t, err)
	}
	_, err := h.svc.ChangeStatus(ctx, h.admin, leaddomain.ChangeStatusRequest{LeadID: l2.ID, To: "lost"})
	require.NoError(t, err)
	missing := uuid.New()

	results, err := h.svc.BulkChangeStatus(ctx, h.admin, leaddomain.BulkChangeStatusRequest{
		LeadIDs: []uuid.UUID{l1.ID, l2.ID, l3.ID, missing, l1.ID},
		To:      "qualified",
	})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{
		l1.ID:   leaddomain.BulkOK,
		l2.ID:   "invalid_transition",
		l3.ID:   leaddomain.BulkOK,
		missing: "lead_not_found",
	}, results)

	got, err := h.svc.Get(ctx, h.admin, l2.ID)
	require.NoError(t, err)
	assert.Equal(t, "lost", got.StatusCode)

	_, err = h.svc.BulkChangeStatus(ctx, h.admin, leaddomain.BulkChangeStatusRequest{To: "qualified"})
	assert.ErrorIs(t, err, leaddomain.ErrEmptyBulk)
}

func TestAvailableTransitions(t *testing.T) {
	h := newHarness(t)
	lead := h.lead(t, "+12015550108")

	out, err := h.svc.AvailableTransitions(context.Background(), h.admin, lead.ID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "contacted", out[0].ToCode)
	assert.False(t, out[0].Wildcard)
	assert.Equal(t, "archived", out[1].ToCode)
	assert.True(t, out[1].Wildcard)

	// deactivated destinations disappear
	active := false
	_, err = h.svc.UpdateStatus(context.Background(), h.admin, "archived", leaddomain.UpdateStatusRequest{Active: &active})
	require.NoError(t, err)
	out, err = h.svc.AvailableTransitions(context.Background(), h.admin, lead.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "contacted", out[0].ToCode)
}

func TestStatusConfigRequiresConfigureCapability(t *testing.T) {
	h := newHarness(t)
	seller := principalOf(h.f.User(t, h.tenant.ID, "sid", tenantdomain.RoleCloser))
	ctx := context.Background()

	_, err := h.svc.CreateStatus(ctx, seller, leaddomain.CreateStatusRequest{Code: "nurturing"})
	assert.ErrorIs(t, err, identitydomain.ErrForbidden)
	_, err = h.svc.CreateTransition(ctx, seller, leaddomain.CreateTransitionRequest{ToCode: "won"})
	assert.ErrorIs(t, err, identitydomain.ErrForbidden)

	statuses, err := h.svc.ListStatuses(ctx, seller)
	require.NoError(t, err)
	assert.Len(t, statuses, 7)
}

func TestCreateStatusInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.svc.ListStatuses(ctx, h.admin)
	require.NoError(t, err)
	_, cached := h.cache.GetStatuses(h.tenant.ID)
	assert.True(t, cached)

	status, err := h.svc.CreateStatus(ctx, h.admin, leaddomain.CreateStatusRequest{Code: "Nurturing", Name: "Nurturing", SortOrder: 25})
	require.NoError(t, err)
	assert.Equal(t, "nurturing", status.Code)
	_, cached = h.cache.GetStatuses(h.tenant.ID)
	assert.False(t, cached)

	after, err := h.svc.ListStatuses(ctx, h.admin)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)

	_, err = h.svc.CreateStatus(ctx, h.admin, leaddomain.CreateStatusRequest{Code: "nurturing"})
	assert.ErrorIs(t, err, leaddomain.ErrStatusExists)
	_, err = h.svc.CreateStatus(ctx, h.admin, leaddomain.CreateStatusRequest{Code: "9lives"})
	assert.ErrorIs(t, err, leaddomain.ErrInvalidStatusCode)
}

func TestTransitionCRUD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	from := "new"
	transition, err := h.svc.CreateTransition(ctx, h.admin, leaddomain.CreateTransitionRequest{FromCode: &from, ToCode: "qualified"})
	require.NoError(t, err)
	assert.Equal(t, "qualified", transition.Label)

	_, err = h.svc.CreateTransition(ctx, h.admin, leaddomain.CreateTransitionRequest{FromCode: &from, ToCode: "qualified"})
	assert.ErrorIs(t, err, leaddomain.ErrTransitionExists)
	_, err = h.svc.CreateTransition(ctx, h.admin, leaddomain.CreateTransitionRequest{FromCode: &from, ToCode: "new"})
	assert.ErrorIs(t, err, leaddomain.ErrInvalidTransition)
	_, err = h.svc.CreateTransition(ctx, h.admin, leaddomain.CreateTransitionRequest{ToCode: "missing"})
	assert.ErrorIs(t, err, leaddomain.ErrStatusNotFound)

	require.NoError(t, h.svc.DeleteTransition(ctx, h.admin, transition.ID.String()))
	assert.ErrorIs(t, h.svc.DeleteTransition(ctx, h.admin, transition.ID.String()), leaddomain.ErrTransitionNotFound)
	assert.ErrorIs(t, h.svc.DeleteTransition(ctx, h.admin, "abc"), leaddomain.ErrTransitionNotFound)
}
