package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/casc/internal/config"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type harness struct {
	f      *storetest.Fixture
	d      *Dispatcher
	tenant tenantdomain.Tenant
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := storetest.New(t)
	d := New(Params{
		Config: config.Config{WebhookTimeout: 2 * time.Second},
		Store:  f.Store,
		GenID:  f.Node,
		Clock:  f.Clock,
		Log:    zap.NewNop(),
	})
	d.retryInterval = time.Millisecond
	tenant, _ := f.Tenant(t, "acme", tenantdomain.DefaultTenantConfig())
	return &harness{f: f, d: d, tenant: tenant}
}

func (h *harness) trigger(t *testing.T, code string, actionType triggerdomain.ActionType, cfg any) triggerdomain.Trigger {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	trigger := triggerdomain.Trigger{
		ID:           h.f.Node.Generate(),
		TenantID:     h.tenant.ID,
		OnStatusCode: code,
		ActionType:   actionType,
		Config:       datatypes.JSON(raw),
		Active:       true,
		CreatedAt:    h.f.Clock.Now(),
		UpdatedAt:    h.f.Clock.Now(),
	}
	require.NoError(t, h.f.Store.CreateTrigger(context.Background(), trigger))
	return trigger
}

// walk moves a fresh lead through the given statuses.
func (h *harness) walk(t *testing.T, phone string, codes ...string) leaddomain.Lead {
	t.Helper()
	ctx := context.Background()
	lead, _, err := h.f.Store.UpsertLeadByPhone(ctx, h.tenant.ID, phone, leaddomain.LeadSeed{Source: "whatsapp"})
	require.NoError(t, err)
	for _, code := range codes {
		res, err := h.f.Store.ApplyStatusChange(ctx, h.tenant.ID, lead.ID, leaddomain.StatusChange{
			To:     code,
			Actor:  leaddomain.Actor{Name: "tester"},
			Source: leaddomain.SourceManual,
		})
		require.NoError(t, err)
		lead = res.Lead
	}
	return lead
}

func (h *harness) logs(t *testing.T, trigger triggerdomain.Trigger) []triggerdomain.TriggerLog {
	t.Helper()
	res, err := h.f.Store.ListTriggerLogs(context.Background(), h.tenant.ID, trigger.ID, pagination.Page{Page: 1, PageSize: 50})
	require.NoError(t, err)
	return res.Items
}

func TestWebhookRetriesServerErrorThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "crm", r.Header.Get("X-Source"))
		assert.Equal(t, sign([]byte("s3cret"), body), r.Header.Get(SignatureHeader))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	trigger := h.trigger(t, "won", triggerdomain.ActionWebhook, triggerdomain.WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Source": "crm"},
		Secret:  "s3cret",
	})
	lead := h.walk(t, "+12015550100", "contacted", "qualified", "negotiating", "won")

	for {
		n, err := h.d.DispatchPending(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	assert.EqualValues(t, 2, calls.Load())
	logs := h.logs(t, trigger)
	require.Len(t, logs, 2)
	// most recent first
	assert.Equal(t, triggerdomain.LogSuccess, logs[0].Status)
	assert.Equal(t, 2, logs[0].Attempt)
	assert.Equal(t, triggerdomain.LogFailed, logs[1].Status)
	require.NotNil(t, logs[1].HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, *logs[1].HTTPStatus)
	assert.Equal(t, "boom", logs[1].Response)

	var payload triggerdomain.WebhookPayload
	require.NoError(t, json.Unmarshal(lastBody.Load().([]byte), &payload))
	assert.Equal(t, "status_changed", payload.Event)
	assert.Equal(t, lead.ID.String(), payload.LeadID)
	require.NotNil(t, payload.PreviousStatus)
	assert.Equal(t, "negotiating", *payload.PreviousStatus)
	assert.Equal(t, "won", payload.NewStatus)

	current, err := h.f.Store.GetLead(ctx, h.tenant.ID, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "won", current.StatusCode)

	pending, err := h.f.Store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	trigger := h.trigger(t, "archived", triggerdomain.ActionWebhook, triggerdomain.WebhookConfig{URL: server.URL})
	h.walk(t, "+12015550100", "archived")

	n, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())

	logs := h.logs(t, trigger)
	require.Len(t, logs, 1)
	assert.Equal(t, triggerdomain.LogFailed, logs[0].Status)
	assert.Len(t, logs[0].Response, maxResponseBytes)
}

func TestWebhookTransportErrorsExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	trigger := h.trigger(t, "archived", triggerdomain.ActionWebhook, triggerdomain.WebhookConfig{URL: url})
	h.walk(t, "+12015550100", "archived")

	n, err := h.d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed delivery still completes the event")

	logs := h.logs(t, trigger)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, triggerdomain.LogFailed, l.Status)
		assert.Nil(t, l.HTTPStatus)
	}
}

// slowWebhook serves the contacted trigger. The first call stands in for a
// webhook that outlives the batch lease by advancing the fake clock; onCall
// runs inside every call.
func (h *harness) slowWebhook(t *testing.T, onCall func(call int32)) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			h.f.Clock.Advance(2 * outboxLease)
		}
		onCall(n)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	h.trigger(t, "contacted", triggerdomain.ActionWebhook, triggerdomain.WebhookConfig{URL: server.URL})
	h.walk(t, "+12015550100", "contacted")
	h.walk(t, "+12015550101", "contacted")
	return &calls
}

func TestDispatchRenewsLeaseBeforeEachEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var reclaimed atomic.Int32
	calls := h.slowWebhook(t, func(call int32) {
		if call != 2 {
			return
		}
		events, err := h.f.Store.ClaimOutbox(ctx, 10, outboxLease, outboxMaxAttempts)
		assert.NoError(t, err)
		reclaimed.Add(int32(len(events)))
	})

	n, err := h.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, reclaimed.Load(), "an event in flight stays leased")
}

func TestDispatchSkipsEventReclaimedByAnotherWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var stolen []leaddomain.OutboxEvent
	calls := h.slowWebhook(t, func(call int32) {
		if call != 1 {
			return
		}
		events, err := h.f.Store.ClaimOutbox(ctx, 10, outboxLease, outboxMaxAttempts)
		assert.NoError(t, err)
		stolen = events
	})

	n, err := h.d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load(), "the re-claimed event is left to its new owner")
	require.Len(t, stolen, 2, "both leases lapsed while the first webhook hung")

	pending, err := h.f.Store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestInternalAddTagAndInactiveTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tagger := h.trigger(t, "contacted", triggerdomain.ActionInternal, triggerdomain.InternalConfig{
		Name:   triggerdomain.InternalAddTag,
		Params: map[string]any{"tag": " Hot "},
	})
	inactive := h.trigger(t, "contacted", triggerdomain.ActionInternal, triggerdomain.InternalConfig{
		Name:   triggerdomain.InternalAddTag,
		Params: map[string]any{"tag": "never"},
	})
	require.NoError(t, h.f.DB.Model(&triggerdomain.Trigger{}).Where("tenant_id = ? AND id = ?", h.tenant.ID, inactive.ID).Update("active", false).Error)

	lead := h.walk(t, "+12015550100", "contacted")
	_, err := h.d.DispatchPending(ctx)
	require.NoError(t, err)

	current, err := h.f.Store.GetLead(ctx, h.tenant.ID, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, []string(current.Tags))

	logs := h.logs(t, tagger)
	require.Len(t, logs, 1)
	assert.Equal(t, triggerdomain.LogSuccess, logs[0].Status)
	assert.Empty(t, h.logs(t, inactive))
}

func TestDispatchEventIgnoresUnknownKinds(t *testing.T) {
	h := newHarness(t)
	err := h.d.DispatchEvent(context.Background(), leaddomain.OutboxEvent{
		ID:       h.f.Node.Generate(),
		TenantID: h.tenant.ID,
		Kind:     "something_else",
		LeadID:   uuid.New(),
	})
	require.NoError(t, err)
}

func TestDeliverReportsUpstreamFailures(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	res, err := h.d.Deliver(context.Background(), triggerdomain.WebhookConfig{URL: server.URL}, triggerdomain.WebhookPayload{Event: "test"})
	require.NoError(t, err)
	assert.Equal(t, triggerdomain.LogSuccess, res.Status)
	require.NotNil(t, res.HTTPStatus)
	assert.Equal(t, http.StatusAccepted, *res.HTTPStatus)

	_, err = h.d.Deliver(context.Background(), triggerdomain.WebhookConfig{URL: "http://127.0.0.1:1"}, triggerdomain.WebhookPayload{Event: "test"})
	assert.ErrorIs(t, err, triggerdomain.ErrUpstreamError)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", maxResponseBytes-1) + "é"
	out := truncate(s)
	assert.Len(t, out, maxResponseBytes-1)
	assert.Equal(t, "short", truncate("short"))
}
