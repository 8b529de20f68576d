package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/config"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/internal/worker"
	"github.com/smallbiznis/casc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	managerToken = "manager-token"
	setterToken  = "setter-token"
)

var (
	testTenant  = snowflake.ID(100)
	otherTenant = snowflake.ID(200)
	managerID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	setterID    = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type fakeIdentityService struct {
	identitydomain.Service
}

func (f *fakeIdentityService) Authenticate(ctx context.Context, token string) (identitydomain.Principal, error) {
	switch token {
	case managerToken:
		return identitydomain.Principal{UserID: managerID, TenantID: testTenant, Role: tenantdomain.RoleManager, Name: "Maya"}, nil
	case setterToken:
		return identitydomain.Principal{UserID: setterID, TenantID: testTenant, Role: tenantdomain.RoleSetter, Name: "Sam"}, nil
	default:
		return identitydomain.Principal{}, identitydomain.ErrUnauthenticated
	}
}

// fakeAuthorization lets managers do everything and setters only read.
type fakeAuthorization struct{}

func (fakeAuthorization) Authorize(ctx context.Context, p identitydomain.Principal, object, action string) error {
	if p.Role.IsManager() || action == authorization.ActionRead {
		return nil
	}
	return authorization.ErrForbidden
}

type fakeLeadService struct {
	leaddomain.Service

	leads       map[uuid.UUID]leaddomain.Lead
	lastChange  leaddomain.ChangeStatusRequest
	bulkResults map[uuid.UUID]string
}

func newFakeLeadService() *fakeLeadService {
	return &fakeLeadService{leads: map[uuid.UUID]leaddomain.Lead{}}
}

func (f *fakeLeadService) Get(ctx context.Context, p identitydomain.Principal, id uuid.UUID) (leaddomain.Lead, error) {
	lead, ok := f.leads[id]
	if !ok || lead.TenantID != p.TenantID {
		return leaddomain.Lead{}, leaddomain.ErrNotFound
	}
	return lead, nil
}

func (f *fakeLeadService) ChangeStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.ChangeStatusRequest) (leaddomain.StatusChangeResult, error) {
	f.lastChange = req
	lead, err := f.Get(ctx, p, req.LeadID)
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}
	if req.ExpectedFrom != nil && *req.ExpectedFrom != lead.StatusCode {
		return leaddomain.StatusChangeResult{}, &leaddomain.ConflictError{Current: lead.StatusCode}
	}
	lead.StatusCode = req.To
	f.leads[lead.ID] = lead
	return leaddomain.StatusChangeResult{Lead: lead}, nil
}

func (f *fakeLeadService) BulkChangeStatus(ctx context.Context, p identitydomain.Principal, req leaddomain.BulkChangeStatusRequest) (map[uuid.UUID]string, error) {
	if len(req.LeadIDs) == 0 {
		return nil, leaddomain.ErrEmptyBulk
	}
	return f.bulkResults, nil
}

type fakeIngressService struct {
	ingressdomain.Service

	calls   int
	seen    map[string]bool
	lastReq ingressdomain.Request
}

func (f *fakeIngressService) Handle(ctx context.Context, kind ingressdomain.Kind, req ingressdomain.Request) (ingressdomain.Result, error) {
	f.calls++
	f.lastReq = req
	if req.Header.Get("X-Hub-Signature-256") != "sha256=good" {
		return ingressdomain.Result{}, ingressdomain.ErrSignatureInvalid
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := string(req.Body)
	duplicate := f.seen[key]
	f.seen[key] = true
	return ingressdomain.Result{
		TenantID: testTenant,
		Outcomes: []ingressdomain.Outcome{{DedupKey: key, Duplicate: duplicate}},
	}, nil
}

func (f *fakeIngressService) Challenge(ctx context.Context, kind ingressdomain.Kind, req ingressdomain.Request) (string, error) {
	if req.Query.Get("hub.verify_token") != "expected" {
		return "", ingressdomain.ErrVerifyTokenMismatch
	}
	return req.Query.Get("hub.challenge"), nil
}

type testServer struct {
	srv     *Server
	router  *gin.Engine
	leads   *fakeLeadService
	ingress *fakeIngressService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	leads := newFakeLeadService()
	ingress := &fakeIngressService{}
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:      router,
		cfg:         config.Config{Environment: "production"},
		authzSvc:    fakeAuthorization{},
		identitySvc: &fakeIdentityService{},
		leadSvc:     leads,
		ingressSvc:  ingress,
	}
	srv.registerIngressRoutes()
	srv.registerAPIRoutes()
	srv.registerDevRoutes()

	return &testServer{srv: srv, router: router, leads: leads, ingress: ingress}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Error
}

func (ts *testServer) seedLead(tenantID snowflake.ID, status string) leaddomain.Lead {
	lead := leaddomain.Lead{ID: uuid.New(), TenantID: tenantID, Phone: "+6281234567890", StatusCode: status, Source: "manual"}
	ts.leads.leads[lead.ID] = lead
	return lead
}

func TestAPIRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	lead := ts.seedLead(testTenant, "new")

	resp := ts.do(t, http.MethodGet, "/leads/"+lead.ID.String(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthenticated", decodeError(t, resp).Code)

	resp = ts.do(t, http.MethodGet, "/leads/"+lead.ID.String(), "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestGetLeadHidesOtherTenants(t *testing.T) {
	ts := newTestServer(t)
	own := ts.seedLead(testTenant, "new")
	foreign := ts.seedLead(otherTenant, "new")

	resp := ts.do(t, http.MethodGet, "/leads/"+own.ID.String(), managerToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(t, http.MethodGet, "/leads/"+foreign.ID.String(), managerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, leaddomain.ErrNotFound.Error(), decodeError(t, resp).Code)

	// malformed ids answer the same way
	resp = ts.do(t, http.MethodGet, "/leads/not-a-uuid", managerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestChangeLeadStatusReportsCurrentStatusOnConflict(t *testing.T) {
	ts := newTestServer(t)
	lead := ts.seedLead(testTenant, "contacted")

	resp := ts.do(t, http.MethodPatch, "/leads/"+lead.ID.String()+"/status", setterToken, gin.H{
		"to_code":       "qualified",
		"expected_from": "new",
	})
	require.Equal(t, http.StatusConflict, resp.Code)
	payload := decodeError(t, resp)
	assert.Equal(t, leaddomain.ErrConflictWithState.Error(), payload.Code)
	assert.Equal(t, "contacted", payload.CurrentStatus)
	assert.Equal(t, leaddomain.SourceManual, ts.leads.lastChange.Source)

	resp = ts.do(t, http.MethodPatch, "/leads/"+lead.ID.String()+"/status", setterToken, gin.H{
		"to_code":       "qualified",
		"expected_from": "contacted",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		Data leaddomain.Lead `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "qualified", out.Data.StatusCode)
}

func TestBulkChangeLeadStatusReturnsPerLeadResults(t *testing.T) {
	ts := newTestServer(t)
	ok := uuid.New()
	missing := uuid.New()
	ts.leads.bulkResults = map[uuid.UUID]string{
		ok:      "qualified",
		missing: leaddomain.ErrNotFound.Error(),
	}

	resp := ts.do(t, http.MethodPost, "/leads/bulk-status", managerToken, gin.H{
		"lead_ids": []string{ok.String(), missing.String()},
		"to_code":  "qualified",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Data struct {
			Results map[string]string `json:"results"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "qualified", out.Data.Results[ok.String()])
	assert.Equal(t, "lead_not_found", out.Data.Results[missing.String()])
}

func TestBulkChangeLeadStatusValidatesInput(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/leads/bulk-status", managerToken, gin.H{
		"lead_ids": []string{"nope"},
		"to_code":  "qualified",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "lead_ids", payload.Errors[0].Field)

	resp = ts.do(t, http.MethodPost, "/leads/bulk-status", managerToken, gin.H{
		"lead_ids": []string{},
		"to_code":  "qualified",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, leaddomain.ErrEmptyBulk.Error(), decodeError(t, resp).Code)
}

func TestIngressDeduplicatesDeliveries(t *testing.T) {
	ts := newTestServer(t)
	body := `{"entry":[{"id":"waba-1"}]}`

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ingress/whatsapp/acme", bytes.NewBufferString(body))
		req.Header.Set("X-Hub-Signature-256", "sha256=good")
		resp := httptest.NewRecorder()
		ts.router.ServeHTTP(resp, req)
		return resp
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Body.String())
	assert.Equal(t, "acme", ts.ingress.lastReq.TenantPath)

	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"duplicate":true}`, second.Body.String())
	assert.Equal(t, 2, ts.ingress.calls)
}

func TestIngressRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/ingress/whatsapp/acme", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Hub-Signature-256", "sha256=forged")
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, ingressdomain.ErrSignatureInvalid.Error(), decodeError(t, resp).Code)
}

func TestIngressRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/ingress/meta-leads", bytes.NewReader(make([]byte, maxIngressBodyBytes+1)))
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, ts.ingress.calls)
}

func TestIngressChallenge(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/ingress/whatsapp/acme?hub.mode=subscribe&hub.verify_token=expected&hub.challenge=12345", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "12345", resp.Body.String())

	resp = ts.do(t, http.MethodGet, "/ingress/whatsapp/acme?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestDevRoutesHiddenInProduction(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/dev/tenants", "", gin.H{"name": "Acme"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{
		cfg: config.Config{Worker: config.WorkerConfig{Enabled: true}},
		db:  dbtest.New(t, nil),
	}
	router := gin.New()
	router.GET("/readyz", srv.Readiness)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"database":"ok"`)

	// a configured worker that is not running keeps the instance out of rotation
	srv.worker = &worker.Worker{}
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
