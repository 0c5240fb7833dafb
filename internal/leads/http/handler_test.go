package leadshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/leadflow/internal/leads"
	"github.com/odyssey-erp/leadflow/internal/platform/httpx"
	"github.com/odyssey-erp/leadflow/internal/platform/idempotency"
)

type stubService struct {
	leadService

	trackFn    func(op string, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	invoiceFn  func(in leads.InvoiceInput) (leads.Result, error)
	feasFn     func(in leads.FeasibilityInput) (leads.Result, error)
	decisionFn func(in leads.DecisionInput) (leads.Result, error)
	createFn   func(in leads.CreateLeadInput) (leads.Lead, error)
	listFn     func(filter leads.ListFilter) ([]leads.Summary, int, error)
	countsFn   func(setup leads.SetupType) (map[leads.Stage]int, error)
	pollFn     func(id uuid.UUID, since int64) (leads.PollResult, error)
}

func (s *stubService) track(op string, id uuid.UUID, t leads.Track, actor string) (leads.Result, error) {
	if s.trackFn == nil {
		return leads.Result{}, errors.New("unexpected call " + op)
	}
	return s.trackFn(op, id, t, actor)
}

func (s *stubService) MarkAgentContacted(_ context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error) {
	return s.track("contacted", id, t, actor)
}

func (s *stubService) SendQuote(_ context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error) {
	return s.track("quote", id, t, actor)
}

func (s *stubService) SendReminder(_ context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error) {
	return s.track("reminder", id, t, actor)
}

func (s *stubService) RecordQuoteViewed(_ context.Context, id uuid.UUID, t leads.Track) (leads.Result, error) {
	return s.track("viewed", id, t, "")
}

func (s *stubService) SendInvoice(_ context.Context, in leads.InvoiceInput) (leads.Result, error) {
	return s.invoiceFn(in)
}

func (s *stubService) SetFeasibility(_ context.Context, in leads.FeasibilityInput) (leads.Result, error) {
	return s.feasFn(in)
}

func (s *stubService) RecordCustomerDecision(_ context.Context, in leads.DecisionInput) (leads.Result, error) {
	return s.decisionFn(in)
}

func (s *stubService) CreateLead(_ context.Context, in leads.CreateLeadInput) (leads.Lead, error) {
	return s.createFn(in)
}

func (s *stubService) ListLeads(_ context.Context, filter leads.ListFilter) ([]leads.Summary, int, error) {
	return s.listFn(filter)
}

func (s *stubService) StageCounts(_ context.Context, setup leads.SetupType) (map[leads.Stage]int, error) {
	return s.countsFn(setup)
}

func (s *stubService) Poll(_ context.Context, id uuid.UUID, since int64) (leads.PollResult, error) {
	return s.pollFn(id, since)
}

type memoryKeys struct {
	seen    map[string]bool
	deleted []string
}

func (m *memoryKeys) CheckAndInsert(_ context.Context, key, scope string) error {
	if m.seen[scope+"|"+key] {
		return idempotency.ErrConflict
	}
	m.seen[scope+"|"+key] = true
	return nil
}

func (m *memoryKeys) Delete(_ context.Context, key, scope string) error {
	delete(m.seen, scope+"|"+key)
	m.deleted = append(m.deleted, key)
	return nil
}

func newTestRouter(svc leadService, keys keyStore) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc, keys, Options{PublicRateLimit: 1000}).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func problemOf(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestTrackActionPassesActorAndTrack(t *testing.T) {
	id := uuid.New()
	var gotTrack leads.Track
	var gotActor string
	svc := &stubService{trackFn: func(op string, lid uuid.UUID, tr leads.Track, actor string) (leads.Result, error) {
		require.Equal(t, "contacted", op)
		require.Equal(t, id, lid)
		gotTrack, gotActor = tr, actor
		return leads.Result{Lead: leads.Lead{ID: lid}, View: leads.TrackView{Stage: leads.StageFeasibilityInProgress}}, nil
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/api/leads/"+id.String()+"/tracks/bank/agent-contacted", "", map[string]string{actorHeader: "sara"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, leads.TrackBank, gotTrack)
	require.Equal(t, "sara", gotActor)

	var res leads.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, leads.StageFeasibilityInProgress, res.View.Stage)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&leads.ValidationError{Field: "payment_link", Message: "must be an https URL"}, http.StatusBadRequest},
		{&leads.NotFoundError{ID: "x"}, http.StatusNotFound},
		{&leads.ConflictError{Track: leads.TrackCompany, Reason: "quote already sent"}, http.StatusConflict},
		{&leads.NotificationError{Op: "send quote", Err: errors.New("redis down")}, http.StatusBadGateway},
		{errors.New("pg: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubService{trackFn: func(string, uuid.UUID, leads.Track, string) (leads.Result, error) {
			return leads.Result{}, tc.err
		}}
		rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/api/leads/"+uuid.NewString()+"/tracks/company/quote", "", nil)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		require.Equal(t, tc.status, problemOf(t, rec).Status)
	}
}

func TestBadPathParams(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)

	rec := do(t, router, http.MethodPost, "/api/leads/not-a-uuid/tracks/company/quote", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/leads/"+uuid.NewString()+"/tracks/visa/quote", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, problemOf(t, rec).Detail, "unknown track")
}

func TestInvoiceBodyAndIdempotency(t *testing.T) {
	id := uuid.New()
	calls := 0
	svc := &stubService{invoiceFn: func(in leads.InvoiceInput) (leads.Result, error) {
		calls++
		require.Equal(t, id, in.LeadID)
		require.Equal(t, leads.TrackCompany, in.Track)
		require.True(t, in.AmountAED.Equal(decimal.NewFromInt(18000)))
		require.Equal(t, "https://pay.example.com/i/2", in.PaymentLink)
		return leads.Result{Revision: &leads.InvoiceRevision{Version: 2}}, nil
	}}
	keys := &memoryKeys{seen: map[string]bool{}}
	router := newTestRouter(svc, keys)
	path := "/api/leads/" + id.String() + "/tracks/company/invoice"
	body := `{"amount_aed":"18000","payment_link":"https://pay.example.com/i/2"}`
	hdr := map[string]string{idempotencyHeader: "k-1"}

	rec := do(t, router, http.MethodPost, path, body, hdr)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, path, body, hdr)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "Duplicate", problemOf(t, rec).Title)
	require.Equal(t, 1, calls)

	rec = do(t, router, http.MethodPost, path, body, map[string]string{idempotencyHeader: "k-2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 2, calls)
}

func TestFailedRequestReleasesIdempotencyKey(t *testing.T) {
	attempts := 0
	svc := &stubService{trackFn: func(string, uuid.UUID, leads.Track, string) (leads.Result, error) {
		attempts++
		if attempts == 1 {
			return leads.Result{}, &leads.NotificationError{Op: "send reminder", Err: errors.New("timeout")}
		}
		return leads.Result{}, nil
	}}
	keys := &memoryKeys{seen: map[string]bool{}}
	router := newTestRouter(svc, keys)
	path := "/api/leads/" + uuid.NewString() + "/tracks/company/reminder"
	hdr := map[string]string{idempotencyHeader: "retry-me"}

	require.Equal(t, http.StatusBadGateway, do(t, router, http.MethodPost, path, "", hdr).Code)
	require.Equal(t, []string{"retry-me"}, keys.deleted)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, path, "", hdr).Code)
}

func TestInvoiceRejectsUnknownFields(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	rec := do(t, router, http.MethodPost, "/api/leads/"+uuid.NewString()+"/tracks/company/invoice", `{"amount":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeasibilityRequiresFlag(t *testing.T) {
	var got leads.FeasibilityInput
	svc := &stubService{feasFn: func(in leads.FeasibilityInput) (leads.Result, error) {
		got = in
		return leads.Result{}, nil
	}}
	router := newTestRouter(svc, nil)
	path := "/api/leads/" + uuid.NewString() + "/tracks/company/feasibility"

	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, path, `{}`, nil).Code)

	rec := do(t, router, http.MethodPost, path, `{"feasible":true,"quoted_amount_aed":15000}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, got.Feasible)
	require.True(t, got.QuotedAmountAED.Equal(decimal.NewFromInt(15000)))
}

func TestListLeadsQuery(t *testing.T) {
	var got leads.ListFilter
	svc := &stubService{listFn: func(f leads.ListFilter) ([]leads.Summary, int, error) {
		got = f
		return nil, 0, nil
	}}
	router := newTestRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/leads/?setup_type=bank&stage=awaiting_payment&q=amal&limit=10&offset=20", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, leads.SetupBank, got.SetupType)
	require.Equal(t, leads.StageAwaitingPayment, got.Stage)
	require.Equal(t, "amal", got.Search)
	require.Equal(t, 10, got.Limit)
	require.Equal(t, 20, got.Offset)

	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Items)

	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/leads/?limit=-1", "", nil).Code)
}

func TestStageStats(t *testing.T) {
	svc := &stubService{countsFn: func(setup leads.SetupType) (map[leads.Stage]int, error) {
		require.Equal(t, leads.SetupMainland, setup)
		return map[leads.Stage]int{leads.StageNew: 2, leads.StageCompleted: 1}, nil
	}}
	router := newTestRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/leads/stats?setup_type=mainland", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stages []stageCount `json:"stages"`
		Total  int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Stages, len(leads.Stages()))
	require.Equal(t, 3, body.Total)
	require.Equal(t, leads.StageNew, body.Stages[0].Stage)
	require.Equal(t, 2, body.Stages[0].Count)

	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/leads/stats?setup_type=moon", "", nil).Code)
}

func TestPollVersion(t *testing.T) {
	var since int64
	svc := &stubService{pollFn: func(_ uuid.UUID, v int64) (leads.PollResult, error) {
		since = v
		return leads.PollResult{Changed: false, Version: v}, nil
	}}
	router := newTestRouter(svc, nil)
	rec := do(t, router, http.MethodGet, "/api/leads/"+uuid.NewString()+"/poll?version=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(7), since)
	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/leads/"+uuid.NewString()+"/poll?version=x", "", nil).Code)
}

func TestPublicCreateLead(t *testing.T) {
	id := uuid.MustParse("0a1b2c3d-0000-4000-8000-000000000000")
	svc := &stubService{createFn: func(in leads.CreateLeadInput) (leads.Lead, error) {
		require.Equal(t, leads.SetupFreezone, in.SetupType)
		return leads.Lead{ID: id, Reference: leads.ReferenceFor(id), AdminNotes: "secret"}, nil
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/public/leads",
		`{"setup_type":"freezone","full_name":"Amal Haddad","whatsapp":"+971501234567"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "LF-0A1B2C3D")
	require.NotContains(t, rec.Body.String(), "secret")
}

func TestPublicQuoteView(t *testing.T) {
	amount := decimal.NewFromInt(15000)
	svc := &stubService{trackFn: func(op string, _ uuid.UUID, tr leads.Track, _ string) (leads.Result, error) {
		require.Equal(t, "viewed", op)
		lead := leads.Lead{Reference: "LF-1", FullName: "Amal", AdminNotes: "internal only",
			Company: leads.TrackFields{QuotedAmountAED: &amount}}
		return leads.Result{Lead: lead, View: leads.TrackView{Stage: leads.StageAwaitingDecision, Decision: leads.DecisionViewed}}, nil
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/public/quotes/"+uuid.NewString()+"/company", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "internal only")

	var q publicQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.True(t, q.CanDecide)
	require.True(t, q.AmountAED.Equal(amount))
}

func TestPublicDecision(t *testing.T) {
	var got leads.DecisionInput
	svc := &stubService{decisionFn: func(in leads.DecisionInput) (leads.Result, error) {
		got = in
		return leads.Result{View: leads.TrackView{Stage: leads.StageApprovedAwaitingInvoice, Decision: leads.DecisionApproved}}, nil
	}}
	router := newTestRouter(svc, nil)
	path := "/public/quotes/" + uuid.NewString() + "/bank/decision"

	rec := do(t, router, http.MethodPost, path, `{"outcome":"approve","signal":"proceed"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, leads.OutcomeApprove, got.Outcome)
	require.Equal(t, leads.SignalProceed, got.Signal)
	require.Equal(t, leads.TrackBank, got.Track)

	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, path, `{"outcome":"maybe"}`, nil).Code)

	rec = do(t, router, http.MethodPost, path, `{"outcome":"approve"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, leads.SignalQuote, got.Signal)
}

func TestPublicDecisionRejectsUnknownSignal(t *testing.T) {
	called := false
	svc := &stubService{decisionFn: func(leads.DecisionInput) (leads.Result, error) {
		called = true
		return leads.Result{}, nil
	}}
	path := "/public/quotes/" + uuid.NewString() + "/company/decision"

	rec := do(t, newTestRouter(svc, nil), http.MethodPost, path, `{"outcome":"approve","signal":"banner"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "signal")
	require.False(t, called)
}

func TestPublicRateLimit(t *testing.T) {
	r := chi.NewRouter()
	svc := &stubService{createFn: func(leads.CreateLeadInput) (leads.Lead, error) { return leads.Lead{}, nil }}
	NewHandler(nil, svc, nil, Options{PublicRateLimit: 2}).MountRoutes(r)

	body := `{"setup_type":"mainland","full_name":"A","whatsapp":"+971501234567"}`
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/public/leads", body, nil).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/public/leads", body, nil).Code)
	rec := do(t, r, http.MethodPost, "/public/leads", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
