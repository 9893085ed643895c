package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/leadflow/internal/adapters"
	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/logging"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
	"github.com/lucasnoah/leadflow/internal/payment"
	"github.com/lucasnoah/leadflow/internal/stage"
)

const (
	testToken  = "ops-token"
	testSecret = "whsec_test"
)

type harness struct {
	srv *Server
	db  *db.DB
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })

	cfg := config.Default()
	log := logging.Nop()
	set, err := adapters.Sandbox(cfg, log)
	require.NoError(t, err)
	reg, err := stage.NewDefaultRegistry(set.Collaborators, cfg)
	require.NoError(t, err)
	orch := orchestrator.New(d, reg, cfg.Orchestration, orchestrator.Options{Logger: log})

	exec, err := payment.NewExecutor(d, set.Provider, set.Outbox, log)
	require.NoError(t, err)
	retrier := payment.NewRetrier(d, exec, payment.DefaultRetryPolicy, log)
	saga := payment.NewSaga(d, exec, retrier, payment.AgentConfig{ConfidenceThreshold: 0.7, HighValueCents: 200000}, log)

	h := &harness{db: d, now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	h.srv = NewServer(Deps{
		DB:           d,
		Orchestrator: orch,
		Saga:         saga,
		Reconciler:   payment.NewReconciler(d, retrier, log),
		Server:       config.Server{OpsTokens: []string{testToken}, WebhookSecret: testSecret},
		Logger:       log,
	})
	h.srv.now = func() time.Time { return h.now }
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func ops(actor string) map[string]string {
	hdr := map[string]string{"Authorization": "Bearer " + testToken}
	if actor != "" {
		hdr[headerActor] = actor
	}
	return hdr
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestOpsAuth(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"no token", http.MethodGet, "/api/v1/runs", nil, http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/v1/runs", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"read without actor", http.MethodGet, "/api/v1/runs", ops(""), http.StatusOK},
		{"write without actor", http.MethodPost, "/api/v1/runs", ops(""), http.StatusUnauthorized},
		{"compensate without actor", http.MethodPost, "/api/v1/payments/decisions/d1/compensate", ops(""), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, tt.path, nil, tt.headers)
			require.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCreateAndInspectRun(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{}, ops("ops-1"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", decode[errorBody](t, w).Kind)

	w = h.do(t, http.MethodPost, "/api/v1/runs", createRunRequest{
		BusinessID: "biz-1",
		CustomerID: "cust-1",
		LeadText:   "Need my lawn mowed at 12 Elm St",
	}, ops("ops-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[RunView](t, w)
	require.Equal(t, string(stage.LeadIntake), run.CurrentStage)
	require.Equal(t, db.StatusRunning, run.Status)
	require.NotEmpty(t, run.Context)

	w = h.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil, ops(""))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, run.ID, decode[RunView](t, w).ID)

	w = h.do(t, http.MethodGet, "/api/v1/runs?business_id=biz-1", nil, ops(""))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Runs []RunView `json:"runs"`
	}](t, w)
	require.Len(t, list.Runs, 1)
	require.Empty(t, list.Runs[0].Context)

	w = h.do(t, http.MethodGet, "/api/v1/runs?limit=x", nil, ops(""))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/advance", nil, ops("ops-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	adv := decode[advanceResponse](t, w)
	require.Len(t, adv.Steps, 1)
	require.Equal(t, string(stage.LeadIntake), adv.Steps[0].Stage)

	w = h.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", nil, ops(""))
	require.Equal(t, http.StatusOK, w.Code)
	steps := decode[struct {
		Steps []StepView `json:"steps"`
	}](t, w)
	require.Len(t, steps.Steps, 1)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/v1/runs/nope", "/api/v1/runs/nope/steps"} {
		w := h.do(t, http.MethodGet, path, nil, ops(""))
		require.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestInboundMessageWithoutWaitingRun(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/messages", orchestrator.InboundMessage{
		BusinessID: "biz-1",
		CustomerID: "cust-9",
		Body:       "hello?",
	}, ops(""))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[orchestrator.MessageResult](t, w)
	require.NotEmpty(t, res.MessageID)
	require.Empty(t, res.RunID)

	w = h.do(t, http.MethodPost, "/api/v1/messages", orchestrator.InboundMessage{BusinessID: "biz-1"}, ops(""))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteJobEscalatesWithoutPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.UpsertJob(ctx, &db.Job{ID: "job-1", BusinessID: "biz-1", CustomerID: "cust-1", Status: "booked"}))

	body := payment.JobCompletion{Amount: 12000, Currency: "usd"}
	w := h.do(t, http.MethodPost, "/api/v1/jobs/job-1/complete", body, ops("ops-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		DecisionID string `json:"decision_id"`
		Status     string `json:"status"`
	}](t, w)
	require.NotEmpty(t, res.DecisionID)
	require.Equal(t, db.DecisionEscalated, res.Status)

	w = h.do(t, http.MethodPost, "/api/v1/jobs/job-1/complete", body, ops("ops-1"))
	require.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/jobs/job-404/complete", body, ops("ops-1"))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompensateUnknownDecision(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/payments/decisions/nope/compensate", compensateRequest{Reason: "dispute"}, ops("ops-1"))
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func (h *harness) webhook(t *testing.T, env payment.Envelope, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	if sign {
		req.Header.Set(payment.SignatureHeader, payment.Sign(testSecret, payload, h.now))
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookSignatureAndDedup(t *testing.T) {
	h := newHarness(t)
	env := payment.Envelope{
		ID:   "evt_1",
		Type: payment.WebhookIntentSucceeded,
		Data: json.RawMessage(`{"object":{"id":"pi_unknown"}}`),
	}

	w := h.webhook(t, env, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.webhook(t, env, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, payment.WebhookUnmatched, decode[payment.WebhookResult](t, w).Status)

	w = h.webhook(t, env, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, payment.WebhookDuplicate, decode[payment.WebhookResult](t, w).Status)
}

func TestWebhookRejectsStaleSignature(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, payment.Sign(testSecret, payload, h.now.Add(-time.Hour)))
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
