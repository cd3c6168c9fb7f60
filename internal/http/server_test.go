package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmehdipour/feedback-gateway/internal/baseline"
	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/redact"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/service/issues"
)

const (
	shopKey  = "key-shop"
	otherKey = "key-other"
)

type testEnv struct {
	srv   *Server
	store *repository.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	st := repository.NewMemoryStore()

	for _, app := range []model.App{
		{ID: "shop", Name: "Shop", APIKey: shopKey, Status: "active", Owners: model.Owners{POEmails: []string{"po@shop.io"}}},
		{ID: "other", Name: "Other", APIKey: otherKey, Status: "active"},
		{ID: "gone", Name: "Gone", APIKey: "key-gone", Status: "suspended"},
	} {
		require.NoError(t, st.UpsertApp(ctx, app))
	}

	srv := NewServer(Deps{
		Apps:      st,
		Processor: correlator.New(st, redact.New(), correlator.Config{}, log),
		Issues:    issues.New(st, baseline.Nop{}, log),
		Decoder:   ingest.MustNewDecoder(),
	}, log)
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, key, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

const errorEvent = `{"environment":"prod","event_type":"frontend_error",
	"user":{"id":"u-1"},
	"payload":{"error_type":"TypeError","message":"x is undefined","stack":"at render (/static/js/main.js:1:1)"}}`

func TestEvents_CreateThenAttach(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["created"])
	issueID := body["issue_id"].(string)

	rec, body = env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["created"])
	assert.Equal(t, issueID, body["issue_id"])

	is, err := env.store.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	assert.Equal(t, 2, is.Counts.OccurrencesTotal)
	assert.Equal(t, "shop", is.AppID)
	require.NotNil(t, is.Routing)
	assert.Equal(t, "po@shop.io", is.Routing.AssignedTo)
}

func TestEvents_Auth(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/v1/events", "", errorEvent)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/v1/events", "nope", errorEvent)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/v1/events", "key-gone", errorEvent)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "suspended app")
}

func TestEvents_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/v1/events", shopKey, `{"environment":"prod","event_type":"feedback","payload":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_event", body["error"])

	rec, _ = env.do(t, http.MethodPost, "/v1/events", shopKey,
		`{"app_id":"other","environment":"prod","event_type":"feedback","payload":{"message":"hi"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "app_id must match the key")
}

func TestEvents_RedactedBeforeStored(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/v1/events", shopKey,
		`{"environment":"prod","event_type":"feedback","payload":{"message":"mail me at bob@example.com"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["redactions"])

	ev, err := env.store.GetEvent(context.Background(), body["event_id"].(string))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "mail me at "+redact.MaskEmail, ev.Payload.(model.FeedbackPayload).Message)
}

func TestIssues_ListGetAndScope(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
	issueID := body["issue_id"].(string)
	env.do(t, http.MethodPost, "/v1/events", shopKey,
		`{"environment":"stage","event_type":"feedback","payload":{"message":"Love the new search"}}`)

	rec, body := env.do(t, http.MethodGet, "/v1/issues", shopKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	first := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, issueID, first["issue"].(map[string]any)["id"], "prod error outranks stage feedback")

	rec, body = env.do(t, http.MethodGet, "/v1/issues?environment=stage", shopKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = env.do(t, http.MethodGet, "/v1/issues?tier=urgent", shopKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.do(t, http.MethodGet, "/v1/issues/"+issueID, shopKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "score")
	assert.Equal(t, []any{"triaged", "in_progress", "resolved"}, body["allowed_transitions"])

	rec, _ = env.do(t, http.MethodGet, "/v1/issues/"+issueID, otherKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "issues of other apps are hidden")

	rec, body = env.do(t, http.MethodGet, "/v1/issues", otherKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestIssues_StatusWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
	path := "/v1/issues/" + body["issue_id"].(string) + "/status"

	rec, _ := env.do(t, http.MethodPost, path, shopKey, `{"status":"in_progress"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, body = env.do(t, http.MethodPost, path, shopKey, `{"status":"blocked"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "blocked", body["status"])

	rec, body = env.do(t, http.MethodPost, path, shopKey, `{"status":"snoozed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", body["error"])

	rec, _ = env.do(t, http.MethodPost, path, shopKey, `{"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/v1/issues/missing/status", shopKey, `{"status":"triaged"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssues_Reassign(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
	path := "/v1/issues/" + body["issue_id"].(string) + "/assignee"

	rec, body := env.do(t, http.MethodPost, path, shopKey, `{"assigned_to":"lead@shop.io"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "lead@shop.io", body["routing"].(map[string]any)["assigned_to"])

	rec, _ = env.do(t, http.MethodPost, path, otherKey, `{"assigned_to":"x@y.z"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

type failingProcessor struct{ err error }

func (f failingProcessor) ProcessEvent(context.Context, model.EventInput) (correlator.Result, error) {
	return correlator.Result{}, f.err
}

func TestEvents_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"conflicts", correlator.ErrTooManyConflicts, http.StatusConflict},
		{"store", errors.New("connection reset"), http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			log := zaptest.NewLogger(t)
			env.srv = NewServer(Deps{
				Apps:      env.store,
				Processor: failingProcessor{err: tt.err},
				Issues:    issues.New(env.store, nil, log),
				Decoder:   ingest.MustNewDecoder(),
			}, log)

			rec, _ := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestRateLimit_NoRedisAllows(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		rec, _ := env.do(t, http.MethodPost, "/v1/events", shopKey, errorEvent)
		assert.Less(t, rec.Code, 300)
	}
}

