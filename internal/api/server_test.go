package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/ingest"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/storage"
	"github.com/kalambet/chatflow/internal/tracing"
)

// --- mock chat service ---

type mockChat struct {
	submitFn func(ctx context.Context, msg string) (string, error)
	askFn    func(ctx context.Context, msg string) (pipeline.Completion, error)
}

func (m *mockChat) Submit(ctx context.Context, msg string) (string, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, msg)
	}
	return "flow_1700000000000_deadbeef", nil
}

func (m *mockChat) Ask(ctx context.Context, msg string) (pipeline.Completion, error) {
	if m.askFn != nil {
		return m.askFn(ctx, msg)
	}
	return pipeline.Completion{FlowID: "flow_1", Message: msg, Response: "answer"}, nil
}

// --- helpers ---

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupHandler(t *testing.T, chat ChatService) (http.Handler, *storage.Store, *tracing.MemoryBackend) {
	t.Helper()
	store := openTestStore(t)
	traces := tracing.NewMemoryBackend()
	if chat == nil {
		chat = &mockChat{}
	}
	h := NewHandler(Deps{
		Chat:   chat,
		Flows:  store,
		Traces: traces,
		Jobs:   store,
	})
	return h, store, traces
}

func doRequest(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	h, _, _ := setupHandler(t, nil)

	rr := doRequest(h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setupHandler(t, nil)

	rr := doRequest(h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestChat_Accepted(t *testing.T) {
	var got string
	chat := &mockChat{submitFn: func(_ context.Context, msg string) (string, error) {
		got = msg
		return "flow_42", nil
	}}
	h, _, _ := setupHandler(t, chat)

	rr := doRequest(h, http.MethodPost, "/v1/chat", `{"message":"what failed in production last week?"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp ChatAccepted
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "processing" || resp.FlowID != "flow_42" || resp.Message != "what failed in production last week?" {
		t.Errorf("resp = %+v", resp)
	}
	if got != resp.Message {
		t.Errorf("submitted %q", got)
	}
}

func TestChat_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing message", `{}`},
		{"blank message", `{"message":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			chat := &mockChat{submitFn: func(context.Context, string) (string, error) {
				called = true
				return "x", nil
			}}
			h, _, _ := setupHandler(t, chat)

			rr := doRequest(h, http.MethodPost, "/v1/chat", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if typ := errorType(t, rr); typ != "invalid_request_error" {
				t.Errorf("error type = %q", typ)
			}
			if called {
				t.Error("Submit called for a bad request")
			}
		})
	}
}

func TestChat_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: message is empty", pipeline.ErrValidation), http.StatusBadRequest},
		{"not running", pipeline.ErrNotRunning, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChat{submitFn: func(context.Context, string) (string, error) {
				return "", tt.err
			}}
			h, _, _ := setupHandler(t, chat)

			rr := doRequest(h, http.MethodPost, "/v1/chat", `{"message":"hi"}`)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestChat_Wait(t *testing.T) {
	var deadlineSet bool
	chat := &mockChat{askFn: func(ctx context.Context, msg string) (pipeline.Completion, error) {
		_, deadlineSet = ctx.Deadline()
		return pipeline.Completion{FlowID: "flow_7", Message: msg, Response: "Here is the answer."}, nil
	}}
	h, _, _ := setupHandler(t, chat)

	rr := doRequest(h, http.MethodPost, "/v1/chat", `{"message":"hi","wait":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var c pipeline.Completion
	if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.FlowID != "flow_7" || c.Response != "Here is the answer." {
		t.Errorf("completion = %+v", c)
	}
	if !deadlineSet {
		t.Error("Ask called without a deadline")
	}
}

func TestChat_WaitTimeout(t *testing.T) {
	chat := &mockChat{askFn: func(context.Context, string) (pipeline.Completion, error) {
		return pipeline.Completion{}, fmt.Errorf("waiting for flow x: %w", context.DeadlineExceeded)
	}}
	h, _, _ := setupHandler(t, chat)

	rr := doRequest(h, http.MethodPost, "/v1/chat", `{"message":"hi","wait":true}`)
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}
}

func TestGetFlow(t *testing.T) {
	h, store, _ := setupHandler(t, nil)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err := store.SaveFlow(context.Background(), storage.Flow{
		ID:           "flow_1709287200000_0000abcd",
		CreatedAt:    created,
		CompletedAt:  created.Add(2 * time.Second),
		Message:      "deploys in march",
		Query:        "deploys",
		FilterJSON:   `{"and":[{"field":"month","op":"eq","value":3}]}`,
		ContextCount: 2,
		Response:     "Two deploys.",
		Status:       storage.FlowCompleted,
	})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	rr := doRequest(h, http.MethodGet, "/v1/flows/flow_1709287200000_0000abcd", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		ID           string         `json:"id"`
		Status       string         `json:"status"`
		Response     string         `json:"response"`
		ContextCount int            `json:"context_count"`
		Filter       map[string]any `json:"filter"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "flow_1709287200000_0000abcd" || resp.Status != "completed" || resp.Response != "Two deploys." || resp.ContextCount != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if _, ok := resp.Filter["and"]; !ok {
		t.Errorf("filter = %v, want embedded expression", resp.Filter)
	}
}

func TestGetFlow_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, nil)

	rr := doRequest(h, http.MethodGet, "/v1/flows/flow_1709287200000_ffffffff", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if typ := errorType(t, rr); typ != "not_found" {
		t.Errorf("error type = %q", typ)
	}
}

func TestListFlows(t *testing.T) {
	h, store, _ := setupHandler(t, nil)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.SaveFlow(context.Background(), storage.Flow{
			ID:        fmt.Sprintf("flow_%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Message:   "m",
		})
		if err != nil {
			t.Fatalf("SaveFlow: %v", err)
		}
	}

	rr := doRequest(h, http.MethodGet, "/v1/flows?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var flows []FlowResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &flows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(flows) != 2 || flows[0].ID != "flow_2" {
		t.Errorf("flows = %+v, want newest two", flows)
	}
}

func TestGetTrace(t *testing.T) {
	h, _, traces := setupHandler(t, nil)
	ctx := context.Background()
	start := time.Now()
	for _, stage := range []string{pipeline.StagePreprocess, pipeline.StageExtractFilters} {
		span := &tracing.Span{ID: stage, CorrelationID: "flow_1709287200000_000000f1", Stage: stage, StartedAt: start}
		traces.StartSpan(ctx, span)
		span.EndedAt = start.Add(time.Millisecond)
		span.Status = tracing.StatusOK
		traces.EndSpan(ctx, span)
	}

	rr := doRequest(h, http.MethodGet, "/v1/flows/flow_1709287200000_000000f1/trace", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp TraceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FlowID != "flow_1709287200000_000000f1" || len(resp.Spans) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Spans[0].Stage != pipeline.StagePreprocess || resp.Spans[1].Stage != pipeline.StageExtractFilters {
		t.Errorf("stages = %s, %s", resp.Spans[0].Stage, resp.Spans[1].Stage)
	}
}

func TestGetTrace_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, nil)

	rr := doRequest(h, http.MethodGet, "/v1/flows/flow_1709287200000_ffffffff/trace", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestFlowRoutes_MalformedID(t *testing.T) {
	h, _, _ := setupHandler(t, nil)

	for _, url := range []string{
		"/v1/flows/missing",
		"/v1/flows/flow_abc",
		"/v1/flows/nope/trace",
		"/v1/flows/flow_1709287200000_DEADBEEF/trace",
	} {
		rr := doRequest(h, http.MethodGet, url, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("GET %s: status = %d, want 400", url, rr.Code)
			continue
		}
		if typ := errorType(t, rr); typ != "invalid_request_error" {
			t.Errorf("GET %s: error type = %q", url, typ)
		}
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	h := NewHandler(Deps{Chat: &mockChat{}})

	for _, tc := range []struct{ method, url, body string }{
		{http.MethodGet, "/v1/flows", ""},
		{http.MethodGet, "/v1/flows/x", ""},
		{http.MethodGet, "/v1/flows/x/trace", ""},
		{http.MethodPost, "/v1/entries", `{"input":"q"}`},
	} {
		rr := doRequest(h, tc.method, tc.url, tc.body)
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("%s %s: status = %d, want 501", tc.method, tc.url, rr.Code)
		}
	}
}

func TestCreateEntry(t *testing.T) {
	h, store, _ := setupHandler(t, nil)

	body := `{"type":"entry","input":"how to roll back","output":"run make rollback","environment":"production","created_at":"2024-02-10T09:00:00Z"}`
	rr := doRequest(h, http.MethodPost, "/v1/entries", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	job, err := store.GetJob(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != ingest.JobTypeRecord || job.Status != "pending" {
		t.Errorf("job = %+v", job)
	}
	var doc ingest.Document
	if err := json.Unmarshal([]byte(job.PayloadJSON), &doc); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if doc.Input != "how to roll back" || doc.Environment != "production" {
		t.Errorf("queued doc = %+v", doc)
	}
}

func TestCreateEntry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"no text", `{"type":"entry"}`},
		{"unknown type", `{"type":"memo","input":"x"}`},
		{"bad status", `{"input":"x","status":"great"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := setupHandler(t, nil)
			rr := doRequest(h, http.MethodPost, "/v1/entries", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=1000", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/flows?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
