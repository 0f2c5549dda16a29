package api

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/retrieval"
	"github.com/kalambet/chatflow/internal/storage"
)

// --- mock retriever ---

type mockRetriever struct {
	items      []retrieval.ContextItem
	err        error
	lastQuery  string
	lastFilter *filters.Expression
}

func (m *mockRetriever) Retrieve(_ context.Context, query string, filter *filters.Expression) ([]retrieval.ContextItem, error) {
	m.lastQuery = query
	m.lastFilter = filter
	return m.items, m.err
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	now := func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	return MCPDeps{
		Chat:      &mockChat{},
		Extractor: filters.NewPatternExtractorAt(now),
		Retriever: &mockRetriever{},
		Flows:     store,
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_Ask(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Chat = &mockChat{askFn: func(_ context.Context, msg string) (pipeline.Completion, error) {
		return pipeline.Completion{FlowID: "flow_9", Message: msg, Response: "It was the cache."}, nil
	}}

	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message": "why did the build fail?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var c pipeline.Completion
	if err := json.Unmarshal([]byte(toolText(t, result)), &c); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if c.FlowID != "flow_9" || c.Response != "It was the cache." || c.Message != "why did the build fail?" {
		t.Errorf("completion = %+v", c)
	}
}

func TestMCPTool_AskErrors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Chat = &mockChat{askFn: func(context.Context, string) (pipeline.Completion, error) {
		return pipeline.Completion{}, pipeline.ErrNotRunning
	}}
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if err != nil || !result.IsError {
		t.Errorf("missing message: IsError=%v err=%v", result.IsError, err)
	}

	result, err = handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"message": "hi"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not running") {
		t.Errorf("result = %s, want pipeline error", toolText(t, result))
	}
}

func TestMCPTool_ExtractFilters(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpExtractFilters(deps)(context.Background(), makeCallToolRequest("extract_filters", map[string]interface{}{
		"query": "failed deployments in production on 2023-05-15",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var got struct {
		Date       *filters.DateFilter     `json:"date_filters"`
		Metadata   *filters.MetadataFilter `json:"metadata_filters"`
		Expression *filters.Expression     `json:"expression"`
		Readable   string                  `json:"readable"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if got.Date == nil || got.Date.DateStr != "2023-05-15" {
		t.Errorf("date = %+v", got.Date)
	}
	if got.Metadata == nil || got.Metadata.Environment != "production" || got.Metadata.Status != "failed" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.Expression == nil || len(got.Expression.And) != 3 {
		t.Errorf("expression = %+v, want 3 predicates", got.Expression)
	}
	if !strings.Contains(got.Readable, "date = 2023-05-15") {
		t.Errorf("readable = %q", got.Readable)
	}
}

func TestMCPTool_ExtractFilters_None(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpExtractFilters(deps)(context.Background(), makeCallToolRequest("extract_filters", map[string]interface{}{
		"query": "how do I write a loop",
	}))
	var got map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if _, ok := got["expression"]; ok {
		t.Errorf("result %v has an expression", got)
	}
	if got["readable"] != "<none>" {
		t.Errorf("readable = %v, want <none>", got["readable"])
	}
}

func TestMCPTool_Recall_AppliesFilters(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	retr := &mockRetriever{items: []retrieval.ContextItem{
		{ID: "a", Type: retrieval.ItemEntry, Input: "q1", Output: "a1", Score: 0.9},
		{ID: "b", Type: retrieval.ItemInsight, Problem: "p", Solution: "s", Score: 0.8},
		{ID: "c", Type: retrieval.ItemEntry, Input: "q2", Score: 0.7},
	}}
	deps.Retriever = retr

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "staging errors",
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var items []retrieval.ContextItem
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" {
		t.Errorf("items = %+v, want first 2", items)
	}
	if retr.lastFilter == nil || retr.lastFilter.String() != "environment = staging AND status = error" {
		t.Errorf("filter = %v", retr.lastFilter)
	}
}

func TestMCPTool_Recall_WithoutFilters(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	retr := &mockRetriever{}
	deps.Retriever = retr

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query":       "staging errors",
		"use_filters": false,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("text = %s, want []", text)
	}
	if retr.lastFilter != nil || retr.lastQuery != "staging errors" {
		t.Errorf("retrieve called with %q, %v", retr.lastQuery, retr.lastFilter)
	}
}

func TestMCPTool_Recall_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &mockRetriever{err: errors.New("store offline")}

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "store offline") {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	long := strings.Repeat("é", 250)
	if err := store.SaveFlow(context.Background(), storage.Flow{
		ID:        "flow_r",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Message:   long,
		Status:    storage.FlowDegraded,
	}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "flows://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Status != "degraded" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if got := []rune(summaries[0].Message); len(got) != 203 {
		t.Errorf("message runes = %d, want 200 plus ellipsis", len(got))
	}
}
