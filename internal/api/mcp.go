package api

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server. Flows is optional; without
// it the flows://recent resource is not registered.
type MCPDeps struct {
	Chat      ChatService
	Extractor filters.Extractor
	Retriever pipeline.Retriever
	Flows     FlowStore
	Version   string
}

// NewMCPServer creates an MCP server exposing the chat pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"chatflow",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatflow answers questions using past chat entries and insights as context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Run a message through the chat pipeline and return the answer with the context it used."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_filters",
			mcp.WithDescription("Show the date and metadata filters detected in a query and the resulting filter expression."),
			mcp.WithString("query", mcp.Description("Query to analyse"), mcp.Required()),
		),
		mcpExtractFilters(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search stored entries and insights. Filters found in the query are applied unless disabled."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results, at most 5 (default 5)")),
			mcp.WithBoolean("use_filters", mcp.Description("Apply filters extracted from the query (default true)")),
		),
		mcpRecall(deps),
	)

	if deps.Flows != nil {
		s.AddResource(
			mcp.NewResource(
				"flows://recent",
				"Recent Flows",
				mcp.WithResourceDescription("Last 10 completed flows (messages truncated)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		ctx, cancel := context.WithTimeout(ctx, AskTimeout)
		defer cancel()
		c, err := deps.Chat.Ask(ctx, msg)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(c)
	}
}

type extractResult struct {
	Query      string                  `json:"query"`
	Date       *filters.DateFilter     `json:"date_filters,omitempty"`
	Metadata   *filters.MetadataFilter `json:"metadata_filters,omitempty"`
	Expression *filters.Expression     `json:"expression,omitempty"`
	Readable   string                  `json:"readable"`
}

func mcpExtractFilters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		ex := deps.Extractor.Extract(ctx, query)
		expr := filters.Build(ex.Date, ex.Metadata)
		return mcpJSON(extractResult{
			Query:      ex.Query,
			Date:       ex.Date,
			Metadata:   ex.Metadata,
			Expression: expr,
			Readable:   expr.String(),
		})
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 || limit > retrieval.DefaultTopK {
			limit = retrieval.DefaultTopK
		}

		var expr *filters.Expression
		if req.GetBool("use_filters", true) {
			ex := deps.Extractor.Extract(ctx, query)
			query = ex.Query
			expr = filters.Build(ex.Date, ex.Metadata)
		}

		items, err := deps.Retriever.Retrieve(ctx, query, expr)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(items) > limit {
			items = items[:limit]
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(items)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		flows, err := deps.Flows.ListFlows(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list flows: %w", err)
		}

		type flowSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Status    string `json:"status"`
			Message   string `json:"message"`
		}

		summaries := make([]flowSummary, len(flows))
		for i, f := range flows {
			msg := f.Message
			if utf8.RuneCountInString(msg) > 200 {
				runes := []rune(msg)
				msg = string(runes[:200]) + "..."
			}
			summaries[i] = flowSummary{
				ID:        f.ID,
				CreatedAt: f.CreatedAt.Format(time.RFC3339),
				Status:    f.Status,
				Message:   msg,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal flows: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
