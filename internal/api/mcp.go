package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/conversation"
	"github.com/kalambet/tankyu/internal/retrieval"
)

// Searcher is semantic search over a conversation's history.
// Implemented by retrieval.Retriever.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Turns    TurnService
	Searcher Searcher    // optional; if nil, recall returns an error
	Metrics  MetricsFunc // optional
	// UserID owns every conversation the stdio client touches.
	UserID string
}

func (d MCPDeps) userID() string {
	if d.UserID == "" {
		return DefaultUserID
	}
	return d.UserID
}

// NewMCPServer creates an MCP server with the tankyu tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tankyu",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tankyu: an inquiry-learning tutor that answers with questions and next steps."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_turn",
			mcp.WithDescription("Send one learner message to the tutor and return its reply, support type, speech acts and plan."),
			mcp.WithString("message", mcp.Description("The learner's message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; omitted opens the page's conversation")),
			mcp.WithString("project_id", mcp.Description("Project whose context frames the turn")),
			mcp.WithString("page_id", mcp.Description("Page the conversation belongs to")),
			mcp.WithBoolean("mock_mode", mcp.Description("Use rules and templates only, without LLM calls")),
		),
		mcpProcessTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search earlier messages of a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("set_project",
			mcp.WithDescription("Create or update the inquiry project context used by turns."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("theme", mcp.Description("Inquiry theme")),
			mcp.WithString("question", mcp.Description("Research question")),
			mcp.WithString("hypothesis", mcp.Description("Working hypothesis")),
		),
		mcpSetProject(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"metrics://llm",
			"LLM Metrics",
			mcp.WithResourceDescription("Dispatcher, embedding and job queue metrics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMetrics(deps),
	)

	return s
}

func mcpProcessTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		resp, err := deps.Turns.HandleTurn(ctx, conversation.Request{
			Message:        message,
			ConversationID: req.GetString("conversation_id", ""),
			ProjectID:      req.GetString("project_id", ""),
			PageID:         req.GetString("page_id", ""),
			MockMode:       req.GetBool("mock_mode", false),
			UserID:         deps.userID(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("turn failed (%s): %v", agent.Kind(err), err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Searcher == nil {
			return mcpError("recall not available: embeddings are disabled"), nil
		}
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		// Ownership check before searching.
		if _, err := deps.Turns.Messages(ctx, deps.userID(), convID, 1); err != nil {
			return mcpError(fmt.Sprintf("conversation %s: %v", convID, err)), nil
		}

		results, err := deps.Searcher.Search(ctx, retrieval.Query{Text: query, ConversationID: convID, K: limit, UseMMR: true})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpSetProject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		pc := agent.ProjectContext{
			ID:         id,
			Theme:      req.GetString("theme", ""),
			Question:   req.GetString("question", ""),
			Hypothesis: req.GetString("hypothesis", ""),
		}
		if err := deps.Turns.SetProject(ctx, deps.userID(), pc); err != nil {
			return mcpError(fmt.Sprintf("failed to set project: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Set project %s", id)), nil
	}
}

func mcpResourceMetrics(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var m any = map[string]any{}
		if deps.Metrics != nil {
			var err error
			if m, err = deps.Metrics(ctx); err != nil {
				return nil, fmt.Errorf("failed to collect metrics: %w", err)
			}
		}

		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
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
