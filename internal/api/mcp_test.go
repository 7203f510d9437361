package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/conversation"
	"github.com/kalambet/tankyu/internal/retrieval"
	"github.com/kalambet/tankyu/internal/storage"
)

// --- mocks ---

type mockSearcher struct {
	results []retrieval.Result
	err     error
	got     retrieval.Query
}

func (m *mockSearcher) Search(_ context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	m.got = q
	return m.results, m.err
}

func ownedConversations(owner string, ids ...string) func(context.Context, string, string, int) ([]agent.Message, error) {
	return func(_ context.Context, user, conv string, _ int) ([]agent.Message, error) {
		if user != owner {
			return nil, storage.ErrNotFound
		}
		for _, id := range ids {
			if id == conv {
				return nil, nil
			}
		}
		return nil, storage.ErrNotFound
	}
}

// --- helpers ---

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

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ProcessTurn(t *testing.T) {
	var got conversation.Request
	deps := MCPDeps{Turns: &mockTurns{handleFn: func(_ context.Context, req conversation.Request) (conversation.Response, error) {
		got = req
		return conversation.Response{Response: "どんな問いにしますか？", SupportType: agent.Understanding, ConversationID: "c1"}, nil
	}}}

	result, err := mcpProcessTurn(deps)(context.Background(), makeCallToolRequest("process_turn", map[string]interface{}{
		"message":    "テーマを決めたい",
		"project_id": "p1",
		"mock_mode":  true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got.UserID != DefaultUserID || got.ProjectID != "p1" || !got.MockMode {
		t.Errorf("request = %+v", got)
	}

	var resp conversation.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if resp.ConversationID != "c1" || resp.SupportType != agent.Understanding {
		t.Errorf("response = %+v", resp)
	}
}

func TestMCPTool_ProcessTurn_MissingMessage(t *testing.T) {
	result, err := mcpProcessTurn(MCPDeps{Turns: &mockTurns{}})(context.Background(), makeCallToolRequest("process_turn", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_ProcessTurn_ErrorKind(t *testing.T) {
	deps := MCPDeps{Turns: &mockTurns{handleFn: func(context.Context, conversation.Request) (conversation.Response, error) {
		return conversation.Response{}, errors.Join(agent.ErrStorage, errors.New("disk full"))
	}}}
	result, _ := mcpProcessTurn(deps)(context.Background(), makeCallToolRequest("process_turn", map[string]interface{}{"message": "x"}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if text := toolText(t, result); !strings.Contains(text, "storage_error") {
		t.Errorf("error text = %q, want kind", text)
	}
}

func TestMCPTool_Recall(t *testing.T) {
	searcher := &mockSearcher{results: []retrieval.Result{{ID: "m1", Text: "水質の話", Score: 0.9}}}
	deps := MCPDeps{
		Turns:    &mockTurns{messagesFn: ownedConversations(DefaultUserID, "c1")},
		Searcher: searcher,
	}

	result, err := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"conversation_id": "c1",
		"query":           "水質",
		"limit":           float64(500),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if searcher.got.K != 50 || searcher.got.ConversationID != "c1" || !searcher.got.UseMMR {
		t.Errorf("query = %+v", searcher.got)
	}

	var hits []retrieval.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("decoding hits: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "m1" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMCPTool_Recall_DefaultLimitAndEmpty(t *testing.T) {
	searcher := &mockSearcher{}
	deps := MCPDeps{Turns: &mockTurns{messagesFn: ownedConversations(DefaultUserID, "c1")}, Searcher: searcher}
	result, _ := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"conversation_id": "c1",
		"query":           "x",
	}))
	if searcher.got.K != 5 {
		t.Errorf("K = %d, want 5", searcher.got.K)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("empty result = %q", text)
	}
}

func TestMCPTool_Recall_ForeignConversation(t *testing.T) {
	searcher := &mockSearcher{results: []retrieval.Result{{ID: "m1"}}}
	deps := MCPDeps{Turns: &mockTurns{messagesFn: ownedConversations("someone-else", "c1")}, Searcher: searcher}
	result, _ := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"conversation_id": "c1",
		"query":           "x",
	}))
	if !result.IsError {
		t.Error("expected tool error for a conversation owned by another user")
	}
	if searcher.got.Text != "" {
		t.Error("searcher called despite failed ownership check")
	}
}

func TestMCPTool_Recall_NoSearcher(t *testing.T) {
	result, _ := mcpRecall(MCPDeps{Turns: &mockTurns{}})(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"conversation_id": "c1",
		"query":           "x",
	}))
	if !result.IsError {
		t.Error("expected tool error without a searcher")
	}
}

func TestMCPTool_Recall_SearchError(t *testing.T) {
	deps := MCPDeps{
		Turns:    &mockTurns{messagesFn: ownedConversations(DefaultUserID, "c1")},
		Searcher: &mockSearcher{err: errors.New("embedder down")},
	}
	result, _ := mcpRecall(deps)(context.Background(), makeCallToolRequest("recall", map[string]interface{}{
		"conversation_id": "c1",
		"query":           "x",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "embedder down") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_SetProject(t *testing.T) {
	var gotUser string
	var got agent.ProjectContext
	deps := MCPDeps{UserID: "u9", Turns: &mockTurns{projectFn: func(_ context.Context, user string, pc agent.ProjectContext) error {
		gotUser, got = user, pc
		return nil
	}}}
	// NewMCPServer fills the default; direct handler use keeps the explicit one.
	result, err := mcpSetProject(deps)(context.Background(), makeCallToolRequest("set_project", map[string]interface{}{
		"project_id": "p1",
		"theme":      "地域の防災",
		"hypothesis": "避難訓練の頻度が意識を高める",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if gotUser != "u9" || got.ID != "p1" || got.Theme != "地域の防災" || got.Question != "" {
		t.Errorf("user = %q project = %+v", gotUser, got)
	}
}

func TestMCPTool_SetProject_Rejected(t *testing.T) {
	deps := MCPDeps{Turns: &mockTurns{projectFn: func(context.Context, string, agent.ProjectContext) error {
		return storage.ErrConflict
	}}}
	result, _ := mcpSetProject(deps)(context.Background(), makeCallToolRequest("set_project", map[string]interface{}{"project_id": "p1"}))
	if !result.IsError {
		t.Error("expected tool error")
	}

	result, _ = mcpSetProject(deps)(context.Background(), makeCallToolRequest("set_project", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected tool error without project_id")
	}
}

func TestMCPResource_Metrics(t *testing.T) {
	deps := MCPDeps{Metrics: func(context.Context) (any, error) {
		return map[string]any{"jobs": map[string]int{"pending": 2}}, nil
	}}
	contents, err := mcpResourceMetrics(deps)(context.Background(), makeReadResourceRequest("metrics://llm"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "metrics://llm" || !strings.Contains(tc.Text, `"pending":2`) {
		t.Errorf("contents = %+v", tc)
	}

	if _, err := mcpResourceMetrics(MCPDeps{Metrics: func(context.Context) (any, error) {
		return nil, errors.New("boom")
	}})(context.Background(), makeReadResourceRequest("metrics://llm")); err == nil {
		t.Error("expected error from failing metrics source")
	}
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(MCPDeps{Turns: &mockTurns{}})
	if s == nil {
		t.Fatal("nil server")
	}
}

func TestMCPDeps_UserIDDefault(t *testing.T) {
	if got := (MCPDeps{}).userID(); got != DefaultUserID {
		t.Errorf("userID() = %q, want %q", got, DefaultUserID)
	}
	if got := (MCPDeps{UserID: "u9"}).userID(); got != "u9" {
		t.Errorf("userID() = %q, want u9", got)
	}
}
