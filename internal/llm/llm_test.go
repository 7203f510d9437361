package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/ollama"
	"github.com/kalambet/tankyu/internal/proxy"
)

func testMsgs() []Message {
	return []Message{
		{Role: RoleSystem, Content: "あなたは探究学習のチューターです"},
		{Role: RoleUser, Content: "研究テーマを決めたいです"},
	}
}

func TestClassify(t *testing.T) {
	if Classify("x", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if err := Classify("x", context.DeadlineExceeded); !errors.Is(err, agent.ErrExternalTimeout) {
		t.Errorf("deadline: %v", err)
	}
	if err := Classify("x", fmt.Errorf("wrapped: %w", context.Canceled)); !errors.Is(err, agent.ErrExternalTimeout) {
		t.Errorf("canceled: %v", err)
	}
	err := Classify("x", errors.New("boom"))
	if !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("failure: %v", err)
	}
	if again := Classify("y", err); again != err {
		t.Error("already classified error must be returned unchanged")
	}
}

func TestScripted(t *testing.T) {
	s := NewScripted(
		Rule{Contains: "要約", Reply: "summary"},
		Rule{Contains: "壊れ", Err: errors.New("down")},
		Rule{Reply: "default"},
	)
	ctx := context.Background()

	got, err := s.Chat(ctx, []Message{{Role: RoleUser, Content: "会話を要約して"}}, Options{})
	if err != nil || got != "summary" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := s.Chat(ctx, []Message{{Role: RoleUser, Content: "壊れた"}}, Options{}); !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("scripted error: %v", err)
	}
	got, _ = s.Chat(ctx, testMsgs(), Options{})
	if got != "default" {
		t.Errorf("fallthrough rule: %q", got)
	}
	if len(s.Calls()) != 3 {
		t.Errorf("Calls = %d", len(s.Calls()))
	}

	empty := NewScripted()
	if _, err := empty.Chat(ctx, testMsgs(), Options{}); !errors.Is(err, ErrNoScript) {
		t.Errorf("no rules: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Chat(cancelled, testMsgs(), Options{}); !errors.Is(err, agent.ErrExternalTimeout) {
		t.Errorf("cancelled: %v", err)
	}
}

func TestOllamaAdapter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"ok\":true}"}}`)
	}))
	defer srv.Close()

	c := NewOllama(ollama.New(srv.URL), "llama3.2")
	got, err := c.Chat(context.Background(), testMsgs(), Options{Temperature: 0.3, MaxTokens: 100, Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != `{"ok":true}` {
		t.Errorf("got %q", got)
	}
	if body["model"] != "llama3.2" {
		t.Errorf("model = %v", body["model"])
	}
	if _, ok := body["format"].(map[string]any); !ok {
		t.Errorf("format not forwarded: %v", body["format"])
	}
	opts, _ := body["options"].(map[string]any)
	if opts["num_predict"] != float64(100) {
		t.Errorf("options = %v", opts)
	}
}

func TestOllamaAdapter_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllama(ollama.New(srv.URL), "m").Chat(context.Background(), testMsgs(), Options{})
	if !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("expected ErrExternalFailure, got %v", err)
	}
}

func TestOpenRouterAdapter(t *testing.T) {
	var req proxy.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprint(w, `{"id":"1","choices":[{"message":{"role":"assistant","content":"はい"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouter(proxy.NewClientWithBaseURL("k", srv.URL), "openai/gpt-4o-mini")
	got, err := c.Chat(context.Background(), testMsgs(), Options{Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "はい" {
		t.Errorf("got %q", got)
	}
	if req.Model != "openai/gpt-4o-mini" || len(req.Messages) != 2 {
		t.Errorf("request = %+v", req)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" {
		t.Errorf("response_format = %+v", req.ResponseFormat)
	}
}

func TestAnthropicAdapter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5",
			"content":[{"type":"text","text":"こんにちは"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	c := NewAnthropic("test-key", "claude-haiku-4-5", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	got, err := c.Chat(context.Background(), testMsgs(), Options{Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "こんにちは" {
		t.Errorf("got %q", got)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("system message must be lifted out of messages, got %d", len(msgs))
	}
	system, _ := json.Marshal(body["system"])
	if !strings.Contains(string(system), "チューター") || !strings.Contains(string(system), "JSON schema") {
		t.Errorf("system = %s", system)
	}
	if body["max_tokens"] != float64(anthropicMaxTokens) {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
}

func TestNew_Providers(t *testing.T) {
	tests := []struct {
		cfg     ProviderConfig
		wantErr bool
	}{
		{ProviderConfig{Provider: ProviderOllama, OllamaURL: "http://localhost:11434"}, false},
		{ProviderConfig{Provider: ProviderScripted}, false},
		{ProviderConfig{Provider: ProviderOpenRouter}, true},
		{ProviderConfig{Provider: ProviderOpenRouter, APIKey: "k"}, false},
		{ProviderConfig{Provider: ProviderAnthropic}, true},
		{ProviderConfig{Provider: ProviderAnthropic, APIKey: "k", Model: "claude-haiku-4-5"}, false},
		{ProviderConfig{Provider: ProviderOpenAI}, true},
		{ProviderConfig{Provider: "bogus"}, true},
	}
	for _, tt := range tests {
		c, err := New(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q): err = %v, wantErr %v", tt.cfg.Provider, err, tt.wantErr)
		}
		if err == nil && c == nil {
			t.Errorf("New(%q) returned nil client", tt.cfg.Provider)
		}
	}
}
