// Package api exposes the Turn API over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/conversation"
	"github.com/kalambet/tankyu/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TurnService is the conversation layer the API drives.
// Implemented by conversation.Service.
type TurnService interface {
	HandleTurn(ctx context.Context, req conversation.Request) (conversation.Response, error)
	Messages(ctx context.Context, userID, conversationID string, limit int) ([]agent.Message, error)
	Summary(ctx context.Context, userID, conversationID string) (conversation.Summary, error)
	SetProject(ctx context.Context, userID string, pc agent.ProjectContext) error
}

// MetricsFunc reports service metrics as a JSON-encodable value.
type MetricsFunc func(ctx context.Context) (any, error)

// RecoverFunc re-opens unhealthy LLM pools and returns how many it re-opened.
type RecoverFunc func(ctx context.Context) int

type Deps struct {
	Turns   TurnService
	Metrics MetricsFunc // optional
	Recover RecoverFunc // optional
	Token   string
}

// NewHandler returns the HTTP surface. Everything but /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/v1/turns", handleTurn(deps))
		r.Get("/v1/conversations/{id}/messages", handleMessages(deps))
		r.Get("/v1/conversations/{id}/summary", handleSummary(deps))
		r.Put("/v1/projects/{id}", handlePutProject(deps))
		r.Get("/v1/metrics", handleMetrics(deps))
		r.Post("/v1/llm/recover", handleRecover(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req conversation.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.UserID = userID(r)

		resp, err := deps.Turns.HandleTurn(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", conversation.DefaultHistoryLimit, conversation.MaxHistoryLimit)
		msgs, err := deps.Turns.Messages(r.Context(), userID(r), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

func handleSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Turns.Summary(r.Context(), userID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handlePutProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var pc agent.ProjectContext
		if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		pc.ID = chi.URLParam(r, "id")

		if err := deps.Turns.SetProject(r.Context(), userID(r), pc); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pc)
	}
}

func handleRecover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if deps.Recover != nil {
			n = deps.Recover(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
	}
}

func handleMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Metrics == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		m, err := deps.Metrics(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// writeError maps the agent error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code, kind := http.StatusInternalServerError, agent.Kind(err)
	switch {
	case agent.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found_error"
	case errors.Is(err, storage.ErrConflict):
		code, kind = http.StatusConflict, "conflict_error"
	case errors.Is(err, agent.ErrStorage):
		code = http.StatusInternalServerError
	case errors.Is(err, agent.ErrExternalTimeout), errors.Is(err, agent.ErrExternalFailure):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind, "error", err)
	}
	httpError(w, code, kind, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
