// Package api exposes the orchestration core over HTTP (and MCP, see
// mcp.go): conversation management, message submission, the live event
// stream, and usage stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/parley/internal/chat"
	"github.com/kalambet/parley/internal/fanout"
	"github.com/kalambet/parley/internal/ratelimit"
	"github.com/kalambet/parley/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ConversationStore is the slice of the store the HTTP layer reads and
// writes directly. Submission goes through Submitter instead.
type ConversationStore interface {
	CreateConversation(c storage.Conversation) error
	GetConversation(id string) (storage.Conversation, error)
	ListConversations(userID string, limit int) ([]storage.Conversation, error)
	DeleteConversation(id string) error
	RecentTurns(convID string, n int) ([]storage.Turn, error)
}

// Submitter accepts messages and releases stuck conversations.
type Submitter interface {
	Submit(ctx context.Context, convID, userID, content string) (*storage.Turn, error)
	Release(ctx context.Context, convID string) error
}

// UsageReader projects per-window usage for display.
type UsageReader interface {
	Stats(ctx context.Context, userID string) (ratelimit.Standing, error)
}

// Subscriber attaches viewers to a conversation's event topic.
type Subscriber interface {
	Subscribe(topic string) *fanout.Subscription
}

// Deps holds the handler dependencies.
type Deps struct {
	Store        ConversationStore
	Dispatcher   Submitter
	Usage        UsageReader
	Broker       Subscriber
	Token        string
	DefaultModel string
	SystemPrompt string // default system instruction for new conversations
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token. The caller's identity arrives in the X-User-ID header; the
// surrounding deployment is expected to have authenticated it.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/conversations", handleCreateConversation(deps))
		r.Get("/v1/conversations", handleListConversations(deps))
		r.Get("/v1/conversations/{conversationID}", handleGetConversation(deps))
		r.Delete("/v1/conversations/{conversationID}", handleDeleteConversation(deps))

		r.Post("/v1/conversations/{conversationID}/messages", handleSubmitMessage(deps))
		r.Get("/v1/conversations/{conversationID}/events", handleEvents(deps))
		r.Post("/v1/conversations/{conversationID}/release", handleRelease(deps))

		r.Get("/v1/usage", handleUsage(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- JSON shapes ---

type conversationJSON struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Processing   bool   `json:"processing"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type turnJSON struct {
	ID               string  `json:"id"`
	ConversationID   string  `json:"conversation_id"`
	Role             string  `json:"role"`
	Content          string  `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func toConversationJSON(c storage.Conversation) conversationJSON {
	return conversationJSON{
		ID:           c.ID,
		UserID:       c.UserID,
		Model:        c.Model,
		Title:        c.Title,
		SystemPrompt: c.SystemPrompt,
		Processing:   c.Processing,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
}

func toTurnJSON(t storage.Turn) turnJSON {
	return turnJSON{
		ID:               t.ID,
		ConversationID:   t.ConversationID,
		Role:             t.Role,
		Content:          t.Content,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		Cost:             t.Cost,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
}

// --- Conversations ---

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Model        string `json:"model"`
			Title        string `json:"title"`
			SystemPrompt string `json:"system_prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}

		conv := storage.Conversation{
			ID:           uuid.New().String(),
			UserID:       userID,
			Model:        req.Model,
			Title:        req.Title,
			SystemPrompt: req.SystemPrompt,
			CreatedAt:    time.Now().UTC(),
		}
		if conv.Model == "" {
			conv.Model = deps.DefaultModel
		}
		if conv.SystemPrompt == "" {
			conv.SystemPrompt = deps.SystemPrompt
		}

		if err := deps.Store.CreateConversation(conv); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, toConversationJSON(conv))
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		limit := queryInt(r, "limit", 50)
		convs, err := deps.Store.ListConversations(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}

		out := make([]conversationJSON, 0, len(convs))
		for _, c := range convs {
			out = append(out, toConversationJSON(c))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := ownedConversation(deps, w, r)
		if !ok {
			return
		}

		limit := queryInt(r, "limit", 100)
		turns, err := deps.Store.RecentTurns(conv.ID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading turns: %v", err)
			return
		}

		turnsOut := make([]turnJSON, 0, len(turns))
		for _, t := range turns {
			turnsOut = append(turnsOut, toTurnJSON(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": toConversationJSON(conv),
			"turns":        turnsOut,
		})
	}
}

func handleDeleteConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := ownedConversation(deps, w, r)
		if !ok {
			return
		}

		if err := deps.Store.DeleteConversation(conv.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "conversation not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "deleting conversation: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Submission ---

func handleSubmitMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		convID := chi.URLParam(r, "conversationID")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}

		turn, err := deps.Dispatcher.Submit(r.Context(), convID, userID, req.Content)
		if err != nil {
			writeSubmitError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"turn": toTurnJSON(*turn)})
	}
}

// writeSubmitError maps the dispatcher's rejection taxonomy onto HTTP. The
// status says what kind of rejection it was; anything unrecognized is an
// infrastructure failure and the submission was not accepted.
func writeSubmitError(w http.ResponseWriter, err error) {
	var limited *ratelimit.ErrLimited
	switch {
	case errors.Is(err, storage.ErrConversationBusy):
		httpError(w, http.StatusConflict, "already_processing", "a generation is already in flight for this conversation")
	case errors.As(err, &limited):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": limited.Error(),
				"type":    "rate_limited",
				"window":  string(limited.Window),
			},
		})
	case errors.Is(err, chat.ErrInvalidContent):
		httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		httpError(w, http.StatusServiceUnavailable, "api_error", "submission failed: %v", err)
	}
}

func handleRelease(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := ownedConversation(deps, w, r)
		if !ok {
			return
		}

		if err := deps.Dispatcher.Release(r.Context(), conv.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "releasing conversation: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Event stream ---

// handleEvents relays the conversation's fan-out topic to the client as
// server-sent events. Subscribe before submitting to observe the whole
// generation; the stream stays open across generations until the client
// disconnects.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := ownedConversation(deps, w, r)
		if !ok {
			return
		}

		flusher, okF := w.(http.Flusher)
		if !okF {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sub := deps.Broker.Subscribe(fanout.Topic(conv.UserID, conv.ID))
		defer sub.Cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, okC := <-sub.C:
				if !okC {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				flusher.Flush()
			}
		}
	}
}

// --- Usage ---

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		standing, err := deps.Usage.Stats(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading usage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, standing)
	}
}

// --- Helpers ---

// ownedConversation loads the conversation in the URL and verifies the
// caller owns it; a mismatch reads the same as not found.
func ownedConversation(deps Deps, w http.ResponseWriter, r *http.Request) (storage.Conversation, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return storage.Conversation{}, false
	}
	convID := chi.URLParam(r, "conversationID")

	conv, err := deps.Store.GetConversation(convID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		} else {
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
		}
		return storage.Conversation{}, false
	}
	if conv.UserID != userID {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return storage.Conversation{}, false
	}
	return conv, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		httpError(w, http.StatusBadRequest, "validation_error", "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
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
