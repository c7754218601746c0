// Package chat orchestrates message submission and assistant-turn
// generation: single-flight claiming per conversation, admission control,
// and the background streaming worker.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/parley/internal/provider"
	"github.com/kalambet/parley/internal/ratelimit"
	"github.com/kalambet/parley/internal/storage"
)

// ErrInvalidContent is returned for submissions that fail validation.
var ErrInvalidContent = errors.New("invalid content")

const (
	defaultHistoryDepth = 100
	maxContentLength    = 32_000 // runes
)

// Store is the slice of the conversation store the dispatcher needs.
type Store interface {
	GetConversation(id string) (storage.Conversation, error)
	AcceptSubmission(convID string, turn storage.Turn) error
	ReleaseConversation(id string) error
	RecentTurns(convID string, n int) ([]storage.Turn, error)
}

// Admission gates submissions by user. A non-ErrLimited error means the
// check itself failed; the dispatcher fails closed and rejects.
type Admission interface {
	Check(ctx context.Context, userID string) (ratelimit.Standing, error)
}

// Dispatcher guarantees at most one in-flight generation per conversation.
// The gate is the store's conditional update on the processing flag, so the
// guarantee holds across multiple server processes sharing the database.
type Dispatcher struct {
	store        Store
	limiter      Admission
	worker       *Worker
	historyDepth int
	logger       *slog.Logger

	running sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. If historyDepth <= 0, the default
// (100) is used.
func NewDispatcher(store Store, limiter Admission, worker *Worker, historyDepth int) *Dispatcher {
	if historyDepth <= 0 {
		historyDepth = defaultHistoryDepth
	}
	return &Dispatcher{
		store:        store,
		limiter:      limiter,
		worker:       worker,
		historyDepth: historyDepth,
		logger:       slog.Default(),
	}
}

// Submit accepts a user message for the conversation and starts a
// generation. On success the user turn is durable, the conversation is
// claimed, and the worker is running; the assistant's reply arrives through
// the fan-out topic. Rejections:
//
//   - ErrInvalidContent (wrapped with the reason) for validation failures
//   - storage.ErrNotFound when the conversation is missing or not owned
//     by userID
//   - *ratelimit.ErrLimited when a rate window is exhausted
//   - storage.ErrConversationBusy when a generation is already in flight
//
// Any other error is an infrastructure failure; nothing was accepted.
func (d *Dispatcher) Submit(ctx context.Context, convID, userID, content string) (*storage.Turn, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	conv, err := d.store.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		// Ownership mismatch reads the same as a missing conversation.
		return nil, storage.ErrNotFound
	}

	// Fail closed: a store error during the admission check rejects the
	// request rather than admitting unlimited throughput.
	if _, err := d.limiter.Check(ctx, userID); err != nil {
		return nil, err
	}

	turn := storage.Turn{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           storage.RoleUser,
		Content:        content,
	}
	if err := d.store.AcceptSubmission(convID, turn); err != nil {
		return nil, err
	}

	if err := d.startGeneration(conv); err != nil {
		// The submission committed but the worker cannot start; release so
		// the conversation does not sit claimed with no generation running.
		if relErr := d.store.ReleaseConversation(convID); relErr != nil {
			d.logger.Error("releasing conversation after failed start", "conversation_id", convID, "error", relErr)
		}
		return nil, err
	}

	return &turn, nil
}

// startGeneration rolls up the turn history and spawns the worker. The
// worker runs decoupled from the submitting request's context: the caller
// has already been answered by the time generation finishes.
func (d *Dispatcher) startGeneration(conv storage.Conversation) error {
	turns, err := d.store.RecentTurns(conv.ID, d.historyDepth)
	if err != nil {
		return fmt.Errorf("loading turn history: %w", err)
	}

	history := buildHistory(conv, turns)

	d.running.Add(1)
	go func() {
		defer d.running.Done()
		d.worker.Generate(context.Background(), conv, history)
	}()
	return nil
}

// Release unconditionally clears the conversation's processing flag. It is
// idempotent and exists for the administrative recovery path.
func (d *Dispatcher) Release(ctx context.Context, convID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.store.ReleaseConversation(convID)
}

// Wait blocks until all in-flight generations have terminated. Used on
// shutdown and by tests.
func (d *Dispatcher) Wait() {
	d.running.Wait()
}

func validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidContent, maxContentLength)
	}
	return nil
}

// buildHistory converts the rolled-up turns (oldest-first, already capped at
// the history depth) into provider messages, prepending the conversation's
// system instruction when present.
func buildHistory(conv storage.Conversation, turns []storage.Turn) []provider.Message {
	history := make([]provider.Message, 0, len(turns)+1)
	if conv.SystemPrompt != "" {
		history = append(history, provider.Message{Role: "system", Content: conv.SystemPrompt})
	}
	for _, t := range turns {
		history = append(history, provider.Message{Role: t.Role, Content: t.Content})
	}
	return history
}
