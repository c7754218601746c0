package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/parley/internal/fanout"
	"github.com/kalambet/parley/internal/provider"
	"github.com/kalambet/parley/internal/storage"
)

const defaultGenerationTimeout = 300 * time.Second

// fallbackContent is written as the assistant turn when generation fails, so
// the conversation history stays coherent and viewers have something to
// render.
const fallbackContent = "The service is temporarily unavailable. Please try again in a moment."

// ChunkStream is the finite, sequential stream of one completion call.
type ChunkStream interface {
	Recv() (provider.Chunk, error)
	Close() error
}

// StreamOpener opens a streaming completion call.
type StreamOpener interface {
	Stream(ctx context.Context, model string, messages []provider.Message) (ChunkStream, error)
}

// StreamFunc adapts a function to StreamOpener.
type StreamFunc func(ctx context.Context, model string, messages []provider.Message) (ChunkStream, error)

func (f StreamFunc) Stream(ctx context.Context, model string, messages []provider.Message) (ChunkStream, error) {
	return f(ctx, model, messages)
}

// FinishStore is the slice of the conversation store the worker needs.
type FinishStore interface {
	FinishGeneration(convID string, turn storage.Turn) error
	ReleaseConversation(id string) error
}

// Publisher publishes fan-out events. Publication must never block the
// worker; the broker guarantees that.
type Publisher interface {
	Publish(topic string, ev fanout.Event)
}

// Worker performs one generation per invocation: it opens the provider
// stream, relays chunks to the fan-out topic as they arrive, accumulates the
// full text, and finalizes the assistant turn. Whatever happens — provider
// error, timeout, store failure, even a panic — the conversation's
// processing flag is cleared before the worker terminates.
type Worker struct {
	opener  StreamOpener
	store   FinishStore
	broker  Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If timeout <= 0 the default (300s) is used.
func NewWorker(opener StreamOpener, store FinishStore, broker Publisher, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	return &Worker{
		opener:  opener,
		store:   store,
		broker:  broker,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Generate runs one generation to completion. It is intended to run on its
// own goroutine, decoupled from the request that triggered it.
func (w *Worker) Generate(ctx context.Context, conv storage.Conversation, history []provider.Message) {
	topic := fanout.Topic(conv.UserID, conv.ID)

	// A programmer error must still reach the failure path: the one
	// invariant that holds under every failure mode is that the processing
	// flag does not stay stuck.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("generation panicked", "conversation_id", conv.ID, "panic", r)
			w.fail(conv, topic, fmt.Errorf("generation panicked: %v", r))
		}
	}()

	w.broker.Publish(topic, fanout.Event{Type: fanout.EventGenerationStarted})

	text, usage, err := w.consume(ctx, conv, history, topic)
	if err != nil {
		w.fail(conv, topic, err)
		return
	}

	turn := storage.Turn{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		Content:        text,
	}
	if usage != nil {
		turn.PromptTokens = usage.PromptTokens
		turn.CompletionTokens = usage.CompletionTokens
		turn.TotalTokens = usage.TotalTokens
		turn.Cost = usage.Cost
	}

	if err := w.store.FinishGeneration(conv.ID, turn); err != nil {
		w.fail(conv, topic, fmt.Errorf("finalizing assistant turn: %w", err))
		return
	}

	w.broker.Publish(topic, fanout.Event{Type: fanout.EventGenerationCompleted, Turn: &turn})
}

// consume drains the provider stream under the hard wall-clock timeout. The
// stream is read on a dedicated goroutine so the timeout is enforced
// independently of the provider's own behavior; chunk publication is
// fire-and-forget and accumulation happens regardless of delivery.
func (w *Worker) consume(ctx context.Context, conv storage.Conversation, history []provider.Message, topic string) (string, *provider.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	stream, err := w.opener.Stream(ctx, conv.Model, history)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	chunks := make(chan provider.Chunk)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case chunks <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var sb strings.Builder
	var usage *provider.Usage
	for chunk := range chunks {
		switch chunk.Type {
		case provider.ChunkContent:
			sb.WriteString(chunk.Text)
			w.broker.Publish(topic, fanout.Event{Type: fanout.EventTokenChunk, Text: chunk.Text})
		case provider.ChunkUsage:
			usage = chunk.Usage
		default:
			// Unknown chunk kinds are ignorable, not fatal.
		}
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil, fmt.Errorf("generation timed out after %s: %w", w.timeout, err)
		}
		return "", nil, err
	}
	return sb.String(), usage, nil
}

// fail runs the failure path: write a fallback assistant turn so the history
// stays coherent; if even that fails, clear the processing flag
// unconditionally. Either way, publish both the structured failure and the
// generic error notification (two notifications of one underlying failure).
func (w *Worker) fail(conv storage.Conversation, topic string, cause error) {
	w.logger.Error("generation failed", "conversation_id", conv.ID, "error", cause)

	fallback := storage.Turn{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		Content:        fallbackContent,
	}
	if err := w.store.FinishGeneration(conv.ID, fallback); err != nil {
		w.logger.Error("writing fallback turn failed", "conversation_id", conv.ID, "error", err)
		if relErr := w.store.ReleaseConversation(conv.ID); relErr != nil {
			// Nothing left to try; the stale-claim sweep is the backstop.
			w.logger.Error("releasing conversation failed", "conversation_id", conv.ID, "error", relErr)
		}
	}

	w.broker.Publish(topic, fanout.Event{Type: fanout.EventGenerationFailed, Reason: failReason(cause)})
	w.broker.Publish(topic, fanout.Event{Type: fanout.EventError, Message: cause.Error()})
}

func failReason(cause error) string {
	if errors.Is(cause, context.DeadlineExceeded) {
		return "timeout"
	}
	return "provider_error"
}
