package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/parley/internal/fanout"
	"github.com/kalambet/parley/internal/provider"
	"github.com/kalambet/parley/internal/ratelimit"
	"github.com/kalambet/parley/internal/storage"
)

type mockAdmission struct {
	checkFunc func(ctx context.Context, userID string) (ratelimit.Standing, error)
}

func (m *mockAdmission) Check(ctx context.Context, userID string) (ratelimit.Standing, error) {
	if m.checkFunc != nil {
		return m.checkFunc(ctx, userID)
	}
	return ratelimit.Standing{}, nil
}

func ownedConvStore() *mockConvStore {
	return &mockConvStore{
		getConversationFunc: func(id string) (storage.Conversation, error) {
			if id != "conv-1" {
				return storage.Conversation{}, storage.ErrNotFound
			}
			return testConversation(), nil
		},
	}
}

func newTestDispatcher(store *mockConvStore, limiter Admission, stream ChunkStream) (*Dispatcher, *recordingBroker) {
	broker := &recordingBroker{}
	worker := NewWorker(openerFor(stream), store, broker, time.Minute)
	return NewDispatcher(store, limiter, worker, 0), broker
}

func TestSubmit_Success(t *testing.T) {
	store := ownedConvStore()
	stream := &scriptedStream{
		chunks:   []provider.Chunk{contentChunk("reply")},
		terminal: io.EOF,
	}
	d, broker := newTestDispatcher(store, &mockAdmission{}, stream)

	turn, err := d.Submit(context.Background(), "conv-1", "user-1", "What is Go?")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if turn.Role != storage.RoleUser || turn.Content != "What is Go?" {
		t.Errorf("returned turn = %+v", turn)
	}
	if turn.ID == "" {
		t.Error("turn should get a generated ID")
	}

	d.Wait()

	if len(store.accepted) != 1 {
		t.Fatalf("accepted submissions = %d, want 1", len(store.accepted))
	}
	finished := store.finishedTurns()
	if len(finished) != 1 || finished[0].Content != "reply" {
		t.Errorf("finished turns = %+v, want one with content %q", finished, "reply")
	}
	if n := len(broker.ofType(fanout.EventGenerationCompleted)); n != 1 {
		t.Errorf("generation-completed events = %d, want 1", n)
	}
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"invalid utf8", "hi\xff\xfe"},
		{"too long", strings.Repeat("a", maxContentLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := ownedConvStore()
			d, _ := newTestDispatcher(store, &mockAdmission{}, nil)

			_, err := d.Submit(context.Background(), "conv-1", "user-1", tt.content)
			if !errors.Is(err, ErrInvalidContent) {
				t.Fatalf("Submit = %v, want ErrInvalidContent", err)
			}
			if len(store.accepted) != 0 {
				t.Error("invalid content must not be accepted")
			}
		})
	}
}

func TestSubmit_MaxLengthContentAccepted(t *testing.T) {
	store := ownedConvStore()
	stream := &scriptedStream{terminal: io.EOF}
	d, _ := newTestDispatcher(store, &mockAdmission{}, stream)

	// Multibyte runes: the cap counts characters, not bytes.
	content := strings.Repeat("é", maxContentLength)
	if _, err := d.Submit(context.Background(), "conv-1", "user-1", content); err != nil {
		t.Fatalf("Submit at the length cap should succeed: %v", err)
	}
	d.Wait()
}

func TestSubmit_UnknownConversation(t *testing.T) {
	d, _ := newTestDispatcher(ownedConvStore(), &mockAdmission{}, nil)

	_, err := d.Submit(context.Background(), "missing", "user-1", "hello")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Submit = %v, want ErrNotFound", err)
	}
}

func TestSubmit_OwnershipMismatchReadsAsNotFound(t *testing.T) {
	store := ownedConvStore()
	d, _ := newTestDispatcher(store, &mockAdmission{}, nil)

	_, err := d.Submit(context.Background(), "conv-1", "someone-else", "hello")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Submit = %v, want ErrNotFound", err)
	}
	if len(store.accepted) != 0 {
		t.Error("foreign submission must not be accepted")
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	store := ownedConvStore()
	limiter := &mockAdmission{
		checkFunc: func(context.Context, string) (ratelimit.Standing, error) {
			return ratelimit.Standing{}, &ratelimit.ErrLimited{Window: ratelimit.WindowMinute}
		},
	}
	d, _ := newTestDispatcher(store, limiter, nil)

	_, err := d.Submit(context.Background(), "conv-1", "user-1", "hello")
	var limited *ratelimit.ErrLimited
	if !errors.As(err, &limited) {
		t.Fatalf("Submit = %v, want *ratelimit.ErrLimited", err)
	}
	if limited.Window != ratelimit.WindowMinute {
		t.Errorf("Window = %q, want per_minute", limited.Window)
	}
	if len(store.accepted) != 0 {
		t.Error("rate-limited submission must not be accepted")
	}
}

func TestSubmit_AdmissionCheckFailureRejects(t *testing.T) {
	store := ownedConvStore()
	limiter := &mockAdmission{
		checkFunc: func(context.Context, string) (ratelimit.Standing, error) {
			return ratelimit.Standing{}, errors.New("database locked")
		},
	}
	d, _ := newTestDispatcher(store, limiter, nil)

	if _, err := d.Submit(context.Background(), "conv-1", "user-1", "hello"); err == nil {
		t.Fatal("Submit must fail closed when the admission check fails")
	}
	if len(store.accepted) != 0 {
		t.Error("submission must not be accepted when the admission check fails")
	}
}

func TestSubmit_Busy(t *testing.T) {
	store := ownedConvStore()
	store.acceptSubmissionFunc = func(string, storage.Turn) error {
		return storage.ErrConversationBusy
	}
	d, _ := newTestDispatcher(store, &mockAdmission{}, nil)

	_, err := d.Submit(context.Background(), "conv-1", "user-1", "hello")
	if !errors.Is(err, storage.ErrConversationBusy) {
		t.Errorf("Submit = %v, want ErrConversationBusy", err)
	}
}

// TestSubmit_StartFailureReleasesClaim covers the gap between a committed
// submission and a worker that cannot start: the claim must not stay held.
func TestSubmit_StartFailureReleasesClaim(t *testing.T) {
	store := ownedConvStore()
	store.recentTurnsFunc = func(string, int) ([]storage.Turn, error) {
		return nil, errors.New("database locked")
	}
	d, _ := newTestDispatcher(store, &mockAdmission{}, nil)

	if _, err := d.Submit(context.Background(), "conv-1", "user-1", "hello"); err == nil {
		t.Fatal("Submit should fail when the history cannot be loaded")
	}
	released := store.releasedIDs()
	if len(released) != 1 || released[0] != "conv-1" {
		t.Errorf("released = %v, want [conv-1]", released)
	}
}

func TestSubmit_HistoryPassedToProvider(t *testing.T) {
	store := ownedConvStore()
	store.getConversationFunc = func(id string) (storage.Conversation, error) {
		conv := testConversation()
		conv.SystemPrompt = "Be terse."
		return conv, nil
	}
	store.recentTurnsFunc = func(string, int) ([]storage.Turn, error) {
		return []storage.Turn{
			{Role: storage.RoleUser, Content: "first question"},
			{Role: storage.RoleAssistant, Content: "first answer"},
			{Role: storage.RoleUser, Content: "second question"},
		}, nil
	}

	var gotHistory []provider.Message
	broker := &recordingBroker{}
	opener := StreamFunc(func(_ context.Context, _ string, messages []provider.Message) (ChunkStream, error) {
		gotHistory = messages
		return &scriptedStream{terminal: io.EOF}, nil
	})
	worker := NewWorker(opener, store, broker, time.Minute)
	d := NewDispatcher(store, &mockAdmission{}, worker, 0)

	if _, err := d.Submit(context.Background(), "conv-1", "user-1", "second question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	d.Wait()

	want := []provider.Message{
		{Role: "system", Content: "Be terse."},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if len(gotHistory) != len(want) {
		t.Fatalf("history length = %d, want %d: %+v", len(gotHistory), len(want), gotHistory)
	}
	for i, w := range want {
		if gotHistory[i] != w {
			t.Errorf("history[%d] = %+v, want %+v", i, gotHistory[i], w)
		}
	}
}

func TestRelease(t *testing.T) {
	store := ownedConvStore()
	d, _ := newTestDispatcher(store, &mockAdmission{}, nil)

	if err := d.Release(context.Background(), "conv-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	released := store.releasedIDs()
	if len(released) != 1 || released[0] != "conv-1" {
		t.Errorf("released = %v, want [conv-1]", released)
	}
}
