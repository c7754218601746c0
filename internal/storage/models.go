package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConversationBusy is returned when a claim is attempted on a
// conversation that already has a generation in flight.
var ErrConversationBusy = errors.New("conversation busy")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a persistent chat thread owned by one user and targeting
// one model. Processing is true while a generation is in flight; the flag is
// only ever flipped through the store's conditional updates so that
// concurrent handler processes cannot race each other on it.
type Conversation struct {
	ID              string
	UserID          string
	Model           string
	Title           string
	SystemPrompt    string
	Processing      bool
	ProcessingSince time.Time // zero unless Processing
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Turn is a single message within a conversation. Turns are immutable once
// written. Token and cost fields are populated only on assistant turns.
type Turn struct {
	ID               string
	ConversationID   string
	Role             string // RoleUser or RoleAssistant
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

// UsageEvent records one accepted request attempt; rate limiting counts
// these rows over trailing windows.
type UsageEvent struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// UsageCounts holds event counts for the three trailing rate-limit windows,
// all taken from a single consistent read.
type UsageCounts struct {
	Minute int
	Hour   int
	Day    int
}
