package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding conversations, turns, and usage
// events. It is deliberately thin: conditional updates, inserts, and
// bounded reads. Orchestration logic lives in the callers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "parley.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	// Turns reference conversations with ON DELETE CASCADE.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for tests that need to manipulate
// timestamps directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Conversations ---

func (s *Store) CreateConversation(c Conversation) error {
	now := time.Now().UTC()
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, model, title, system_prompt, processing, processing_since, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		c.ID, c.UserID, c.Model, c.Title, c.SystemPrompt,
		createdAt.Format(time.RFC3339), createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, model, title, system_prompt, processing, processing_since, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	)
	return scanConversation(row)
}

func (s *Store) ListConversations(userID string, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, model, title, system_prompt, processing, processing_since, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var processing int
	var processingSince sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Model, &c.Title, &c.SystemPrompt, &processing, &processingSince, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Processing = processing != 0
	if processingSince.Valid {
		t, err := time.Parse(time.RFC3339, processingSince.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("parsing processing_since: %w", err)
		}
		c.ProcessingSince = t
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// --- Claim / release ---

// ClaimConversation atomically flips processing from false to true for the
// given conversation. Exactly one of any set of concurrent claims succeeds;
// the rest receive ErrConversationBusy. The conditional UPDATE is the only
// gate: there is no in-process locking, so claims are race-free across
// multiple server processes sharing the database.
func (s *Store) ClaimConversation(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE conversations SET processing = 1, processing_since = ?, updated_at = ?
		WHERE id = ? AND processing = 0`, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.claimFailure(id)
}

// claimFailure distinguishes a missing conversation from a busy one after a
// conditional claim matched no rows.
func (s *Store) claimFailure(id string) error {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConversationBusy
}

// ReleaseConversation unconditionally clears the processing flag. It is
// idempotent: releasing an idle or missing conversation is a no-op.
func (s *Store) ReleaseConversation(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE conversations SET processing = 0, processing_since = NULL, updated_at = ?
		WHERE id = ?`, now, id)
	return err
}

// AcceptSubmission performs the submission's atomic unit: claim the
// conversation (processing 0 -> 1), insert the user turn, and record a usage
// event, all in one transaction. If any step fails the whole submission
// rolls back, claim included, so a failed submission can never leave
// processing stuck at true or a turn without its usage event.
func (s *Store) AcceptSubmission(convID string, turn Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning submission transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	res, err := tx.Exec(`
		UPDATE conversations SET processing = 1, processing_since = ?, updated_at = ?
		WHERE id = ? AND processing = 0`, nowStr, nowStr, convID)
	if err != nil {
		return fmt.Errorf("claiming conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking claim rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return s.claimFailure(convID)
	}

	var userID string
	if err := tx.QueryRow(`SELECT user_id FROM conversations WHERE id = ?`, convID).Scan(&userID); err != nil {
		return fmt.Errorf("reading conversation owner: %w", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.Exec(`
		INSERT INTO turns (id, conversation_id, role, content, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, ?)`,
		turn.ID, convID, RoleUser, turn.Content, createdAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting user turn: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO usage_events (id, user_id, created_at) VALUES (?, ?, ?)`,
		uuid.New().String(), userID, nowStr,
	); err != nil {
		return fmt.Errorf("recording usage event: %w", err)
	}

	return tx.Commit()
}

// FinishGeneration inserts the assistant turn and clears the processing flag
// in one transaction, so an assistant turn can never exist alongside a stuck
// flag.
func (s *Store) FinishGeneration(convID string, turn Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.Exec(`
		INSERT INTO turns (id, conversation_id, role, content, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, convID, RoleAssistant, turn.Content,
		turn.PromptTokens, turn.CompletionTokens, turn.TotalTokens, turn.Cost,
		createdAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting assistant turn: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET processing = 0, processing_since = NULL, updated_at = ?
		WHERE id = ?`, now.Format(time.RFC3339), convID,
	); err != nil {
		return fmt.Errorf("releasing conversation: %w", err)
	}

	return tx.Commit()
}

// --- Turns ---

// RecentTurns returns the most recent n turns of a conversation in
// chronological (oldest-first) order.
func (s *Store) RecentTurns(convID string, n int) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, prompt_tokens, completion_tokens, total_tokens, cost, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, convID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returns newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// --- Usage events ---

func (s *Store) InsertUsageEvent(userID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_events (id, user_id, created_at) VALUES (?, ?, ?)`,
		uuid.New().String(), userID, at.UTC().Format(time.RFC3339),
	)
	return err
}

// CountUsage counts a user's usage events within the trailing minute, hour,
// and day windows ending at now. All three counts come from one SELECT so
// the windows cannot skew against each other under concurrent load.
func (s *Store) CountUsage(userID string, now time.Time) (UsageCounts, error) {
	minCutoff := now.Add(-time.Minute).UTC().Format(time.RFC3339)
	hourCutoff := now.Add(-time.Hour).UTC().Format(time.RFC3339)
	dayCutoff := now.Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	var counts UsageCounts
	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN created_at > ? THEN 1 END),
			COUNT(CASE WHEN created_at > ? THEN 1 END),
			COUNT(*)
		FROM usage_events WHERE user_id = ? AND created_at > ?`,
		minCutoff, hourCutoff, userID, dayCutoff,
	).Scan(&counts.Minute, &counts.Hour, &counts.Day)
	if err != nil {
		return UsageCounts{}, err
	}
	return counts, nil
}

// PurgeUsageEvents deletes usage events older than the cutoff and returns
// how many were removed. Run from the background sweep, never on the
// request path.
func (s *Store) PurgeUsageEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage_events WHERE created_at <= ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Stale claim recovery ---

// ReleaseStaleClaims force-releases conversations whose processing claim is
// older than the cutoff (e.g. the process crashed between claim and worker
// completion). Returns the ids that were released.
func (s *Store) ReleaseStaleClaims(olderThan time.Time) ([]string, error) {
	cutoff := olderThan.UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning stale-release transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM conversations WHERE processing = 1 AND processing_since <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting stale claims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE conversations SET processing = 0, processing_since = NULL, updated_at = ?
		WHERE processing = 1 AND processing_since <= ?`, now, cutoff,
	); err != nil {
		return nil, fmt.Errorf("releasing stale claims: %w", err)
	}

	return ids, tx.Commit()
}
