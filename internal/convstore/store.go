package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for conversations.
//
// Notes:
// - Turns are append-only: past turns are never mutated or deleted.
// - Summaries are created by the context window manager and never mutated.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

var ErrConversationNotFound = errors.New("conversation not found")

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Conversation struct {
	ConversationID     string `json:"conversation_id"`
	Channel            string `json:"channel"`
	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
	LastMessagePreview string `json:"last_message_preview"`
}

type Turn struct {
	ID             int64  `json:"id"`
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`

	// Role is "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`

	FiledEntryPath  string  `json:"filed_entry_path,omitempty"`
	FiledConfidence float64 `json:"filed_confidence,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

type Summary struct {
	SummaryID      string `json:"summary_id"`
	ConversationID string `json:"conversation_id"`
	SummaryText    string `json:"summary_text"`
	MessageCount   int    `json:"message_count"`
	StartTurnID    string `json:"start_turn_id"`
	EndTurnID      string `json:"end_turn_id"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// NewID returns a sortable unique id with the given prefix (e.g. "conv", "turn").
func NewID(prefix string) string {
	id := ulid.Make().String()
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func (s *Store) CreateConversation(ctx context.Context, channel string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "chat"
	}

	now := time.Now().UnixMilli()
	c := &Conversation{
		ConversationID:  NewID("conv"),
		Channel:         channel,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(conversation_id, channel, created_at_unix_ms, updated_at_unix_ms, last_message_preview)
VALUES(?, ?, ?, ?, '')
`, c.ConversationID, c.Channel, c.CreatedAtUnixMs, c.UpdatedAtUnixMs)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}

	var c Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, channel, created_at_unix_ms, updated_at_unix_ms, last_message_preview
FROM conversations
WHERE conversation_id = ?
`, conversationID).Scan(
		&c.ConversationID,
		&c.Channel,
		&c.CreatedAtUnixMs,
		&c.UpdatedAtUnixMs,
		&c.LastMessagePreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendTurn inserts a turn and updates conversation metadata in the same
// transaction. Duplicate turn_id inserts are treated as success (idempotent
// retries after a partial failure).
func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if s == nil || s.db == nil {
		return Turn{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ConversationID = strings.TrimSpace(t.ConversationID)
	t.TurnID = strings.TrimSpace(t.TurnID)
	t.Role = strings.TrimSpace(t.Role)
	if t.ConversationID == "" {
		return Turn{}, errors.New("missing conversation_id")
	}
	if t.Role != "user" && t.Role != "assistant" {
		return Turn{}, fmt.Errorf("invalid role: %q", t.Role)
	}
	if t.TurnID == "" {
		t.TurnID = NewID("turn")
	}
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	preview := buildPreview(t.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the conversation exists.
	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM conversations WHERE conversation_id = ?
`, t.ConversationID).Scan(&exists); err != nil {
		return Turn{}, err
	}
	if exists == 0 {
		return Turn{}, ErrConversationNotFound
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO turns(conversation_id, turn_id, role, content, filed_entry_path, filed_confidence, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, t.ConversationID, t.TurnID, t.Role, t.Content, t.FiledEntryPath, t.FiledConfidence, t.CreatedAtUnixMs)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, getErr := s.getTurnByID(ctx, tx, t.ConversationID, t.TurnID)
			if getErr != nil {
				return Turn{}, err
			}
			if cErr := tx.Commit(); cErr != nil {
				return Turn{}, cErr
			}
			return existing, nil
		}
		return Turn{}, err
	}
	rowID, _ := res.LastInsertId()
	t.ID = rowID

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET updated_at_unix_ms = ?, last_message_preview = ?
WHERE conversation_id = ?
`, t.CreatedAtUnixMs, preview, t.ConversationID); err != nil {
		return Turn{}, err
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (s *Store) getTurnByID(ctx context.Context, tx *sql.Tx, conversationID string, turnID string) (Turn, error) {
	var t Turn
	err := tx.QueryRowContext(ctx, `
SELECT id, conversation_id, turn_id, role, content, filed_entry_path, filed_confidence, created_at_unix_ms
FROM turns
WHERE conversation_id = ? AND turn_id = ?
`, conversationID, turnID).Scan(
		&t.ID, &t.ConversationID, &t.TurnID, &t.Role, &t.Content,
		&t.FiledEntryPath, &t.FiledConfidence, &t.CreatedAtUnixMs,
	)
	return t, err
}

// GetTurn returns one turn by its conversation-scoped turn id.
func (s *Store) GetTurn(ctx context.Context, conversationID string, turnID string) (*Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	turnID = strings.TrimSpace(turnID)
	if conversationID == "" || turnID == "" {
		return nil, errors.New("invalid request")
	}

	var t Turn
	err := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, turn_id, role, content, filed_entry_path, filed_confidence, created_at_unix_ms
FROM turns
WHERE conversation_id = ? AND turn_id = ?
`, conversationID, turnID).Scan(
		&t.ID, &t.ConversationID, &t.TurnID, &t.Role, &t.Content,
		&t.FiledEntryPath, &t.FiledConfidence, &t.CreatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListTurns returns turns in ascending insertion order. When limit > 0, only
// the most recent limit turns are returned (still ascending).
func (s *Store) ListTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}

	q := `
SELECT id, conversation_id, turn_id, role, content, filed_entry_path, filed_confidence, created_at_unix_ms
FROM turns
WHERE conversation_id = ?
ORDER BY id DESC
`
	args := []any{conversationID}
	if limit > 0 {
		q += "LIMIT ?\n"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tmp []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(
			&t.ID, &t.ConversationID, &t.TurnID, &t.Role, &t.Content,
			&t.FiledEntryPath, &t.FiledConfidence, &t.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		tmp = append(tmp, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ASC order.
	out := make([]Turn, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func (s *Store) CountTurns(ctx context.Context, conversationID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("missing conversation_id")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM turns WHERE conversation_id = ?
`, conversationID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) AddSummary(ctx context.Context, sum Summary) (Summary, error) {
	if s == nil || s.db == nil {
		return Summary{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sum.ConversationID = strings.TrimSpace(sum.ConversationID)
	sum.SummaryText = strings.TrimSpace(sum.SummaryText)
	sum.StartTurnID = strings.TrimSpace(sum.StartTurnID)
	sum.EndTurnID = strings.TrimSpace(sum.EndTurnID)
	if sum.ConversationID == "" || sum.SummaryText == "" {
		return Summary{}, errors.New("invalid summary")
	}
	if sum.StartTurnID == "" || sum.EndTurnID == "" {
		return Summary{}, errors.New("summary requires start/end turn ids")
	}
	if sum.MessageCount <= 0 {
		return Summary{}, errors.New("summary requires message_count > 0")
	}
	if sum.SummaryID == "" {
		sum.SummaryID = NewID("sum")
	}
	if sum.CreatedAtUnixMs <= 0 {
		sum.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO summaries(summary_id, conversation_id, summary_text, message_count, start_turn_id, end_turn_id, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, sum.SummaryID, sum.ConversationID, sum.SummaryText, sum.MessageCount, sum.StartTurnID, sum.EndTurnID, sum.CreatedAtUnixMs)
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// ListSummaries returns summaries in chronological (insertion) order.
func (s *Store) ListSummaries(ctx context.Context, conversationID string) ([]Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT summary_id, conversation_id, summary_text, message_count, start_turn_id, end_turn_id, created_at_unix_ms
FROM summaries
WHERE conversation_id = ?
ORDER BY created_at_unix_ms ASC, summary_id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.SummaryID, &sum.ConversationID, &sum.SummaryText,
			&sum.MessageCount, &sum.StartTurnID, &sum.EndTurnID, &sum.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	if strings.Contains(msg, "unique constraint failed") {
		return true
	}
	return strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}

func buildPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 160)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  channel TEXT NOT NULL DEFAULT 'chat',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  turn_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  filed_entry_path TEXT NOT NULL DEFAULT '',
  filed_confidence REAL NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, turn_id)
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id ASC);
CREATE TABLE IF NOT EXISTS summaries (
  summary_id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  summary_text TEXT NOT NULL,
  message_count INTEGER NOT NULL,
  start_turn_id TEXT NOT NULL,
  end_turn_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, created_at_unix_ms ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
