// Package queue durably persists capture requests that could not be
// completed, typically because the model provider was unavailable, and
// replays them on a ticker with bounded retries and deduplication.
package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

const schemaVersion = 1

// failedRetentionFactor is how many dedupe TTLs a terminally failed item is
// kept for inspection before pruning removes it.
const failedRetentionFactor = 7

// Item is one durably persisted capture request.
type Item struct {
	ID                  int64
	ItemID              string
	Channel             string
	Text                string
	Hints               []string
	ContextSnapshot     string
	Status              string
	Attempts            int
	NextAttemptAtUnixMs int64
	ProcessingStartedAt int64
	LastError           string
	CreatedAtUnixMs     int64
	UpdatedAtUnixMs     int64
}

// Options control queue behavior. All fields are required; callers resolve
// defaults from config before constructing the queue.
type Options struct {
	Enabled              bool
	MaxAttempts          int
	RetryBaseSec         int
	DedupeTTLHours       int
	ProcessingTimeoutSec int
	TickIntervalSec      int
}

// Processor replays one queued item. A nil error marks the item processed;
// an error schedules a retry or, past the attempt budget, fails it.
type Processor func(ctx context.Context, item *Item) error

// Queue owns the replay table and the drain loop.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if necessary) the queue database at path.
func Open(path string, opts Options, logger *slog.Logger) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queue path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db, opts: opts, logger: logger, now: time.Now}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func initSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS queue_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	text TEXT NOT NULL,
	hints TEXT NOT NULL DEFAULT '[]',
	context_snapshot TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	processing_started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_item_id ON queue_items(item_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, next_attempt_at_unix_ms);
`)
	if err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// ItemID derives the stable deduplication id for a capture request. Hints
// are order-insensitive.
func ItemID(text string, hints []string, channel string) string {
	sorted := append([]string(nil), hints...)
	for i := range sorted {
		sorted[i] = strings.ToLower(strings.TrimSpace(sorted[i]))
	}
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(text)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(channel)))
	return "qi_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Enqueue persists a capture request for later replay. When an item with the
// same content hash already exists in a live state within the dedupe TTL, the
// existing item is returned instead of creating a duplicate. Returns nil when
// the queue is disabled.
func (q *Queue) Enqueue(ctx context.Context, text string, hints []string, channel string, contextSnapshot string) (*Item, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("queue not initialized")
	}
	if !q.opts.Enabled {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("queue item text is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "default"
	}

	itemID := ItemID(text, hints, channel)
	nowMs := q.now().UnixMilli()
	ttlMs := int64(q.opts.DedupeTTLHours) * int64(time.Hour/time.Millisecond)

	existing, err := q.findLive(ctx, itemID, nowMs-ttlMs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	hintsJSON, err := json.Marshal(normalizeHints(hints))
	if err != nil {
		return nil, fmt.Errorf("encode hints: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO queue_items (item_id, channel, text, hints, context_snapshot, status, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, itemID, channel, text, string(hintsJSON), contextSnapshot, StatusPending, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read queue item id: %w", err)
	}

	q.logger.Info("capture request queued", "item_id", itemID, "channel", channel)
	return q.getByRowID(ctx, rowID)
}

func normalizeHints(hints []string) []string {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// findLive returns the newest pending, processing, or failed item with the
// given id created at or after the cutoff.
func (q *Queue) findLive(ctx context.Context, itemID string, createdAfterMs int64) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, item_id, channel, text, hints, context_snapshot, status, attempts,
	next_attempt_at_unix_ms, processing_started_at_unix_ms, last_error,
	created_at_unix_ms, updated_at_unix_ms
FROM queue_items
WHERE item_id = ? AND status IN (?, ?, ?) AND created_at_unix_ms >= ?
ORDER BY id DESC
LIMIT 1
`, itemID, StatusPending, StatusProcessing, StatusFailed, createdAfterMs)
	return scanItem(row)
}

func (q *Queue) getByRowID(ctx context.Context, rowID int64) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, item_id, channel, text, hints, context_snapshot, status, attempts,
	next_attempt_at_unix_ms, processing_started_at_unix_ms, last_error,
	created_at_unix_ms, updated_at_unix_ms
FROM queue_items
WHERE id = ?
`, rowID)
	item, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.New("queue item not found")
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var hintsJSON string
	err := row.Scan(
		&it.ID, &it.ItemID, &it.Channel, &it.Text, &hintsJSON, &it.ContextSnapshot,
		&it.Status, &it.Attempts, &it.NextAttemptAtUnixMs, &it.ProcessingStartedAt,
		&it.LastError, &it.CreatedAtUnixMs, &it.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if hintsJSON != "" {
		if err := json.Unmarshal([]byte(hintsJSON), &it.Hints); err != nil {
			return nil, fmt.Errorf("decode hints for %s: %w", it.ItemID, err)
		}
	}
	return &it, nil
}

// Tick runs one drain pass: recover stuck items, replay due pending items
// through processor, then prune old terminal items. Safe to call while turns
// are being handled; the pending to processing transition is a guarded
// update, so an item is claimed at most once.
func (q *Queue) Tick(ctx context.Context, processor Processor) error {
	if q == nil || q.db == nil {
		return errors.New("queue not initialized")
	}
	if processor == nil {
		return errors.New("queue processor is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := q.recoverStuck(ctx); err != nil {
		return err
	}
	if err := q.processDue(ctx, processor); err != nil {
		return err
	}
	return q.prune(ctx)
}

func (q *Queue) recoverStuck(ctx context.Context) error {
	nowMs := q.now().UnixMilli()
	cutoff := nowMs - int64(q.opts.ProcessingTimeoutSec)*1000

	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, next_attempt_at_unix_ms = 0, processing_started_at_unix_ms = 0, updated_at_unix_ms = ?
WHERE status = ? AND processing_started_at_unix_ms < ?
`, StatusPending, nowMs, StatusProcessing, cutoff)
	if err != nil {
		return fmt.Errorf("recover stuck items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("recovered stuck queue items", "count", n)
	}
	return nil
}

func (q *Queue) processDue(ctx context.Context, processor Processor) error {
	nowMs := q.now().UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
SELECT id, item_id, channel, text, hints, context_snapshot, status, attempts,
	next_attempt_at_unix_ms, processing_started_at_unix_ms, last_error,
	created_at_unix_ms, updated_at_unix_ms
FROM queue_items
WHERE status = ? AND next_attempt_at_unix_ms <= ?
ORDER BY id ASC
`, StatusPending, nowMs)
	if err != nil {
		return fmt.Errorf("list due items: %w", err)
	}
	var due []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return err
		}
		due = append(due, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list due items: %w", err)
	}

	for _, it := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempts, claimed, err := q.claim(ctx, it.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		it.Attempts = attempts
		q.settle(ctx, it, processor(ctx, it))
	}
	return nil
}

// claim transitions one item from pending to processing and returns its
// attempt count as of the claim. Returns claimed=false when another pass
// already took the item, or settled it and pushed its next attempt into the
// future, between our select and this update.
func (q *Queue) claim(ctx context.Context, rowID int64) (attempts int, claimed bool, err error) {
	nowMs := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, processing_started_at_unix_ms = ?, updated_at_unix_ms = ?
WHERE id = ? AND status = ? AND next_attempt_at_unix_ms <= ?
`, StatusProcessing, nowMs, nowMs, rowID, StatusPending, nowMs)
	if err != nil {
		return 0, false, fmt.Errorf("claim queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("claim queue item: %w", err)
	}
	if n != 1 {
		return 0, false, nil
	}
	// The item is ours now, so this read cannot race another pass.
	row := q.db.QueryRowContext(ctx, `SELECT attempts FROM queue_items WHERE id = ?`, rowID)
	if err := row.Scan(&attempts); err != nil {
		return 0, false, fmt.Errorf("claim queue item: %w", err)
	}
	return attempts, true, nil
}

func (q *Queue) settle(ctx context.Context, it *Item, procErr error) {
	nowMs := q.now().UnixMilli()

	if procErr == nil {
		_, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, processing_started_at_unix_ms = 0, last_error = '', updated_at_unix_ms = ?
WHERE id = ?
`, StatusProcessed, nowMs, it.ID)
		if err != nil {
			q.logger.Error("mark queue item processed", "item_id", it.ItemID, "error", err)
			return
		}
		q.logger.Info("queued capture replayed", "item_id", it.ItemID, "attempts", it.Attempts+1)
		return
	}

	attempts := it.Attempts + 1
	if attempts >= q.opts.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, attempts = ?, processing_started_at_unix_ms = 0, last_error = ?, updated_at_unix_ms = ?
WHERE id = ?
`, StatusFailed, attempts, procErr.Error(), nowMs, it.ID)
		if err != nil {
			q.logger.Error("mark queue item failed", "item_id", it.ItemID, "error", err)
			return
		}
		q.logger.Error("queued capture exhausted retries", "item_id", it.ItemID, "attempts", attempts, "error", procErr)
		return
	}

	nextMs := nowMs + backoffDelay(q.opts.RetryBaseSec, attempts).Milliseconds()
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, attempts = ?, next_attempt_at_unix_ms = ?, processing_started_at_unix_ms = 0, last_error = ?, updated_at_unix_ms = ?
WHERE id = ?
`, StatusPending, attempts, nextMs, procErr.Error(), nowMs, it.ID)
	if err != nil {
		q.logger.Error("reschedule queue item", "item_id", it.ItemID, "error", err)
		return
	}
	q.logger.Warn("queued capture retry scheduled", "item_id", it.ItemID, "attempts", attempts, "error", procErr)
}

// backoffDelay doubles with each attempt: base, 2*base, 4*base, ...
func backoffDelay(baseSec int, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	return time.Duration(baseSec) * time.Second * time.Duration(1<<(attempts-1))
}

func (q *Queue) prune(ctx context.Context) error {
	nowMs := q.now().UnixMilli()
	ttlMs := int64(q.opts.DedupeTTLHours) * int64(time.Hour/time.Millisecond)

	res, err := q.db.ExecContext(ctx, `
DELETE FROM queue_items
WHERE (status = ? AND updated_at_unix_ms < ?) OR (status = ? AND updated_at_unix_ms < ?)
`, StatusProcessed, nowMs-ttlMs, StatusFailed, nowMs-failedRetentionFactor*ttlMs)
	if err != nil {
		return fmt.Errorf("prune queue items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Info("pruned queue items", "count", n)
	}
	return nil
}

// Run drains the queue on a fixed interval until ctx is canceled.
func (q *Queue) Run(ctx context.Context, processor Processor) {
	if q == nil || !q.opts.Enabled {
		return
	}
	interval := time.Duration(q.opts.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Tick(ctx, processor); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("queue tick", "error", err)
			}
		}
	}
}

// ListFailed returns terminally failed items, newest first.
func (q *Queue) ListFailed(ctx context.Context) ([]Item, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("queue not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT id, item_id, channel, text, hints, context_snapshot, status, attempts,
	next_attempt_at_unix_ms, processing_started_at_unix_ms, last_error,
	created_at_unix_ms, updated_at_unix_ms
FROM queue_items
WHERE status = ?
ORDER BY id DESC
`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	return out, nil
}

// GetItem returns one item by its dedupe id (newest row), or nil.
func (q *Queue) GetItem(ctx context.Context, itemID string) (*Item, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("queue not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := q.db.QueryRowContext(ctx, `
SELECT id, item_id, channel, text, hints, context_snapshot, status, attempts,
	next_attempt_at_unix_ms, processing_started_at_unix_ms, last_error,
	created_at_unix_ms, updated_at_unix_ms
FROM queue_items
WHERE item_id = ?
ORDER BY id DESC
LIMIT 1
`, itemID)
	return scanItem(row)
}
