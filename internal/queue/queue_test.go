package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		Enabled:              true,
		MaxAttempts:          3,
		RetryBaseSec:         60,
		DedupeTTLHours:       24,
		ProcessingTimeoutSec: 300,
		TickIntervalSec:      30,
	}
}

func openTestQueue(t *testing.T, opts Options) (*Queue, *time.Time) {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	now := time.Now()
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueue_DedupesWithinTTL(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t, testOptions())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "remember to call mom", []string{"task"}, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if first == nil || first.Status != StatusPending {
		t.Fatalf("first = %+v, want pending item", first)
	}

	second, err := q.Enqueue(ctx, "remember to call mom", []string{"task"}, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if second.ItemID != first.ItemID || second.ID != first.ID {
		t.Fatalf("duplicate enqueue created a new item: %+v vs %+v", second, first)
	}

	// Hint order must not change identity.
	if ItemID("x", []string{"task", "note"}, "cli") != ItemID("x", []string{"note", "task"}, "cli") {
		t.Fatalf("ItemID is hint-order sensitive")
	}

	// Different channel is a different item.
	other, err := q.Enqueue(ctx, "remember to call mom", []string{"task"}, "email", "")
	if err != nil {
		t.Fatalf("Enqueue other channel: %v", err)
	}
	if other.ItemID == first.ItemID {
		t.Fatalf("channel not part of dedupe identity")
	}
}

func TestEnqueue_DisabledReturnsNil(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Enabled = false
	q, _ := openTestQueue(t, opts)

	item, err := q.Enqueue(context.Background(), "anything", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item != nil {
		t.Fatalf("item = %+v, want nil when disabled", item)
	}
}

func TestTick_ProcessesAndMarksProcessed(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t, testOptions())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "buy milk", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var processed []string
	err = q.Tick(ctx, func(ctx context.Context, it *Item) error {
		processed = append(processed, it.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(processed) != 1 || processed[0] != "buy milk" {
		t.Fatalf("processed=%v, want [buy milk]", processed)
	}

	got, err := q.GetItem(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != StatusProcessed {
		t.Fatalf("Status=%q, want processed", got.Status)
	}
}

func TestTick_BackoffGrowsThenFails(t *testing.T) {
	t.Parallel()

	q, now := openTestQueue(t, testOptions())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "flaky capture", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failing := func(ctx context.Context, it *Item) error { return errors.New("provider unavailable") }

	var prevDelay int64 = -1
	for attempt := 1; attempt < testOptions().MaxAttempts; attempt++ {
		if err := q.Tick(ctx, failing); err != nil {
			t.Fatalf("Tick attempt %d: %v", attempt, err)
		}
		got, err := q.GetItem(ctx, item.ItemID)
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if got.Status != StatusPending {
			t.Fatalf("Status=%q after attempt %d, want pending", got.Status, attempt)
		}
		if got.Attempts != attempt {
			t.Fatalf("Attempts=%d, want %d", got.Attempts, attempt)
		}
		delay := got.NextAttemptAtUnixMs - now.UnixMilli()
		if delay <= prevDelay {
			t.Fatalf("backoff not growing: delay=%dms after previous %dms", delay, prevDelay)
		}
		prevDelay = delay

		// Jump past the scheduled retry.
		*now = now.Add(time.Duration(delay)*time.Millisecond + time.Second)
	}

	// Final attempt exhausts the budget.
	if err := q.Tick(ctx, failing); err != nil {
		t.Fatalf("Tick final: %v", err)
	}
	got, err := q.GetItem(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("Status=%q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Fatalf("LastError empty on terminal failure")
	}

	// Terminal items are never picked up again.
	calls := 0
	*now = now.Add(24 * time.Hour)
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { calls++; return nil }); err != nil {
		t.Fatalf("Tick after failure: %v", err)
	}
	if calls != 0 {
		t.Fatalf("failed item was re-processed")
	}

	failed, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 || failed[0].ItemID != item.ItemID {
		t.Fatalf("ListFailed=%+v, want the exhausted item", failed)
	}
}

func TestTick_RespectsNextAttemptAt(t *testing.T) {
	t.Parallel()

	q, now := openTestQueue(t, testOptions())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "retry later", nil, "cli", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { return errors.New("down") }); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Before the backoff elapses the item must not be retried.
	calls := 0
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { calls++; return nil }); err != nil {
		t.Fatalf("Tick early: %v", err)
	}
	if calls != 0 {
		t.Fatalf("item retried before nextAttemptAt")
	}

	*now = now.Add(2 * time.Minute)
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { calls++; return nil }); err != nil {
		t.Fatalf("Tick due: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d after due tick, want 1", calls)
	}
}

func TestClaim_RefreshesAttemptsAndHonorsBackoff(t *testing.T) {
	t.Parallel()

	q, now := openTestQueue(t, testOptions())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "capture while provider is down", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Another pass settles the item after this pass selected it: attempts
	// move to 1 and the next attempt lands in the future.
	if attempts, claimed, err := q.claim(ctx, item.ID); err != nil || !claimed || attempts != 0 {
		t.Fatalf("claim fresh item: attempts=%d claimed=%v err=%v", attempts, claimed, err)
	}
	q.settle(ctx, item, errors.New("still down"))

	// A claim from the stale selection must not run the item early.
	if _, claimed, err := q.claim(ctx, item.ID); err != nil {
		t.Fatalf("claim during backoff: %v", err)
	} else if claimed {
		t.Fatalf("claimed an item whose next attempt is in the future")
	}

	// Once due again, the claim reports the stored attempt count, not the
	// pre-claim snapshot of zero.
	*now = now.Add(2 * time.Minute)
	attempts, claimed, err := q.claim(ctx, item.ID)
	if err != nil {
		t.Fatalf("claim due item: %v", err)
	}
	if !claimed || attempts != 1 {
		t.Fatalf("attempts=%d claimed=%v, want 1 and true", attempts, claimed)
	}

	// Settling from the refreshed count produces the second backoff step.
	item.Attempts = attempts
	q.settle(ctx, item, errors.New("still down"))
	got, err := q.GetItem(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("Attempts=%d after second failure, want 2", got.Attempts)
	}
	wantNext := q.now().UnixMilli() + backoffDelay(q.opts.RetryBaseSec, 2).Milliseconds()
	if got.NextAttemptAtUnixMs != wantNext {
		t.Fatalf("NextAttemptAtUnixMs=%d, want %d", got.NextAttemptAtUnixMs, wantNext)
	}
}

func TestTick_RecoversStuckItems(t *testing.T) {
	t.Parallel()

	q, now := openTestQueue(t, testOptions())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "stuck capture", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a crash between claim and settle.
	_, claimed, err := q.claim(ctx, item.ID)
	if err != nil || !claimed {
		t.Fatalf("claim: %v (claimed=%v)", err, claimed)
	}

	// Within the processing timeout nothing happens.
	calls := 0
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { calls++; return nil }); err != nil {
		t.Fatalf("Tick early: %v", err)
	}
	if calls != 0 {
		t.Fatalf("in-flight item was re-processed")
	}

	*now = now.Add(time.Duration(testOptions().ProcessingTimeoutSec+1) * time.Second)
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { calls++; return nil }); err != nil {
		t.Fatalf("Tick after timeout: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d after stuck recovery, want 1", calls)
	}

	got, err := q.GetItem(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != StatusProcessed {
		t.Fatalf("Status=%q, want processed", got.Status)
	}
}

func TestTick_PrunesOldProcessedItems(t *testing.T) {
	t.Parallel()

	q, now := openTestQueue(t, testOptions())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "short lived", nil, "cli", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { return nil }); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	*now = now.Add(25 * time.Hour)
	if err := q.Tick(ctx, func(ctx context.Context, it *Item) error { return nil }); err != nil {
		t.Fatalf("Tick prune: %v", err)
	}

	got, err := q.GetItem(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got != nil {
		t.Fatalf("processed item survived pruning: %+v", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(60, tc.attempts); got != tc.want {
			t.Fatalf("backoffDelay(60, %d)=%v, want %v", tc.attempts, got, tc.want)
		}
	}
}
