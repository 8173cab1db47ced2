package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.db"), filepath.Join(dir, "dead_letter"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueThenPeekDue(t *testing.T) {
	q := newTestQueue(t)

	e, err := q.Enqueue("bundle-1", "/tmp/bundle.json", "/tmp/bundle.sig")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	due := q.PeekDue(10, time.Now().Add(time.Second))
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("expected entry to be due, got %+v", due)
	}
}

func TestPeekDueExcludesFutureEntries(t *testing.T) {
	q := newTestQueue(t)
	q.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	if _, err := q.Enqueue("bundle-1", "/a", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Nack(0, errors.New("network error")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	due := q.PeekDue(10, q.now())
	if len(due) != 0 {
		t.Fatalf("expected no due entries immediately after nack, got %+v", due)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	q := newTestQueue(t)
	e, _ := q.Enqueue("bundle-1", "/a", "")

	if err := q.Ack(e.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected 0 entries after ack, got %d", q.Len())
	}
}

func TestNackAppliesExponentialBackoffWithJitter(t *testing.T) {
	q := newTestQueue(t)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixedNow }

	e, _ := q.Enqueue("bundle-1", "/a", "")
	if deadLettered, err := q.Nack(e.ID, errors.New("boom")); err != nil {
		t.Fatalf("Nack: %v", err)
	} else if deadLettered {
		t.Fatal("expected first nack not to dead-letter the entry")
	}

	due := q.PeekDue(10, fixedNow)
	if len(due) != 0 {
		t.Fatal("expected entry not due immediately after nack")
	}

	// base_backoff(30s) * 2^1 = 60s, ±10% jitter => between 54s and 66s.
	minExpected := fixedNow.Add(54 * time.Second)
	maxExpected := fixedNow.Add(66 * time.Second)

	due = q.PeekDue(10, maxExpected.Add(time.Second))
	if len(due) != 1 {
		t.Fatal("expected entry due after backoff window")
	}
	got := due[0].NextAttemptAt
	if got.Before(minExpected) || got.After(maxExpected) {
		t.Fatalf("next_attempt_at %v outside expected jittered window [%v,%v]", got, minExpected, maxExpected)
	}
	if due[0].RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", due[0].RetryCount)
	}
}

func TestNackMovesToDeadLetterAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.json")
	sigPath := filepath.Join(dir, "bundle.sig")
	if err := os.WriteFile(bundlePath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if err := os.WriteFile(sigPath, []byte("sig"), 0o600); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	q, err := Open(filepath.Join(dir, "queue.db"), filepath.Join(dir, "dead_letter"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	e, err := q.Enqueue("bundle-dlq", bundlePath, sigPath)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var deadLettered bool
	for i := 0; i <= MaxRetryCount; i++ {
		var err error
		deadLettered, err = q.Nack(e.ID, errors.New("still failing"))
		if err != nil {
			t.Fatalf("Nack iteration %d: %v", i, err)
		}
	}
	if !deadLettered {
		t.Fatal("expected final nack past MaxRetryCount to dead-letter the entry")
	}

	if q.Len() != 0 {
		t.Fatalf("expected entry removed from active queue after exceeding retry cap, got %d remaining", q.Len())
	}

	dlqBundle := filepath.Join(dir, "dead_letter", "bundle-dlq", "bundle.json")
	if _, err := os.Stat(dlqBundle); err != nil {
		t.Fatalf("expected bundle moved to dead letter dir: %v", err)
	}
}

func TestRecoveryReplaysLogAndDiscardsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	dlq := filepath.Join(dir, "dead_letter")

	q, err := Open(path, dlq)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := q.Enqueue("bundle-1", "/a", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue("bundle-2", "/b", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: append a truncated JSON line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`{"op":"enqueue","entry":{"id":2,"bundle_`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()

	q2, err := Open(path, dlq)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q2.Close()

	if q2.Len() != 2 {
		t.Fatalf("expected 2 entries recovered (truncated 3rd discarded), got %d", q2.Len())
	}
}

func TestQueuePreservesFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := q.Enqueue("bundle", "/x", "")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, e.ID)
	}

	due := q.PeekDue(10, time.Now().Add(time.Second))
	if len(due) != 3 {
		t.Fatalf("expected 3 due entries, got %d", len(due))
	}
	for i, e := range due {
		if e.ID != ids[i] {
			t.Fatalf("expected FIFO order %v, got %v at index %d", ids, e.ID, i)
		}
	}
}
