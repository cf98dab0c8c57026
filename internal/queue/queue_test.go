package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, opts), rdb
}

func TestEnqueueRejectsDuplicateJobID(t *testing.T) {
	q, _ := newTestQueue(t, Options{Name: "test-queue", Concurrency: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "dep-1", map[string]string{"repo": "a"}); err != nil {
		t.Fatalf("first Enqueue() error: %v", err)
	}
	if err := q.Enqueue(ctx, "dep-1", map[string]string{"repo": "a"}); err != ErrAlreadyPending {
		t.Fatalf("second Enqueue() = %v, want ErrAlreadyPending", err)
	}
}

func TestGetAndRemove(t *testing.T) {
	q, _ := newTestQueue(t, Options{Name: "test-queue", Concurrency: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "dep-2", "payload"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	pending, err := q.Get(ctx, "dep-2")
	if err != nil || !pending {
		t.Fatalf("Get() = (%v, %v), want (true, nil)", pending, err)
	}

	removed, err := q.Remove(ctx, "dep-2")
	if err != nil || !removed {
		t.Fatalf("Remove() = (%v, %v), want (true, nil)", removed, err)
	}

	pending, err = q.Get(ctx, "dep-2")
	if err != nil || pending {
		t.Fatalf("Get() after remove = (%v, %v), want (false, nil)", pending, err)
	}
}

func TestRunProcessesEnqueuedJobAndSkipsCancelled(t *testing.T) {
	q, _ := newTestQueue(t, Options{Name: "test-queue", Concurrency: 1, MaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, "dep-cancel", "x"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := q.Remove(ctx, "dep-cancel"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := q.Enqueue(ctx, "dep-keep", "y"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	var processed int32
	var mu sync.Mutex
	var seen []string

	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(_ context.Context, job Job) error {
			atomic.AddInt32(&processed, 1)
			mu.Lock()
			seen = append(seen, job.ID)
			mu.Unlock()
			if len(seen) >= 1 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue worker did not stop in time")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range seen {
		if id == "dep-cancel" {
			t.Fatalf("cancelled job %q was processed", id)
		}
	}
}

func TestProcessRetriesInfrastructuralErrorsThenGivesUp(t *testing.T) {
	q, _ := newTestQueue(t, Options{Name: "test-queue", Concurrency: 1, MaxAttempts: 2, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	var attempts int32
	job := Job{ID: "dep-3", Payload: []byte(`"x"`)}
	encoded, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	q.process(ctx, 0, job, string(encoded), func(_ context.Context, _ Job) error {
		atomic.AddInt32(&attempts, 1)
		return context.DeadlineExceeded
	})

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestReapStaleRedeliversExpiredLease(t *testing.T) {
	q, rdb := newTestQueue(t, Options{Name: "test-queue", LeaseTTL: time.Millisecond})
	ctx := context.Background()

	job := Job{ID: "dep-stale", Payload: []byte(`"x"`)}
	encoded, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	if err := rdb.LPush(ctx, q.processingKey, encoded).Err(); err != nil {
		t.Fatalf("failed to seed processing list: %v", err)
	}
	staleLease := time.Now().Add(-time.Hour).Unix()
	if err := rdb.HSet(ctx, q.leaseKey, job.ID, staleLease).Err(); err != nil {
		t.Fatalf("failed to seed lease: %v", err)
	}

	n, err := q.ReapStale(ctx)
	if err != nil {
		t.Fatalf("ReapStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReapStale() recovered = %d, want 1", n)
	}

	listLen, err := rdb.LLen(ctx, q.listKey).Result()
	if err != nil || listLen != 1 {
		t.Fatalf("listKey length = (%d, %v), want (1, nil) - job should be redelivered", listLen, err)
	}
	procLen, err := rdb.LLen(ctx, q.processingKey).Result()
	if err != nil || procLen != 0 {
		t.Fatalf("processingKey length = (%d, %v), want (0, nil)", procLen, err)
	}
}

func TestReapStaleLeavesFreshLeaseInPlace(t *testing.T) {
	q, rdb := newTestQueue(t, Options{Name: "test-queue", LeaseTTL: time.Hour})
	ctx := context.Background()

	job := Job{ID: "dep-fresh", Payload: []byte(`"x"`)}
	encoded, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	if err := rdb.LPush(ctx, q.processingKey, encoded).Err(); err != nil {
		t.Fatalf("failed to seed processing list: %v", err)
	}
	if err := rdb.HSet(ctx, q.leaseKey, job.ID, time.Now().Unix()).Err(); err != nil {
		t.Fatalf("failed to seed lease: %v", err)
	}

	n, err := q.ReapStale(ctx)
	if err != nil {
		t.Fatalf("ReapStale() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReapStale() recovered = %d, want 0 (lease still fresh)", n)
	}
	procLen, err := rdb.LLen(ctx, q.processingKey).Result()
	if err != nil || procLen != 1 {
		t.Fatalf("processingKey length = (%d, %v), want (1, nil) - untouched", procLen, err)
	}
}
