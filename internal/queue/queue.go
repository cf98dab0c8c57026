// Package queue implements the durable, Redis-backed FIFO job queues that
// feed the deployment pipeline: the build queue and the rollback queue.
// Each queue provides at-least-once dequeue with an exclusive lease, a
// per-queue rate limit, bounded worker concurrency, and infrastructural
// retry with exponential backoff. Business-level failures are not retried
// here; they are absorbed by the pipeline, which writes a terminal FAILED
// deployment and reports the job as done.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"renderlite/internal/apierr"
)

// ErrAlreadyPending is returned by Enqueue when a job with the same id is
// already sitting in the queue.
var ErrAlreadyPending = errors.New("job already pending")

// keyPrefix namespaces every key this package writes in Redis.
const keyPrefix = "renderlite:queue:"

// Job is one unit of work sitting in a queue: an opaque id (the deployment
// id) plus an arbitrary JSON payload (DeploymentJob or RollbackJob).
type Job struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler processes one job. Returning an error here is interpreted as an
// infrastructural failure and triggers a retry with backoff; business
// failures must be absorbed by the handler itself (log them, write the
// terminal state, and return nil).
type Handler func(ctx context.Context, job Job) error

// Options configures a Queue.
type Options struct {
	Name        string        // e.g. "build-queue", becomes part of the Redis key
	Concurrency int           // bounded worker pool size
	RateLimit   int           // jobs per RateWindow, rolling
	RateWindow  time.Duration // defaults to one minute
	MaxAttempts int           // infrastructural retry budget
	BaseBackoff time.Duration // defaults to one second
	LeaseTTL    time.Duration // defaults to ten minutes
}

// Queue is a single named, durable FIFO queue backed by a Redis list. A
// dequeue is a BRPOPLPUSH from the list into a processing list rather than a
// destructive BRPOP, and each leased job's id is timestamped in a lease
// hash; a periodic reap sweep pushes any job whose lease has gone stale
// (its worker died before finishing it) back onto the list, so a dequeue
// never silently loses a job outright.
type Queue struct {
	rdb           *redis.Client
	name          string
	listKey       string
	processingKey string
	leaseKey      string // hash of jobId -> unix seconds leased at
	pendingKey    string // hash of jobId -> 1, for O(1) membership checks
	concurrency   int
	limiter       *rate.Limiter
	maxAttempts   int
	baseBackoff   time.Duration
	leaseTTL      time.Duration
}

// New constructs a Queue. It does not start processing; call Run for that.
func New(rdb *redis.Client, opts Options) *Queue {
	window := opts.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RateLimit)/window.Seconds()), opts.RateLimit)
	}

	return &Queue{
		rdb:           rdb,
		name:          opts.Name,
		listKey:       keyPrefix + opts.Name,
		processingKey: keyPrefix + opts.Name + ":processing",
		leaseKey:      keyPrefix + opts.Name + ":lease",
		pendingKey:    keyPrefix + opts.Name + ":pending",
		concurrency:   concurrency,
		limiter:       limiter,
		maxAttempts:   maxAttempts,
		baseBackoff:   backoff,
		leaseTTL:      leaseTTL,
	}
}

// Enqueue durably appends a job to the tail of the queue. It fails with
// ErrAlreadyPending if jobId is already queued, giving jobId-equals-
// deployment-id callers an at-most-once-in-queue guarantee (I5).
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	added, err := q.rdb.HSetNX(ctx, q.pendingKey, jobID, 1).Result()
	if err != nil {
		return apierr.RuntimeUnavailable("failed to reserve job id", err)
	}
	if !added {
		return ErrAlreadyPending
	}

	job := Job{ID: jobID, Payload: raw, Attempt: 0}
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.listKey, encoded).Err(); err != nil {
		q.rdb.HDel(ctx, q.pendingKey, jobID)
		return apierr.RuntimeUnavailable("failed to enqueue job", err)
	}

	log.Printf("[QUEUE:%s] enqueued job %s", q.name, jobID)
	return nil
}

// Get reports whether jobId is still sitting in the queue (not yet leased
// and completed).
func (q *Queue) Get(ctx context.Context, jobID string) (bool, error) {
	exists, err := q.rdb.HExists(ctx, q.pendingKey, jobID).Result()
	if err != nil {
		return false, apierr.RuntimeUnavailable("failed to inspect job", err)
	}
	return exists, nil
}

// Remove deletes jobId from the queue while it is still pending. It does
// not interrupt a job already leased by a worker (§4.2 cancellation runs
// only against QUEUED jobs).
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.rdb.HDel(ctx, q.pendingKey, jobID).Result()
	if err != nil {
		return false, apierr.RuntimeUnavailable("failed to remove job", err)
	}
	if removed == 0 {
		return false, nil
	}
	// The list entry is left in place and filtered out at lease time by
	// pendingKey membership, avoiding an O(n) list scan on every cancel.
	log.Printf("[QUEUE:%s] removed pending job %s", q.name, jobID)
	return true, nil
}

// Run starts the bounded worker pool plus the lease-reap sweep and blocks
// until ctx is cancelled. Each worker leases a job with BRPOPLPUSH, checks
// it is still pending (a cancelled job is silently dropped), and invokes
// handler with infrastructural retries.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log.Printf("[QUEUE:%s] starting %d worker(s)", q.name, q.concurrency)

	reapDone := make(chan struct{})
	go func() {
		q.reapLoop(ctx)
		close(reapDone)
	}()

	done := make(chan struct{})
	for i := 0; i < q.concurrency; i++ {
		go func(workerID int) {
			q.workerLoop(ctx, workerID, handler)
			done <- struct{}{}
		}(i)
	}

	for i := 0; i < q.concurrency; i++ {
		<-done
	}
	<-reapDone
	log.Printf("[QUEUE:%s] all workers stopped", q.name)
}

func (q *Queue) workerLoop(ctx context.Context, workerID int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		encoded, err := q.rdb.BRPopLPush(ctx, q.listKey, q.processingKey, 2*time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("[QUEUE:%s] worker %d lease error: %v", q.name, workerID, err)
			time.Sleep(time.Second)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(encoded), &job); err != nil {
			log.Printf("[QUEUE:%s] worker %d failed to decode job: %v", q.name, workerID, err)
			q.rdb.LRem(ctx, q.processingKey, 1, encoded)
			continue
		}

		if err := q.rdb.HSet(ctx, q.leaseKey, job.ID, time.Now().Unix()).Err(); err != nil {
			log.Printf("[QUEUE:%s] worker %d failed to record lease for %s: %v", q.name, workerID, job.ID, err)
		}

		stillPending, err := q.rdb.HExists(ctx, q.pendingKey, job.ID).Result()
		if err != nil {
			log.Printf("[QUEUE:%s] worker %d membership check failed for %s: %v", q.name, workerID, job.ID, err)
			q.release(ctx, job.ID, encoded)
			continue
		}
		if !stillPending {
			log.Printf("[QUEUE:%s] worker %d dropping cancelled job %s", q.name, workerID, job.ID)
			q.release(ctx, job.ID, encoded)
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		q.process(ctx, workerID, job, encoded, handler)
	}
}

// process runs handler, retrying with exponential backoff on infrastructural
// error until maxAttempts is exhausted, then gives up and drops the job.
func (q *Queue) process(ctx context.Context, workerID int, job Job, encoded string, handler Handler) {
	defer q.release(ctx, job.ID, encoded)

	backoff := q.baseBackoff
	for job.Attempt < q.maxAttempts {
		job.Attempt++
		err := handler(ctx, job)
		if err == nil {
			return
		}
		log.Printf("[QUEUE:%s] worker %d job %s attempt %d/%d failed: %v",
			q.name, workerID, job.ID, job.Attempt, q.maxAttempts, err)

		if job.Attempt >= q.maxAttempts {
			log.Printf("[QUEUE:%s] job %s exhausted retries, dropping", q.name, job.ID)
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}

// release clears every trace of a job once it has reached a terminal
// outcome from the queue's point of view (handled, cancelled, or dropped
// after exhausting retries): the pending marker, the processing-list
// entry, and the lease.
func (q *Queue) release(ctx context.Context, jobID, encoded string) {
	q.rdb.HDel(ctx, q.pendingKey, jobID)
	q.rdb.LRem(ctx, q.processingKey, 1, encoded)
	q.rdb.HDel(ctx, q.leaseKey, jobID)
}

// reapLoop periodically calls ReapStale until ctx is cancelled.
func (q *Queue) reapLoop(ctx context.Context) {
	interval := q.leaseTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.ReapStale(ctx); err != nil {
				log.Printf("[QUEUE:%s] reap sweep failed: %v", q.name, err)
			} else if n > 0 {
				log.Printf("[QUEUE:%s] redelivered %d stale in-flight job(s)", q.name, n)
			}
		}
	}
}

// ReapStale finds jobs sitting in the processing list whose lease has gone
// stale - the worker that leased them died or was killed before finishing -
// and pushes them back onto the main list so another worker redelivers
// them. This is what makes a dequeue at-least-once instead of at-most-once.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	entries, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, apierr.RuntimeUnavailable("failed to list in-flight jobs", err)
	}

	recovered := 0
	for _, encoded := range entries {
		var job Job
		if err := json.Unmarshal([]byte(encoded), &job); err != nil {
			log.Printf("[QUEUE:%s] dropping undecodable in-flight entry", q.name)
			q.rdb.LRem(ctx, q.processingKey, 1, encoded)
			continue
		}

		leasedAtRaw, err := q.rdb.HGet(ctx, q.leaseKey, job.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("[QUEUE:%s] failed to read lease for job %s: %v", q.name, job.ID, err)
			continue
		}
		// A missing lease (e.g. the worker died before the HSet landed) is
		// treated as maximally stale rather than skipped, so the job is not
		// stranded in the processing list forever.
		leasedAt := int64(0)
		if leasedAtRaw != "" {
			leasedAt, _ = strconv.ParseInt(leasedAtRaw, 10, 64)
		}
		if time.Since(time.Unix(leasedAt, 0)) < q.leaseTTL {
			continue
		}

		removed, err := q.rdb.LRem(ctx, q.processingKey, 1, encoded).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.listKey, encoded).Err(); err != nil {
			log.Printf("[QUEUE:%s] failed to redeliver stale job %s: %v", q.name, job.ID, err)
			continue
		}
		q.rdb.HDel(ctx, q.leaseKey, job.ID)
		log.Printf("[QUEUE:%s] redelivered stale in-flight job %s (lease expired)", q.name, job.ID)
		recovered++
	}
	return recovered, nil
}
