// Package progress implements ProgressTracker: a Redis-backed view of
// an ingestion job's progress, read by polling clients and written by the
// orchestrator as it advances through its steps.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"expedienterag/internal/domain"
)

// Update is one progress record for a job, the JSON value stored under
// task_progress:{job_id}.
type Update struct {
	JobID        string          `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	CurrentStep  int             `json:"current_step"`
	TotalSteps   int             `json:"total_steps"`
	Message      string          `json:"message"`
	ErrorDetails string          `json:"error_details,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ttl is the task_progress record lifetime, refreshed on every
// write so a stalled job's record doesn't vanish mid-run.
const ttl = 3600 * time.Second

// Tracker records and exposes ingestion job progress. It is a pure view
// over external Redis state: it holds no in-process job state of
// its own, so any number of worker processes can share one Tracker backend.
type Tracker interface {
	// Set idempotently records a progress update. The step is clamped into
	// [0, total_steps]; once a job has reached a terminal JobStatus, further
	// Set calls for that job are silently ignored instead of overwriting the
	// terminal record.
	Set(ctx context.Context, u Update) error
	Get(ctx context.Context, jobID string) (Update, bool, error)
	Subscribe(ctx context.Context, jobID string) (<-chan Update, func())

	// RequestCancellation marks a job for cooperative cancellation. It does
	// not itself stop anything; the orchestrator checks IsCancelled at its
	// defined checkpoints and raises JobCancelled when true.
	RequestCancellation(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)

	// AcquireLock/ReleaseLock implement the (expediente, filename)
	// idempotency lock so two workers never ingest the same upload
	// concurrently.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// RedisTracker is the production Tracker backed by redis.UniversalClient.
type RedisTracker struct {
	client redis.UniversalClient
}

// NewRedisTracker builds a RedisTracker.
func NewRedisTracker(client redis.UniversalClient) *RedisTracker {
	return &RedisTracker{client: client}
}

func keyState(jobID string) string    { return "task_progress:" + jobID }
func keyChannel(jobID string) string  { return "task_progress:" + jobID + ":events" }
func keyCancel(jobID string) string   { return "task_progress:" + jobID + ":cancel" }
func keyLock(key string) string       { return "task_progress:lock:" + key }

// Set applies the idempotent-update rule: clamp current_step into
// [0, total_steps], and refuse to overwrite a record already in a terminal
// JobStatus.
func (t *RedisTracker) Set(ctx context.Context, u Update) error {
	cur, found, err := t.Get(ctx, u.JobID)
	if err != nil {
		return err
	}
	if found && cur.Status.Terminal() {
		return nil
	}
	if u.TotalSteps <= 0 && found {
		u.TotalSteps = cur.TotalSteps
	}
	u.CurrentStep = clampStep(u.CurrentStep, u.TotalSteps)
	u.UpdatedAt = time.Now().UTC()

	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("progress: marshal update: %w", err)
	}
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, keyState(u.JobID), b, ttl)
	pipe.Publish(ctx, keyChannel(u.JobID), b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress: set %q: %w", u.JobID, err)
	}
	return nil
}

func clampStep(step, total int) int {
	if step < 0 {
		return 0
	}
	if total > 0 && step > total {
		return total
	}
	return step
}

// Get returns the last known state for a job. found is false when no record
// exists (job unknown or its TTL expired).
func (t *RedisTracker) Get(ctx context.Context, jobID string) (Update, bool, error) {
	raw, err := t.client.Get(ctx, keyState(jobID)).Result()
	if err == redis.Nil {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("progress: get %q: %w", jobID, err)
	}
	var u Update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return Update{}, false, fmt.Errorf("progress: decode %q: %w", jobID, err)
	}
	return u, true, nil
}

// Subscribe streams live updates for a job until the returned cancel func is
// called or the context is done.
func (t *RedisTracker) Subscribe(ctx context.Context, jobID string) (<-chan Update, func()) {
	sub := t.client.Subscribe(ctx, keyChannel(jobID))
	out := make(chan Update, 8)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err == nil {
					select {
					case out <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// RequestCancellation flags a job for cooperative cancellation. The flag
// lives under its own key so it survives independently of whatever state
// record the orchestrator last wrote.
func (t *RedisTracker) RequestCancellation(ctx context.Context, jobID string) error {
	if err := t.client.Set(ctx, keyCancel(jobID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("progress: request cancellation %q: %w", jobID, err)
	}
	return nil
}

// IsCancelled reports whether RequestCancellation has been called for jobID.
// The orchestrator calls this at its defined checkpoints and raises
// apperr.JobCancelled when it returns true.
func (t *RedisTracker) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := t.client.Exists(ctx, keyCancel(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("progress: is-cancelled %q: %w", jobID, err)
	}
	return n > 0, nil
}

// AcquireLock takes a distributed lock via SETNX, used to make sure only one
// worker processes a given idempotency key at a time.
func (t *RedisTracker) AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	ok, err := t.client.SetNX(ctx, keyLock(key), "1", lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("progress: acquire lock %q: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock releases a lock taken by AcquireLock.
func (t *RedisTracker) ReleaseLock(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, keyLock(key)).Err(); err != nil {
		return fmt.Errorf("progress: release lock %q: %w", key, err)
	}
	return nil
}

var _ Tracker = (*RedisTracker)(nil)

// TranscriptionPercent maps a chunk index out of total into the 25-95% band
// the ingestion pipeline reserves for audio transcription progress.
// Kept here too so callers reporting into a Tracker and callers inside
// internal/audio share one formula.
func TranscriptionPercent(i, total int) int {
	if total <= 0 {
		return 25
	}
	pct := 25 + int(float64(i)/float64(total)*70.0+0.5)
	if pct > 95 {
		pct = 95
	}
	return pct
}
