// Package callbacks implements the durable CallbackQueue (C8): a
// webhook delivery queue with a fixed retry schedule, a per-URL
// circuit breaker so a persistently failing endpoint fails fast
// instead of blocking the delivery pool on dial timeouts, and crash
// semantics where any entry caught in_flight at crash time reverts to
// pending on reload (the webhook endpoint is expected to be
// idempotent by callback id).
package callbacks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

const (
	pendingFileName = "callbacks.queue.json"
	failedFileName  = "failed_callbacks.json"
	maxAttempts     = 4
)

// retrySchedule[i] is the delay before the (i+2)th attempt: the first
// attempt is always immediate.
var retrySchedule = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Deliverer performs the actual HTTP delivery and returns the response
// status code, or an error for transport-level failures (timeout, DNS,
// connection refused).
type Deliverer func(cb *jobmodel.Callback) (statusCode int, err error)

// Queue is the durable webhook delivery queue.
type Queue struct {
	mu       sync.Mutex
	dir      string
	pending  []*jobmodel.Callback
	breakers map[string]*gobreaker.CircuitBreaker
}

// Load reads callbacks.queue.json. Any entry found in_flight — meaning
// the process crashed mid-delivery — reverts to pending.
func Load(workspaceDir string) (*Queue, error) {
	q := &Queue{dir: workspaceDir, breakers: make(map[string]*gobreaker.CircuitBreaker)}

	path := filepath.Join(workspaceDir, pendingFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("callbacks: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &q.pending); err != nil {
		return nil, fmt.Errorf("callbacks: parse %s: %w", path, err)
	}
	for _, cb := range q.pending {
		if cb.Status == jobmodel.CallbackInFlight {
			cb.Status = jobmodel.CallbackPending
		}
	}
	return q, nil
}

// Enqueue durably adds a new webhook delivery, due immediately.
func (q *Queue) Enqueue(jobID, url string, payload any) (*jobmodel.Callback, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cb := &jobmodel.Callback{
		ID:          uuid.New().String(),
		JobID:       jobID,
		URL:         url,
		Payload:     payload,
		Status:      jobmodel.CallbackPending,
		NextRetryAt: time.Now(),
	}
	q.pending = append(q.pending, cb)
	if err := q.persistPendingLocked(); err != nil {
		return nil, err
	}
	return cb, nil
}

// ProcessDue delivers every callback whose NextRetryAt has passed,
// using deliver for the actual transport call. Each delivery runs
// outside the queue's lock (HTTP is a blocking point per the
// concurrency model); only the before/after bookkeeping is gated.
func (q *Queue) ProcessDue(now time.Time, deliver Deliverer) error {
	due := q.takeDueLocked(now)

	for _, cb := range due {
		statusCode, err := q.deliverWithBreaker(cb, deliver)
		q.mu.Lock()
		q.applyResultLocked(cb, statusCode, err)
		persistErr := q.persistPendingLocked()
		q.mu.Unlock()
		if persistErr != nil {
			return persistErr
		}
	}
	return nil
}

func (q *Queue) takeDueLocked(now time.Time) []*jobmodel.Callback {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*jobmodel.Callback
	for _, cb := range q.pending {
		if cb.Status == jobmodel.CallbackPending && !cb.NextRetryAt.After(now) {
			cb.Status = jobmodel.CallbackInFlight
			due = append(due, cb)
		}
	}
	_ = q.persistPendingLocked()
	return due
}

func (q *Queue) deliverWithBreaker(cb *jobmodel.Callback, deliver Deliverer) (int, error) {
	breaker := q.breakerFor(cb.URL)
	result, err := breaker.Execute(func() (any, error) {
		statusCode, derr := deliver(cb)
		if derr != nil {
			return statusCode, derr
		}
		if statusCode >= 500 {
			return statusCode, fmt.Errorf("callbacks: upstream returned %d", statusCode)
		}
		return statusCode, nil
	})
	if err != nil {
		if code, ok := result.(int); ok && code != 0 {
			return code, err
		}
		return 0, err
	}
	return result.(int), nil
}

func (q *Queue) breakerFor(url string) *gobreaker.CircuitBreaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.breakers[url]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	q.breakers[url] = b
	return b
}

func isRetryable(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	if statusCode >= 500 {
		return true
	}
	return statusCode == 408 || statusCode == 429
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// applyResultLocked updates cb in place and, if it has reached a
// terminal state, removes it from pending (and appends it to
// failed_callbacks.json for the failed case).
func (q *Queue) applyResultLocked(cb *jobmodel.Callback, statusCode int, err error) {
	cb.Attempts++
	if err != nil {
		cb.LastError = err.Error()
	} else {
		cb.LastError = ""
	}

	switch {
	case isSuccess(statusCode):
		cb.Status = jobmodel.CallbackCompleted
		metrics.CallbacksDeliveredTotal.WithLabelValues("completed").Inc()
		metrics.CallbackRetries.Observe(float64(cb.Attempts))
		q.removeLocked(cb.ID)

	case isRetryable(statusCode, err):
		if cb.Attempts >= maxAttempts {
			cb.Status = jobmodel.CallbackFailed
			metrics.CallbacksDeliveredTotal.WithLabelValues("exhausted").Inc()
			metrics.CallbackRetries.Observe(float64(cb.Attempts))
			q.moveToFailedLocked(cb)
			return
		}
		cb.Status = jobmodel.CallbackPending
		cb.NextRetryAt = time.Now().Add(retrySchedule[cb.Attempts-1])

	default:
		// Non-retryable 4xx (other than 408/429): fail immediately.
		cb.Status = jobmodel.CallbackFailed
		metrics.CallbacksDeliveredTotal.WithLabelValues("rejected").Inc()
		metrics.CallbackRetries.Observe(float64(cb.Attempts))
		q.moveToFailedLocked(cb)
	}
}

func (q *Queue) removeLocked(id string) {
	for i, cb := range q.pending {
		if cb.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) moveToFailedLocked(cb *jobmodel.Callback) {
	q.removeLocked(cb.ID)
	path := filepath.Join(q.dir, failedFileName)

	var failed []*jobmodel.Callback
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &failed)
	}
	failed = append(failed, cb)
	if err := atomicio.WriteJSON(path, failed); err != nil {
		log.Logger.Error().Err(err).Str("callback_id", cb.ID).Msg("callbacks: failed to persist failed_callbacks.json")
	}
}

func (q *Queue) persistPendingLocked() error {
	path := filepath.Join(q.dir, pendingFileName)
	if err := atomicio.WriteJSON(path, q.pending); err != nil {
		return fmt.Errorf("callbacks: persist: %w", err)
	}
	return nil
}

// Pending returns a copy of all currently pending/in-flight callbacks.
func (q *Queue) Pending() []*jobmodel.Callback {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*jobmodel.Callback, len(q.pending))
	copy(out, q.pending)
	return out
}
