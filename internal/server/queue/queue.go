// Package queue implements QueuePersistence (C3): a durable FIFO job
// queue built on atomicio snapshots and the wal package's write-ahead
// log. In-memory state and the WAL are mutated under the same
// critical section, so disk order always matches memory order.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/internal/server/wal"
	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
)

const (
	walFileName      = "queue.wal"
	snapshotFileName = "queue-snapshot.json"
)

// snapshot is the complete on-disk representation written at every
// checkpoint.
type snapshot struct {
	Seq   uint64          `json:"seq"`
	Items []*jobmodel.Job `json:"items"`
}

// Queue is the in-memory FIFO, durable via wal+atomicio.
type Queue struct {
	mu   sync.Mutex
	dir  string
	wal  *wal.WAL
	seq  uint64
	byID map[string]*jobmodel.Job
	// order holds job IDs in strict FIFO sequence order.
	order []string
}

// RecoveryStats summarizes what Load found on startup.
type RecoveryStats struct {
	JobsRecovered   int
	RecordsSkipped  int
	SnapshotCorrupt bool
}

// Load opens (or creates) the queue for workspaceDir, replaying its
// snapshot and WAL per §4.2: load snapshot if present, then replay WAL
// entries in order. If the snapshot is corrupted, the queue is
// reconstructed from the WAL alone.
func Load(workspaceDir string) (*Queue, RecoveryStats, error) {
	var stats RecoveryStats

	q := &Queue{
		dir:  workspaceDir,
		byID: make(map[string]*jobmodel.Job),
	}

	snapPath := filepath.Join(workspaceDir, snapshotFileName)
	if snap, err := loadSnapshot(snapPath); err != nil {
		stats.SnapshotCorrupt = true
		log.Logger.Warn().Err(err).Msg("queue: snapshot corrupted, reconstructing from WAL alone")
	} else if snap != nil {
		q.seq = snap.Seq
		for _, j := range snap.Items {
			q.byID[j.ID] = j
			q.order = append(q.order, j.ID)
		}
	}

	walPath := filepath.Join(workspaceDir, walFileName)
	records, err := wal.Replay(walPath)
	if err != nil {
		return nil, stats, fmt.Errorf("queue: replay wal: %w", err)
	}
	for _, rec := range records {
		if !q.apply(rec) {
			stats.RecordsSkipped++
			continue
		}
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
	}

	w, err := wal.Open(walPath)
	if err != nil {
		return nil, stats, fmt.Errorf("queue: open wal: %w", err)
	}
	q.wal = w

	q.recalculatePositions()
	stats.JobsRecovered = len(q.order)
	return q, stats, nil
}

func loadSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// apply applies a single replayed WAL record to in-memory state.
// Returns false if the record is structurally unusable and should be
// counted as skipped.
func (q *Queue) apply(rec wal.Record) bool {
	switch rec.Op {
	case wal.OpEnqueue:
		if rec.Job == nil || rec.Job.ID == "" {
			return false
		}
		if _, exists := q.byID[rec.Job.ID]; !exists {
			q.order = append(q.order, rec.Job.ID)
		}
		q.byID[rec.Job.ID] = rec.Job
		return true
	case wal.OpDequeue:
		if rec.JobID == "" {
			return false
		}
		q.removeFromOrder(rec.JobID)
		delete(q.byID, rec.JobID)
		return true
	case wal.OpStatusChange:
		job, ok := q.byID[rec.JobID]
		if !ok {
			return false
		}
		job.Status = rec.Status
		job.UpdatedAt = rec.Timestamp
		return true
	case wal.OpPositionUpdate:
		// Positions are recalculated wholesale after replay; individual
		// position_update records only matter for live playback, not replay.
		return true
	default:
		return false
	}
}

func (q *Queue) removeFromOrder(jobID string) {
	for i, id := range q.order {
		if id == jobID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) recalculatePositions() {
	metrics.QueueDepth.WithLabelValues("all").Set(float64(len(q.order)))
}

// Enqueue appends job to the tail of the queue, assigns it the next
// sequence number, and durably records the mutation before returning.
func (q *Queue) Enqueue(job *jobmodel.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	job.Sequence = q.seq
	job.Status = jobmodel.JobQueued
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.wal.Append(wal.Record{Seq: q.seq, Op: wal.OpEnqueue, Timestamp: now, Job: job}); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}

	q.byID[job.ID] = job
	q.order = append(q.order, job.ID)
	q.recalculatePositions()

	return q.maybeCheckpointLocked()
}

// Dequeue removes and returns the job at the head of the queue.
func (q *Queue) Dequeue() (*jobmodel.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil, nil
	}
	jobID := q.order[0]
	job := q.byID[jobID]

	q.seq++
	now := time.Now().UTC()
	if err := q.wal.Append(wal.Record{Seq: q.seq, Op: wal.OpDequeue, Timestamp: now, JobID: jobID}); err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", jobID, err)
	}

	q.order = q.order[1:]
	delete(q.byID, jobID)
	q.recalculatePositions()

	if err := q.maybeCheckpointLocked(); err != nil {
		return job, err
	}
	return job, nil
}

// UpdateStatus changes a job's status and durably records the change.
func (q *Queue) UpdateStatus(jobID string, status jobmodel.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[jobID]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", jobID)
	}

	q.seq++
	now := time.Now().UTC()
	if err := q.wal.Append(wal.Record{Seq: q.seq, Op: wal.OpStatusChange, Timestamp: now, JobID: jobID, Status: status}); err != nil {
		return fmt.Errorf("queue: status change %s: %w", jobID, err)
	}

	job.Status = status
	job.UpdatedAt = now
	return q.maybeCheckpointLocked()
}

// Snapshot returns a defensive copy of jobs in FIFO order, with
// Position recomputed 1-based.
func (q *Queue) Snapshot() []*jobmodel.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*jobmodel.Job, 0, len(q.order))
	for i, id := range q.order {
		j := *q.byID[id]
		j.Position = i + 1
		out = append(out, &j)
	}
	return out
}

// Len returns the number of jobs currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Checkpoint forces an immediate snapshot+truncate regardless of
// whether the WAL thresholds have been reached. Exposed for the
// recovery orchestrator and tests.
func (q *Queue) Checkpoint() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkpointLocked()
}

func (q *Queue) maybeCheckpointLocked() error {
	if !q.wal.NeedsCheckpoint() {
		return nil
	}
	return q.checkpointLocked()
}

func (q *Queue) checkpointLocked() error {
	snap := snapshot{Seq: q.seq}
	for _, id := range q.order {
		snap.Items = append(snap.Items, q.byID[id])
	}

	path := filepath.Join(q.dir, snapshotFileName)
	if err := atomicio.WriteJSON(path, snap); err != nil {
		return fmt.Errorf("queue: write snapshot: %w", err)
	}
	return q.wal.Truncate()
}

// Close releases the underlying WAL file handle.
func (q *Queue) Close() error {
	return q.wal.Close()
}
