// Package wal implements the append-only write-ahead log that backs
// the job queue (C2 in the component design). Every queue mutation is
// appended as one JSONL record and flushed before the caller's
// operation is acknowledged; a checkpoint later folds the log into a
// snapshot and truncates it. Sequence numbers, assigned by the caller
// and carried in each record, never reset, even across checkpoints, so
// queue ordering survives restarts.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
)

// Op names one of the four queue mutation kinds.
type Op string

const (
	OpEnqueue        Op = "enqueue"
	OpDequeue        Op = "dequeue"
	OpStatusChange   Op = "status_change"
	OpPositionUpdate Op = "position_update"
)

// Checkpoint thresholds, per the component design: whichever trips
// first triggers a checkpoint.
const (
	CheckpointOpThreshold   = 100
	CheckpointInterval      = 5 * time.Minute
	CheckpointSizeThreshold = 10 * 1024 * 1024 // 10 MiB
)

// Record is one WAL entry. Job is populated only for OpEnqueue; the
// other op kinds carry just enough to replay the mutation.
type Record struct {
	Seq       uint64          `json:"seq"`
	Op        Op              `json:"op"`
	Timestamp time.Time       `json:"timestamp"`
	Job       *jobmodel.Job   `json:"job,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Status    jobmodel.JobStatus `json:"status,omitempty"`
	Position  int             `json:"position,omitempty"`
}

// WAL is the append-only log file. Callers serialize access to it
// themselves (the queue package holds one mutex covering both the
// in-memory queue and the WAL, per the "same critical section"
// invariant), so WAL itself does no internal locking beyond guarding
// its own file handle.
type WAL struct {
	path string

	mu                 sync.Mutex
	file               *os.File
	opsSinceCheckpoint int
	sizeBytes          int64
	lastCheckpoint     time.Time
}

// Open opens (creating if absent) the WAL file in append mode.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	return &WAL{
		path:           path,
		file:           f,
		sizeBytes:      info.Size(),
		lastCheckpoint: time.Now(),
	}, nil
}

// Append writes one record as a JSON line and flushes it to stable
// storage before returning, so the caller's acknowledgment implies
// durability.
func (w *WAL) Append(rec Record) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALAppendDuration)

	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: marshal record: %w", err)
	}
	data = append(data, '\n')

	n, err := w.file.Write(data)
	if err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: flush record: %w", err)
	}

	w.opsSinceCheckpoint++
	w.sizeBytes += int64(n)
	return nil
}

// NeedsCheckpoint reports whether any of the three checkpoint
// triggers (op count, time elapsed, WAL size) have been reached.
func (w *WAL) NeedsCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opsSinceCheckpoint >= CheckpointOpThreshold ||
		time.Since(w.lastCheckpoint) >= CheckpointInterval ||
		w.sizeBytes >= CheckpointSizeThreshold
}

// Truncate resets the WAL to empty after a snapshot has durably
// captured its content. Sequence numbers are tracked by the caller and
// are never reset here.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	w.opsSinceCheckpoint = 0
	w.sizeBytes = 0
	w.lastCheckpoint = time.Now()
	metrics.CheckpointsTotal.Inc()
	return nil
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Replay reads every record in path in order. A record that fails to
// parse is skipped with a warning rather than aborting the replay;
// partial recovery is acceptable per the component design. Replay does
// not require an open WAL and is used standalone during recovery.
func Replay(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: open %s for replay: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Logger.Warn().Int("line", lineNo).Err(err).Str("path", path).
				Msg("wal: skipping corrupted record during replay")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("wal: scan %s: %w", path, err)
	}
	return records, nil
}
