// Package sentinel implements the SentinelMonitor (C5): a per-job
// heartbeat file plus a duplexed output file, written by every running
// adaptor, and a startup-time scanner that classifies each job as
// fresh, stale or dead.
package sentinel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/pkg/jobmodel"
)

// HeartbeatInterval is how often a running adaptor refreshes its
// sentinel file.
const HeartbeatInterval = 30 * time.Second

// Aliveness thresholds, per the global invariants: age < 2 min is
// alive; 2-10 min is stale (warn only); > 10 min or a dead PID is dead.
const (
	StaleThreshold = 2 * time.Minute
	DeadThreshold  = 10 * time.Minute
)

// Classification is the result of evaluating one sentinel file.
type Classification string

const (
	Fresh Classification = "fresh"
	Stale Classification = "stale"
	Dead  Classification = "dead"
)

const (
	sentinelFileName = ".sentinel.json"
)

func jobDir(workspaceDir, jobID string) string {
	return filepath.Join(workspaceDir, "jobs", jobID)
}

func sentinelPath(workspaceDir, jobID string) string {
	return filepath.Join(jobDir(workspaceDir, jobID), sentinelFileName)
}

func outputPath(workspaceDir, jobID, sessionID string) string {
	return filepath.Join(jobDir(workspaceDir, jobID), sessionID+".output")
}

// Writer is held by a running adaptor: it refreshes the sentinel file
// on a dedicated timer (non-blocking with respect to adaptor work) and
// appends output writes to the deterministic output file; echoing them
// to the parent's stdout is left to the caller.
type Writer struct {
	workspaceDir string
	jobID        string
	sessionID    string
	engine       string
	host         string

	mu         sync.Mutex
	outputFile *os.File

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWriter creates the job directory and opens the output file in
// append mode, then returns a Writer ready to Start.
func NewWriter(workspaceDir, jobID, sessionID, engine string) (*Writer, error) {
	dir := jobDir(workspaceDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sentinel: create job dir: %w", err)
	}

	f, err := os.OpenFile(outputPath(workspaceDir, jobID, sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sentinel: open output file: %w", err)
	}

	host, _ := os.Hostname()

	return &Writer{
		workspaceDir: workspaceDir,
		jobID:        jobID,
		sessionID:    sessionID,
		engine:       engine,
		host:         host,
		outputFile:   f,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start writes the initial sentinel file and begins the 30s refresh
// timer. The timer runs on its own goroutine, decoupled from the
// adaptor's own execution.
func (w *Writer) Start() error {
	if err := w.beat(); err != nil {
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = w.beat()
			case <-w.stopCh:
				return
			}
		}
	}()
	return nil
}

func (w *Writer) beat() error {
	hb := jobmodel.Sentinel{
		JobID:         w.jobID,
		PID:           os.Getpid(),
		LastHeartbeat: time.Now().UTC(),
		AdaptorEngine: w.engine,
		Host:          w.host,
	}
	return atomicio.WriteJSON(sentinelPath(w.workspaceDir, w.jobID), hb)
}

// WriteOutput appends a line to the duplexed output file and flushes
// it immediately. Writing to the parent's own stdout is the caller's
// responsibility; this only maintains the authoritative on-disk copy.
func (w *Writer) WriteOutput(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.outputFile.Write(p); err != nil {
		return fmt.Errorf("sentinel: write output: %w", err)
	}
	return w.outputFile.Sync()
}

// Stop halts the heartbeat timer and closes the output file.
func (w *Writer) Stop() error {
	close(w.stopCh)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outputFile.Close()
}

// Entry is one classified sentinel found during a startup scan.
type Entry struct {
	Sentinel       jobmodel.Sentinel
	Classification Classification
}

// ScanAll reads every jobs/{jobId}/.sentinel.json file under
// workspaceDir and classifies it. A corrupted sentinel file is treated
// as dead (its job cannot be reattached).
func ScanAll(workspaceDir string) ([]Entry, error) {
	jobsDir := filepath.Join(workspaceDir, "jobs")
	dirEntries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sentinel: list jobs dir: %w", err)
	}

	var out []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		path := filepath.Join(jobsDir, de.Name(), sentinelFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			out = append(out, Entry{Sentinel: jobmodel.Sentinel{JobID: de.Name()}, Classification: Dead})
			continue
		}
		var hb jobmodel.Sentinel
		if jsonErr := json.Unmarshal(data, &hb); jsonErr != nil {
			out = append(out, Entry{Sentinel: jobmodel.Sentinel{JobID: de.Name()}, Classification: Dead})
			continue
		}
		out = append(out, Entry{Sentinel: hb, Classification: Classify(hb, ProcessAlive)})
	}
	return out, nil
}

// Classify implements the §4.4 tie-break: a dead PID always
// classifies as dead, regardless of how fresh the timestamp looks.
func Classify(hb jobmodel.Sentinel, isAlive func(pid int) bool) Classification {
	if !isAlive(hb.PID) {
		return Dead
	}
	age := time.Since(hb.LastHeartbeat)
	switch {
	case age < StaleThreshold:
		return Fresh
	// age == DeadThreshold classifies as Stale here, reading "2-10 min"
	// as inclusive of the 10-minute boundary; a separate boundary-case
	// listing elsewhere describes exactly 600s as Dead instead. The two
	// descriptions conflict; this is the reading this implementation
	// commits to.
	case age <= DeadThreshold:
		return Stale
	default:
		return Dead
	}
}

// ProcessAlive reports whether pid refers to a live process, using the
// standard Unix "signal 0" probe: sending signal 0 performs error
// checking without actually delivering a signal.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
