// Package stats implements StatisticsPersistence (C4): the server's
// real-time statistics document. Every mutation — job completion, p90
// recompute, allocation change — is serialized under one exclusive
// gate and written through atomicio before the gate releases. There is
// no throttling: every change is persisted while the lock is held.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/pkg/log"
)

const fileName = "statistics.json"

// ResourceUsage is one sample in the ring buffer of recent job
// executions.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMiB   float64   `json:"memory_mib"`
	DurationSec float64   `json:"duration_sec"`
	Timestamp   time.Time `json:"timestamp"`
}

// ringSize bounds how many ResourceUsage samples are retained; older
// samples are dropped as new ones arrive.
const ringSize = 256

// Snapshot is the complete persisted statistics document.
type Snapshot struct {
	TotalJobsProcessed int             `json:"total_jobs_processed"`
	Usage              []ResourceUsage `json:"usage"`
	P90DurationSec     float64         `json:"p90_duration_sec"`
	P90MemoryMiB       float64         `json:"p90_memory_mib"`
	CapacityInUse      int             `json:"capacity_in_use"`
	CapacityTotal      int             `json:"capacity_total"`
}

// Store guards Snapshot behind a single exclusive gate and persists
// every mutation.
type Store struct {
	mu   sync.Mutex
	path string
	snap Snapshot
}

// Load reads the statistics document, if present. A corrupted file is
// backed up to "statistics.json.corrupted.{timestamp}" and fresh state
// is initialized in its place — recovery must never fail startup over
// a damaged stats file.
func Load(workspaceDir string) (*Store, error) {
	path := filepath.Join(workspaceDir, fileName)
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.snap); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backup); rerr != nil {
			log.Logger.Warn().Err(rerr).Msg("stats: failed to back up corrupted statistics file")
		}
		log.Logger.Warn().Err(err).Str("backup", backup).Msg("stats: corrupted statistics file, reinitializing")
		s.snap = Snapshot{}
	}
	return s, nil
}

// RecordJobCompletion appends a usage sample, recomputes p90 estimates
// and total job count, and persists the result — all under the gate.
func (s *Store) RecordJobCompletion(usage ResourceUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.TotalJobsProcessed++
	s.snap.Usage = append(s.snap.Usage, usage)
	if len(s.snap.Usage) > ringSize {
		s.snap.Usage = s.snap.Usage[len(s.snap.Usage)-ringSize:]
	}
	s.recomputeP90Locked()
	return s.persistLocked()
}

// SetCapacity updates the current/total capacity metrics and persists
// the result.
func (s *Store) SetCapacity(inUse, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CapacityInUse = inUse
	s.snap.CapacityTotal = total
	return s.persistLocked()
}

// Snapshot returns a copy of the current statistics document.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.snap
	cp.Usage = append([]ResourceUsage(nil), s.snap.Usage...)
	return cp
}

func (s *Store) recomputeP90Locked() {
	if len(s.snap.Usage) == 0 {
		return
	}
	durations := make([]float64, len(s.snap.Usage))
	mems := make([]float64, len(s.snap.Usage))
	for i, u := range s.snap.Usage {
		durations[i] = u.DurationSec
		mems[i] = u.MemoryMiB
	}
	sort.Float64s(durations)
	sort.Float64s(mems)
	s.snap.P90DurationSec = percentile(durations, 0.90)
	s.snap.P90MemoryMiB = percentile(mems, 0.90)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Store) persistLocked() error {
	if err := atomicio.WriteJSON(s.path, s.snap); err != nil {
		return fmt.Errorf("stats: persist: %w", err)
	}
	return nil
}
