// Package lockstore implements LockStore (C6): per-repository
// ".lock.json" files with stale detection by age or dead PID, a
// ".cleanup_in_progress" marker so an interrupted release can resume,
// and atomic, all-or-nothing composite (multi-repository) acquisition.
package lockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/internal/server/sentinel"
	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
	"github.com/google/uuid"
)

// StaleAge is the boundary at which a lock is considered stale;
// exactly StaleAge old is inclusive-stale.
const StaleAge = 10 * time.Minute

const cleanupMarkerName = ".cleanup_in_progress"

// ErrAlreadyLocked is returned by Acquire when the repository already
// has a live lock.
var ErrAlreadyLocked = fmt.Errorf("lockstore: repository already locked")

// ErrUnavailable is returned by Acquire when the repository has been
// marked unavailable by degraded mode (its lock file was found
// corrupted during recovery).
var ErrUnavailable = fmt.Errorf("lockstore: repository unavailable (degraded mode)")

// Store manages lock files under workspaceDir/locks.
type Store struct {
	dir string

	mu          sync.Mutex
	held        map[string]*jobmodel.Lock
	unavailable map[string]bool
}

type cleanupMarker struct {
	Repositories []string  `json:"repositories"`
	StartedAt    time.Time `json:"started_at"`
}

// Open prepares the locks directory. It does not perform recovery —
// call Recover once, at startup, before accepting new acquisitions.
func Open(workspaceDir string) (*Store, error) {
	dir := filepath.Join(workspaceDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockstore: create locks dir: %w", err)
	}
	return &Store{
		dir:         dir,
		held:        make(map[string]*jobmodel.Lock),
		unavailable: make(map[string]bool),
	}, nil
}

func (s *Store) lockPath(repo string) string {
	return filepath.Join(s.dir, repo+".lock.json")
}

// Acquire writes a new lock file for repo, failing if it is already
// held or has been marked unavailable.
func (s *Store) Acquire(repo, holder, operation string, pid int) (*jobmodel.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable[repo] {
		return nil, ErrUnavailable
	}
	if _, ok := s.held[repo]; ok {
		return nil, ErrAlreadyLocked
	}

	lock := &jobmodel.Lock{
		Repository:  repo,
		Holder:      holder,
		Operation:   operation,
		AcquiredAt:  time.Now().UTC(),
		PID:         pid,
		OperationID: uuid.New().String(),
	}
	if err := atomicio.WriteJSON(s.lockPath(repo), lock); err != nil {
		return nil, fmt.Errorf("lockstore: acquire %s: %w", repo, err)
	}
	s.held[repo] = lock
	metrics.LocksHeld.Set(float64(len(s.held)))
	return lock, nil
}

// AcquireComposite acquires all named repositories atomically: it
// attempts them in sorted order and rolls back everything acquired so
// far on the first conflict, so the caller never observes a partial
// composite lock.
func (s *Store) AcquireComposite(repos []string, holder, operation string, pid int) ([]*jobmodel.Lock, error) {
	sorted := append([]string(nil), repos...)
	sort.Strings(sorted)

	acquired := make([]*jobmodel.Lock, 0, len(sorted))
	for _, repo := range sorted {
		lock, err := s.Acquire(repo, holder, operation, pid)
		if err != nil {
			for _, l := range acquired {
				_ = s.Release(l.Repository)
			}
			return nil, fmt.Errorf("lockstore: composite acquire failed on %s: %w", repo, err)
		}
		acquired = append(acquired, lock)
	}
	return acquired, nil
}

// Release deletes repo's lock file. A ".cleanup_in_progress" marker
// records the in-flight release so a crash mid-release can be resumed
// by Recover.
func (s *Store) Release(repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(repo)
}

func (s *Store) releaseLocked(repo string) error {
	markerPath := filepath.Join(s.dir, cleanupMarkerName)
	if err := atomicio.WriteJSON(markerPath, cleanupMarker{Repositories: []string{repo}, StartedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("lockstore: write cleanup marker: %w", err)
	}

	if err := os.Remove(s.lockPath(repo)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockstore: release %s: %w", repo, err)
	}
	delete(s.held, repo)
	metrics.LocksHeld.Set(float64(len(s.held)))

	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockstore: clear cleanup marker: %w", err)
	}
	return nil
}

// IsHeld reports whether repo currently has a live lock.
func (s *Store) IsHeld(repo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[repo]
	return ok
}

// RecoveryResult summarizes what Recover found and did.
type RecoveryResult struct {
	Recovered         int
	StaleRemoved      []string
	CorruptedBackedUp []string
	UnavailableRepos  []string
	ResumedCleanups   []string
}

// Recover loads every lock file, classifying each as fresh, stale, or
// corrupted. Stale locks are deleted (their waiters are the caller's
// responsibility to notify). Corrupted files are backed up and their
// repository is marked unavailable, while every other repository's
// lock enforcement stays fully enabled. Any interrupted release
// (marker present) is resumed first.
func (s *Store) Recover() (RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result RecoveryResult

	markerPath := filepath.Join(s.dir, cleanupMarkerName)
	if data, err := os.ReadFile(markerPath); err == nil {
		var marker cleanupMarker
		if jsonErr := json.Unmarshal(data, &marker); jsonErr == nil {
			for _, repo := range marker.Repositories {
				_ = os.Remove(s.lockPath(repo))
				result.ResumedCleanups = append(result.ResumedCleanups, repo)
			}
		}
		_ = os.Remove(markerPath)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return result, fmt.Errorf("lockstore: list locks dir: %w", err)
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == cleanupMarkerName || filepath.Ext(name) != ".json" {
			continue
		}
		repo, ok := repoFromLockFileName(name)
		if !ok {
			continue
		}

		path := filepath.Join(s.dir, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}

		var lock jobmodel.Lock
		if jsonErr := json.Unmarshal(data, &lock); jsonErr != nil {
			backup := fmt.Sprintf("%s.corrupted.%d", path, now.Unix())
			_ = os.Rename(path, backup)
			s.unavailable[repo] = true
			result.CorruptedBackedUp = append(result.CorruptedBackedUp, repo)
			result.UnavailableRepos = append(result.UnavailableRepos, repo)
			log.Logger.Warn().Str("repo", repo).Str("backup", backup).Msg("lockstore: corrupted lock file, repository marked unavailable")
			continue
		}

		age := now.Sub(lock.AcquiredAt)
		if age < 0 {
			// Future timestamp: clock skew. Treat as fresh, but warn.
			log.Logger.Warn().Str("repo", repo).Msg("lockstore: lock file has future timestamp, treating as fresh")
			age = 0
		}

		stale := age >= StaleAge || !sentinel.ProcessAlive(lock.PID)
		if stale {
			_ = os.Remove(path)
			result.StaleRemoved = append(result.StaleRemoved, repo)
			metrics.StaleLocksCleaned.Inc()
			continue
		}

		s.held[repo] = &lock
		result.Recovered++
	}

	metrics.LocksHeld.Set(float64(len(s.held)))
	return result, nil
}

func repoFromLockFileName(name string) (string, bool) {
	const suffix = ".lock.json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}
