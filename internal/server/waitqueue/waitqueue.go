// Package waitqueue implements WaitingQueueStore (C7): persisted
// per-repository and composite-repository wait queues. Every mutation
// is written through atomicio inside the same critical section that
// updates the in-memory queue, and on recovery a waiter is only
// notified once every repository its key names is unlocked.
package waitqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/pkg/jobmodel"
)

const fileName = "waiting-queues.json"

// LockChecker is the minimal view of the lock store that WaitingQueue
// notification needs: whether a given repository is currently held.
type LockChecker interface {
	IsHeld(repo string) bool
}

// Store holds every wait queue, keyed by repository name or by
// composite key.
type Store struct {
	mu     sync.Mutex
	path   string
	queues map[string][]*jobmodel.QueuedOperation
}

// Load reads waiting-queues.json if present, otherwise starts empty.
func Load(workspaceDir string) (*Store, error) {
	path := filepath.Join(workspaceDir, fileName)
	s := &Store{path: path, queues: make(map[string][]*jobmodel.QueuedOperation)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("waitqueue: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.queues); err != nil {
		return nil, fmt.Errorf("waitqueue: parse %s: %w", path, err)
	}
	return s, nil
}

// Enqueue appends op to key's wait queue, recomputes positions, and
// persists the full document.
func (s *Store) Enqueue(key string, op *jobmodel.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[key] = append(s.queues[key], op)
	s.recalcPositionsLocked(key)
	return s.persistLocked()
}

// Dequeue removes and returns the head of key's wait queue, if any.
func (s *Store) Dequeue(key string) (*jobmodel.QueuedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.queues[key]
	if len(list) == 0 {
		return nil, nil
	}
	head := list[0]
	s.queues[key] = list[1:]
	if len(s.queues[key]) == 0 {
		delete(s.queues, key)
	} else {
		s.recalcPositionsLocked(key)
	}
	if err := s.persistLocked(); err != nil {
		return head, err
	}
	return head, nil
}

func (s *Store) recalcPositionsLocked(key string) {
	for i, op := range s.queues[key] {
		op.Position = i + 1
	}
}

func (s *Store) persistLocked() error {
	if err := atomicio.WriteJSON(s.path, s.queues); err != nil {
		return fmt.Errorf("waitqueue: persist: %w", err)
	}
	return nil
}

// Queue returns a copy of key's current wait list.
func (s *Store) Queue(key string) []*jobmodel.QueuedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobmodel.QueuedOperation, len(s.queues[key]))
	copy(out, s.queues[key])
	return out
}

// Keys returns every wait-queue key with at least one waiter.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.queues))
	for k := range s.queues {
		keys = append(keys, k)
	}
	return keys
}

const compositePrefix = "COMPOSITE#"

func repositoriesForKey(key string) []string {
	if !strings.HasPrefix(key, compositePrefix) {
		return []string{key}
	}
	return strings.Split(strings.TrimPrefix(key, compositePrefix), "+")
}

// NotifyReady calls notify for the head of every key whose repository
// set is entirely unlocked. Single-repo keys are evaluated directly;
// composite keys fire only when *every* named repository is unlocked
// simultaneously. Keys are visited in order of their head waiter's
// QueuedAt (the documented fairness tie-break for composite waiters
// sharing an overlapping repository set — see Open Question (a)).
func (s *Store) NotifyReady(checker LockChecker, notify func(key string, op *jobmodel.QueuedOperation)) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.queues))
	for k, list := range s.queues {
		if len(list) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		hi, hj := s.queues[keys[i]][0], s.queues[keys[j]][0]
		return hi.QueuedAt.Before(hj.QueuedAt)
	})
	s.mu.Unlock()

	for _, key := range keys {
		ready := true
		for _, repo := range repositoriesForKey(key) {
			if checker.IsHeld(repo) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		head, err := s.Dequeue(key)
		if err == nil && head != nil {
			notify(key, head)
		}
	}
}
