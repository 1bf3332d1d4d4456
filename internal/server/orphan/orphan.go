// Package orphan implements OrphanScanner (C9): classification and
// transactional cleanup of workspace directories, container/network
// handles (managed by the out-of-scope container runtime, reached
// through the ContainerLister/NetworkLister boundary interfaces
// below), index directories and staging directories.
package orphan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/internal/server/sentinel"
	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
	"github.com/google/uuid"
)

// GracePeriod is how long a sentinel-less workspace is left alone
// before it is eligible for classification as orphaned.
const GracePeriod = 10 * time.Minute

const cleanupMarkerName = ".cleanup_in_progress"

// Kind names the class of a scanned resource.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindContainer Kind = "container"
	KindNetwork   Kind = "network"
	KindIndex     Kind = "index"
	KindStaging   Kind = "staging"
)

// Resource is one candidate for orphan classification.
type Resource struct {
	Kind       Kind
	Identifier string // job id, container name, or network name
	Path       string // filesystem path; empty for container/network
	ModTime    time.Time
}

func (r Resource) label() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Identifier)
}

// ContainerLister and NetworkLister are the boundary interfaces onto
// the out-of-scope container runtime: this package only needs to know
// the names that carry the configured prefix and does not itself
// start, stop, or inspect containers.
type ContainerLister interface {
	ListContainers(prefix string) ([]string, error)
	RemoveContainer(name string) error
}

type NetworkLister interface {
	ListNetworks(prefix string) ([]string, error)
	RemoveNetwork(name string) error
}

// Scanner walks a workspace root classifying and cleaning up orphaned
// resources.
type Scanner struct {
	workspaceRoot   string
	containerPrefix string
	containers      ContainerLister
	networks        NetworkLister
}

// NewScanner builds a Scanner. containers/networks may be nil when the
// embedding process manages no container runtime; those resource
// kinds are then simply not scanned.
func NewScanner(workspaceRoot, containerPrefix string, containers ContainerLister, networks NetworkLister) *Scanner {
	return &Scanner{
		workspaceRoot:   workspaceRoot,
		containerPrefix: containerPrefix,
		containers:      containers,
		networks:        networks,
	}
}

func (s *Scanner) markerPath() string {
	return filepath.Join(s.workspaceRoot, cleanupMarkerName)
}

// ScanAll gathers every candidate resource across all five kinds.
func (s *Scanner) ScanAll() ([]Resource, error) {
	var resources []Resource

	ws, err := s.scanDirKind(filepath.Join(s.workspaceRoot, "jobs"), KindWorkspace)
	if err != nil {
		return nil, err
	}
	resources = append(resources, ws...)

	idx, err := s.scanDirKind(filepath.Join(s.workspaceRoot, "indexes"), KindIndex)
	if err != nil {
		return nil, err
	}
	resources = append(resources, idx...)

	staging, err := s.scanDirKind(filepath.Join(s.workspaceRoot, ".staging"), KindStaging)
	if err != nil {
		return nil, err
	}
	resources = append(resources, staging...)

	if s.containers != nil {
		names, err := s.containers.ListContainers(s.containerPrefix)
		if err != nil {
			return nil, fmt.Errorf("orphan: list containers: %w", err)
		}
		for _, name := range names {
			resources = append(resources, Resource{Kind: KindContainer, Identifier: name})
		}
	}

	if s.networks != nil {
		names, err := s.networks.ListNetworks(s.containerPrefix)
		if err != nil {
			return nil, fmt.Errorf("orphan: list networks: %w", err)
		}
		for _, name := range names {
			resources = append(resources, Resource{Kind: KindNetwork, Identifier: name})
		}
	}

	return resources, nil
}

func (s *Scanner) scanDirKind(dir string, kind Kind) ([]Resource, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orphan: list %s: %w", dir, err)
	}

	var out []Resource
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Resource{Kind: kind, Identifier: e.Name(), Path: filepath.Join(dir, e.Name()), ModTime: info.ModTime()})
	}
	return out, nil
}

// IsOrphaned classifies a workspace resource. A fresh sentinel keeps a
// workspace active forever; a stale/dead sentinel, or the complete
// absence of one past GracePeriod, makes it orphaned. Resources of
// other kinds are considered orphaned whenever the caller includes
// them in the candidate list passed to Cleanup — this function only
// applies the workspace-specific sentinel rule.
func (s *Scanner) IsOrphaned(resource Resource, now time.Time) bool {
	if resource.Kind != KindWorkspace {
		return true
	}

	hb, ok := readSentinel(resource.Path)
	if !ok {
		return now.Sub(resource.ModTime) >= GracePeriod
	}
	return sentinel.Classify(hb, sentinel.ProcessAlive) != sentinel.Fresh
}

func readSentinel(workspacePath string) (jobmodel.Sentinel, bool) {
	data, err := os.ReadFile(filepath.Join(workspacePath, ".sentinel.json"))
	if err != nil {
		return jobmodel.Sentinel{}, false
	}
	var hb jobmodel.Sentinel
	if err := json.Unmarshal(data, &hb); err != nil {
		return jobmodel.Sentinel{}, false
	}
	return hb, true
}

type cleanupMarker struct {
	StartupID string    `json:"startup_id"`
	StartedAt time.Time `json:"started_at"`
	Resources []string  `json:"resources"`
	Done      []string  `json:"done"`
}

func (m *cleanupMarker) isDone(label string) bool {
	for _, d := range m.Done {
		if d == label {
			return true
		}
	}
	return false
}

// Cleanup transactionally removes every orphaned resource in
// candidates. It writes a marker before touching anything, marks each
// resource done as it is removed, and deletes the marker on full
// success. Staged uncommitted changes under a workspace's ".staging"
// subdirectory are archived to a sibling backup path before the
// workspace itself is removed. Immediately before deleting a
// workspace, the sentinel is re-read ("double-check"); if it has gone
// fresh in the interim, that workspace's deletion is skipped.
func (s *Scanner) Cleanup(candidates []Resource) error {
	orphaned := make([]Resource, 0, len(candidates))
	now := time.Now()
	for _, r := range candidates {
		if s.IsOrphaned(r, now) {
			orphaned = append(orphaned, r)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}

	labels := make([]string, len(orphaned))
	for i, r := range orphaned {
		labels[i] = r.label()
	}
	marker := cleanupMarker{StartupID: uuid.New().String(), StartedAt: now.UTC(), Resources: labels}
	if err := atomicio.WriteJSON(s.markerPath(), marker); err != nil {
		return fmt.Errorf("orphan: write cleanup marker: %w", err)
	}

	for _, r := range orphaned {
		if err := s.removeOne(r); err != nil {
			log.Logger.Warn().Str("resource", r.label()).Err(err).Msg("orphan: cleanup of resource failed, leaving for next scan")
			continue
		}
		marker.Done = append(marker.Done, r.label())
		if err := atomicio.WriteJSON(s.markerPath(), marker); err != nil {
			return fmt.Errorf("orphan: update cleanup marker: %w", err)
		}
		metrics.OrphansCleanedTotal.WithLabelValues(string(r.Kind)).Inc()
	}

	return os.Remove(s.markerPath())
}

func (s *Scanner) removeOne(r Resource) error {
	switch r.Kind {
	case KindWorkspace:
		if hb, ok := readSentinel(r.Path); ok {
			if sentinel.Classify(hb, sentinel.ProcessAlive) == sentinel.Fresh {
				return fmt.Errorf("orphan: workspace %s went fresh, deletion aborted", r.Identifier)
			}
		}
		if err := archiveStaging(r.Path); err != nil {
			return err
		}
		return os.RemoveAll(r.Path)

	case KindIndex, KindStaging:
		return os.RemoveAll(r.Path)

	case KindContainer:
		if s.containers == nil {
			return fmt.Errorf("orphan: no container runtime configured")
		}
		return s.containers.RemoveContainer(r.Identifier)

	case KindNetwork:
		if s.networks == nil {
			return fmt.Errorf("orphan: no network runtime configured")
		}
		return s.networks.RemoveNetwork(r.Identifier)

	default:
		return fmt.Errorf("orphan: unknown resource kind %q", r.Kind)
	}
}

// archiveStaging moves workspacePath/.staging to a sibling
// "{workspace}.staging-backup.{timestamp}" directory if present, so
// uncommitted changes survive the workspace's own deletion.
func archiveStaging(workspacePath string) error {
	staging := filepath.Join(workspacePath, ".staging")
	if _, err := os.Stat(staging); os.IsNotExist(err) {
		return nil
	}
	backup := fmt.Sprintf("%s.staging-backup.%d", workspacePath, time.Now().Unix())
	if err := os.Rename(staging, backup); err != nil {
		return fmt.Errorf("orphan: archive staging for %s: %w", workspacePath, err)
	}
	return nil
}

// RecoverInterruptedCleanup detects and resumes a marker left behind
// by a crash mid-cleanup: every resource not yet marked done is
// removed again (idempotent for already-removed resources), then the
// marker is deleted.
func (s *Scanner) RecoverInterruptedCleanup() ([]string, error) {
	data, err := os.ReadFile(s.markerPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orphan: read cleanup marker: %w", err)
	}

	var marker cleanupMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		// Marker itself is corrupt: nothing actionable to resume, discard it.
		_ = os.Remove(s.markerPath())
		return nil, nil
	}

	dirs := map[Kind]string{KindWorkspace: "jobs", KindIndex: "indexes", KindStaging: ".staging"}
	var resumed []string
	for _, label := range marker.Resources {
		if marker.isDone(label) {
			continue
		}
		resumed = append(resumed, label)
		kind, id, ok := strings.Cut(label, ":")
		if !ok || id == "" {
			continue
		}
		r := Resource{Kind: Kind(kind), Identifier: id}
		if sub, ok := dirs[r.Kind]; ok {
			r.Path = filepath.Join(s.workspaceRoot, sub, id)
		}
		if err := s.removeOne(r); err != nil {
			log.Logger.Warn().Str("resource", label).Err(err).Msg("orphan: resumed cleanup of resource failed")
		}
	}
	return resumed, os.Remove(s.markerPath())
}
