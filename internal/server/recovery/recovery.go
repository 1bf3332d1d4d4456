// Package recovery implements the RecoveryOrchestrator (C10) and the
// read-only StartupLogAPI (C19): a topologically ordered phase runner
// with abort detection, bounded exponential-backoff retry for
// non-critical phases, and a persisted history of startup runs.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
	"github.com/google/uuid"
)

const (
	markerFileName = ".startup_marker.json"
	logFileName    = "startup-log.json"

	// MaxHistory is the default bound on retained prior startup records.
	MaxHistory = 10

	maxRetryAttempts = 3
)

var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// PhaseStatus is the terminal outcome of one phase execution.
type PhaseStatus string

const (
	StatusSuccess        PhaseStatus = "success"
	StatusPartialSuccess PhaseStatus = "partial_success"
	StatusFailed         PhaseStatus = "failed"
	StatusSkipped        PhaseStatus = "skipped"
)

// PhaseOutcome is what a phase's Execute function reports back.
type PhaseOutcome struct {
	Counts               map[string]int `json:"counts,omitempty"`
	CorruptedResources   []string       `json:"corrupted_resources,omitempty"`
	UnavailableResources []string       `json:"unavailable_resources,omitempty"`
}

// Phase is one startup step, declared with its dependencies and
// failure policy.
type Phase struct {
	Name          string
	Execute       func() (PhaseOutcome, error)
	DependsOn     []string
	Critical      bool
	AllowDegraded bool
}

// OperationEntry is one phase's entry in a StartupRecord.
type OperationEntry struct {
	Phase    string         `json:"phase"`
	Status   PhaseStatus    `json:"status"`
	Duration time.Duration  `json:"duration"`
	Counts   map[string]int `json:"counts,omitempty"`
}

// StartupRecord summarizes one full startup run.
type StartupRecord struct {
	StartupID          string           `json:"startup_id"`
	StartedAt          time.Time        `json:"started_at"`
	Duration           time.Duration    `json:"duration"`
	DegradedMode       bool             `json:"degraded_mode"`
	CorruptedResources []string         `json:"corrupted_resources,omitempty"`
	Operations         []OperationEntry `json:"operations"`
}

// StartupLog is the persisted document backing StartupLogAPI: the most
// recent run plus a bounded history of prior ones, newest first.
type StartupLog struct {
	Current *StartupRecord  `json:"current"`
	History []StartupRecord `json:"history"`
}

type startupMarker struct {
	StartupID       string    `json:"startup_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedPhases []string  `json:"completed_phases"`
}

// Orchestrator runs a fixed set of phases in dependency order and
// persists a StartupLog under workspaceDir.
type Orchestrator struct {
	workspaceDir string
	phases       []Phase
	sleep        func(time.Duration)
}

// New builds an Orchestrator for the given phase set. phases is kept
// as given; Run topologically sorts it internally.
func New(workspaceDir string, phases []Phase) *Orchestrator {
	return &Orchestrator{workspaceDir: workspaceDir, phases: phases, sleep: time.Sleep}
}

func (o *Orchestrator) markerPath() string { return filepath.Join(o.workspaceDir, markerFileName) }
func (o *Orchestrator) logPath() string    { return filepath.Join(o.workspaceDir, logFileName) }

// Run executes the full startup sequence and returns the record it
// produced (also available afterward via Log()).
func (o *Orchestrator) Run() (*StartupRecord, error) {
	o.recoverAbortedMarker()

	startupID := uuid.New().String()
	startedAt := time.Now().UTC()
	marker := startupMarker{StartupID: startupID, StartedAt: startedAt}
	if err := atomicio.WriteJSON(o.markerPath(), marker); err != nil {
		return nil, fmt.Errorf("recovery: write startup marker: %w", err)
	}

	order, err := topoSort(o.phases)
	if err != nil {
		return nil, fmt.Errorf("recovery: abort startup: %w", err)
	}

	byName := make(map[string]Phase, len(o.phases))
	for _, p := range o.phases {
		byName[p.Name] = p
	}

	record := &StartupRecord{StartupID: startupID, StartedAt: startedAt}
	overallStart := time.Now()

	for _, name := range order {
		phase := byName[name]
		timer := metrics.NewTimer()
		outcome, status, err := o.runPhaseWithRetry(phase)
		timer.ObserveDurationVec(metrics.StartupDuration, phase.Name)

		entry := OperationEntry{Phase: phase.Name, Status: status, Duration: timer.Duration(), Counts: outcome.Counts}
		record.Operations = append(record.Operations, entry)
		record.CorruptedResources = append(record.CorruptedResources, outcome.CorruptedResources...)

		if status == StatusPartialSuccess {
			record.DegradedMode = true
			metrics.DegradedResources.Add(float64(len(outcome.UnavailableResources)))
		}

		if err != nil && phase.Critical {
			record.Duration = time.Since(overallStart)
			_ = o.appendAndPersist(record)
			return record, fmt.Errorf("recovery: critical phase %q failed: %w", phase.Name, err)
		}

		marker.CompletedPhases = append(marker.CompletedPhases, phase.Name)
		_ = atomicio.WriteJSON(o.markerPath(), marker)
	}

	record.Duration = time.Since(overallStart)
	if err := o.appendAndPersist(record); err != nil {
		return record, err
	}
	return record, os.Remove(o.markerPath())
}

func (o *Orchestrator) runPhaseWithRetry(phase Phase) (PhaseOutcome, PhaseStatus, error) {
	outcome, err := phase.Execute()
	if err == nil {
		return outcome, StatusSuccess, nil
	}

	if phase.Critical {
		return outcome, StatusFailed, err
	}

	for attempt := 0; attempt < maxRetryAttempts && attempt < len(retryBackoff); attempt++ {
		o.sleep(retryBackoff[attempt])
		outcome, err = phase.Execute()
		if err == nil {
			return outcome, StatusSuccess, nil
		}
	}

	log.Logger.Warn().Str("phase", phase.Name).Err(err).Msg("recovery: phase failed after retries")

	if phase.AllowDegraded {
		return outcome, StatusPartialSuccess, nil
	}
	return outcome, StatusFailed, err
}

// recoverAbortedMarker detects a marker left by a crash mid-startup:
// it logs which phases had completed and discards the marker. The
// phases themselves are responsible for being safely re-runnable
// (each of C1-C9's own recovery paths is idempotent).
func (o *Orchestrator) recoverAbortedMarker() {
	data, err := os.ReadFile(o.markerPath())
	if err != nil {
		return
	}
	var marker startupMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		_ = os.Remove(o.markerPath())
		return
	}
	log.Logger.Warn().
		Str("startup_id", marker.StartupID).
		Strs("completed_phases", marker.CompletedPhases).
		Msg("recovery: prior startup was aborted, resuming")
	_ = os.Remove(o.markerPath())
}

func (o *Orchestrator) appendAndPersist(record *StartupRecord) error {
	current, err := o.Log()
	if err != nil {
		current = &StartupLog{}
	}
	if current.Current != nil {
		current.History = append([]StartupRecord{*current.Current}, current.History...)
	}
	if len(current.History) > MaxHistory {
		current.History = current.History[:MaxHistory]
	}
	current.Current = record

	if err := atomicio.WriteJSON(o.logPath(), current); err != nil {
		return fmt.Errorf("recovery: persist startup log: %w", err)
	}
	return nil
}

// Log returns the current persisted StartupLog document.
func (o *Orchestrator) Log() (*StartupLog, error) {
	data, err := os.ReadFile(o.logPath())
	if os.IsNotExist(err) {
		return &StartupLog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: read startup log: %w", err)
	}
	var sl StartupLog
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("recovery: parse startup log: %w", err)
	}
	return &sl, nil
}

// History returns up to n prior startup records, most recent first.
func (o *Orchestrator) History(n int) ([]StartupRecord, error) {
	sl, err := o.Log()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(sl.History) {
		n = len(sl.History)
	}
	return sl.History[:n], nil
}

// topoSort orders phases so every dependency precedes its dependents.
// An unknown dependency name or a cycle is reported as an error, which
// the caller treats as an abort-startup condition.
func topoSort(phases []Phase) ([]string, error) {
	byName := make(map[string]Phase, len(phases))
	for _, p := range phases {
		byName[p.Name] = p
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(phases))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency at phase %q", name)
		}
		phase, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown dependency %q", name)
		}
		state[name] = visiting
		deps := append([]string(nil), phase.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
