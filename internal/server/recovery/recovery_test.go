package recovery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func TestRun_ExecutesInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	var order []string

	phases := []Phase{
		{Name: "Orphans", DependsOn: []string{"WaitingQueues"}, AllowDegraded: true, Execute: func() (PhaseOutcome, error) {
			order = append(order, "Orphans")
			return PhaseOutcome{}, nil
		}},
		{Name: "Queue", Critical: true, Execute: func() (PhaseOutcome, error) {
			order = append(order, "Queue")
			return PhaseOutcome{Counts: map[string]int{"jobs_recovered": 3}}, nil
		}},
		{Name: "WaitingQueues", DependsOn: []string{"Locks", "Jobs"}, AllowDegraded: true, Execute: func() (PhaseOutcome, error) {
			order = append(order, "WaitingQueues")
			return PhaseOutcome{}, nil
		}},
		{Name: "Locks", DependsOn: []string{"Queue"}, AllowDegraded: true, Execute: func() (PhaseOutcome, error) {
			order = append(order, "Locks")
			return PhaseOutcome{}, nil
		}},
		{Name: "Jobs", DependsOn: []string{"Queue"}, Critical: true, Execute: func() (PhaseOutcome, error) {
			order = append(order, "Jobs")
			return PhaseOutcome{}, nil
		}},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	record, err := o.Run()
	require.NoError(t, err)
	require.Len(t, record.Operations, 5)

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["Queue"], pos["Locks"])
	assert.Less(t, pos["Queue"], pos["Jobs"])
	assert.Less(t, pos["Locks"], pos["WaitingQueues"])
	assert.Less(t, pos["Jobs"], pos["WaitingQueues"])
	assert.Less(t, pos["WaitingQueues"], pos["Orphans"])

	_, statErr := os.Stat(filepath.Join(dir, markerFileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_CriticalFailureAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	phases := []Phase{
		{Name: "Queue", Critical: true, Execute: func() (PhaseOutcome, error) {
			return PhaseOutcome{}, errors.New("wal corrupt")
		}},
		{Name: "Locks", DependsOn: []string{"Queue"}, Execute: func() (PhaseOutcome, error) {
			t.Fatal("Locks should never run after Queue aborts")
			return PhaseOutcome{}, nil
		}},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	_, err := o.Run()
	assert.Error(t, err)
}

func TestRun_NonCriticalFailureDegradesAfterRetries(t *testing.T) {
	dir := t.TempDir()
	attempts := 0
	phases := []Phase{
		{Name: "Locks", AllowDegraded: true, Execute: func() (PhaseOutcome, error) {
			attempts++
			return PhaseOutcome{UnavailableResources: []string{"lock:repoBad"}}, errors.New("corrupted lock file")
		}},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	record, err := o.Run()
	require.NoError(t, err)
	assert.Equal(t, 1+maxRetryAttempts, attempts)
	assert.True(t, record.DegradedMode)
	require.Len(t, record.Operations, 1)
	assert.Equal(t, StatusPartialSuccess, record.Operations[0].Status)
}

func TestRun_UnknownDependencyAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	phases := []Phase{
		{Name: "Queue", DependsOn: []string{"Ghost"}, Execute: func() (PhaseOutcome, error) { return PhaseOutcome{}, nil }},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	_, err := o.Run()
	assert.Error(t, err)
}

func TestRun_CircularDependencyAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	phases := []Phase{
		{Name: "A", DependsOn: []string{"B"}, Execute: func() (PhaseOutcome, error) { return PhaseOutcome{}, nil }},
		{Name: "B", DependsOn: []string{"A"}, Execute: func() (PhaseOutcome, error) { return PhaseOutcome{}, nil }},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	_, err := o.Run()
	assert.Error(t, err)
}

func TestHistory_BoundedAndNewestFirst(t *testing.T) {
	dir := t.TempDir()
	phases := []Phase{
		{Name: "Queue", Critical: true, Execute: func() (PhaseOutcome, error) { return PhaseOutcome{}, nil }},
	}

	o := New(dir, phases)
	o.sleep = noSleep
	var last *StartupRecord
	for i := 0; i < MaxHistory+3; i++ {
		r, err := o.Run()
		require.NoError(t, err)
		last = r
	}

	history, err := o.History(MaxHistory + 5)
	require.NoError(t, err)
	assert.Len(t, history, MaxHistory)
	assert.NotEqual(t, last.StartupID, history[0].StartupID)
}

func TestRecoverAbortedMarker_LogsAndDiscardsMarker(t *testing.T) {
	dir := t.TempDir()
	phases := []Phase{
		{Name: "Queue", Critical: true, Execute: func() (PhaseOutcome, error) { return PhaseOutcome{}, nil }},
	}

	marker := startupMarker{StartupID: "abandoned", StartedAt: time.Now().UTC(), CompletedPhases: []string{"Queue"}}
	data, err := json.Marshal(marker)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, markerFileName), data, 0o644))

	o := New(dir, phases)
	o.sleep = noSleep
	_, err = o.Run()
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, markerFileName))
	assert.True(t, os.IsNotExist(statErr))
}
