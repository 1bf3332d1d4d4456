package sentinel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func TestClassify_Boundaries(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name    string
		age     time.Duration
		alive   func(int) bool
		want    Classification
	}{
		{"fresh just under 2min", StaleThreshold - time.Second, alwaysAlive, Fresh},
		{"stale at exactly 2min", StaleThreshold, alwaysAlive, Stale},
		{"stale at exactly 10min inclusive dead boundary", DeadThreshold, alwaysAlive, Stale},
		{"dead just over 10min", DeadThreshold + time.Second, alwaysAlive, Dead},
		{"dead pid wins over fresh timestamp", 0, neverAlive, Dead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := jobmodel.Sentinel{LastHeartbeat: now.Add(-tt.age)}
			assert.Equal(t, tt.want, Classify(hb, tt.alive))
		})
	}
}

func TestWriter_CreatesSentinelAndOutputFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "job-1", "sess-1", "claude")
	require.NoError(t, err)

	require.NoError(t, w.Start())
	require.NoError(t, w.WriteOutput([]byte("hello\n")))
	require.NoError(t, w.Stop())

	data, err := os.ReadFile(filepath.Join(dir, "jobs", "job-1", "sess-1.output"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "jobs", "job-1", ".sentinel.json"))
	assert.NoError(t, err)
}

func TestScanAll_ClassifiesEachJob(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "job-fresh", "s1", "claude")
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())

	entries, err := ScanAll(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Fresh, entries[0].Classification)
}
