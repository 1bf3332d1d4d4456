package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJobCompletion_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.RecordJobCompletion(ResourceUsage{
			DurationSec: float64(i),
			MemoryMiB:   float64(i * 10),
			Timestamp:   time.Now(),
		}))
	}

	snap := s.Snapshot()
	assert.Equal(t, 10, snap.TotalJobsProcessed)
	assert.Greater(t, snap.P90DurationSec, 0.0)

	s2, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, s2.Snapshot().TotalJobsProcessed)
}

func TestLoad_CorruptedFileReinitializes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Snapshot().TotalJobsProcessed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var foundBackup bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			foundBackup = true
		}
	}
	assert.True(t, foundBackup, "expected a .corrupted.* backup file")
}
