package lockstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	lock, err := s.Acquire("repoA", "job-1", "activate", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, "repoA", lock.Repository)
	assert.True(t, s.IsHeld("repoA"))

	_, err = s.Acquire("repoA", "job-2", "activate", os.Getpid())
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	require.NoError(t, s.Release("repoA"))
	assert.False(t, s.IsHeld("repoA"))
}

func TestAcquireComposite_RollsBackOnConflict(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Acquire("repoB", "other-job", "activate", os.Getpid())
	require.NoError(t, err)

	_, err = s.AcquireComposite([]string{"repoA", "repoB", "repoC"}, "job-1", "sync", os.Getpid())
	assert.Error(t, err)

	assert.False(t, s.IsHeld("repoA"))
	assert.False(t, s.IsHeld("repoC"))
	assert.True(t, s.IsHeld("repoB"))
}

func TestRecover_StaleLockExactlyTenMinutesIsRemoved(t *testing.T) {
	dir := t.TempDir()
	locksDir := filepath.Join(dir, "locks")
	require.NoError(t, os.MkdirAll(locksDir, 0o755))

	lock := jobmodel.Lock{
		Repository: "repoA",
		Holder:     "job-1",
		AcquiredAt: time.Now().UTC().Add(-StaleAge),
		PID:        999999, // very unlikely to be a live pid
	}
	data, _ := json.Marshal(lock)
	require.NoError(t, os.WriteFile(filepath.Join(locksDir, "repoA.lock.json"), data, 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	result, err := s.Recover()
	require.NoError(t, err)

	assert.Contains(t, result.StaleRemoved, "repoA")
	assert.False(t, s.IsHeld("repoA"))
}

func TestRecover_CorruptedFileMarksUnavailableOnly(t *testing.T) {
	dir := t.TempDir()
	locksDir := filepath.Join(dir, "locks")
	require.NoError(t, os.MkdirAll(locksDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locksDir, "repoBad.lock.json"), []byte("{not json"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	result, err := s.Recover()
	require.NoError(t, err)

	assert.Contains(t, result.UnavailableRepos, "repoBad")

	_, err = s.Acquire("repoBad", "job-1", "activate", os.Getpid())
	assert.ErrorIs(t, err, ErrUnavailable)

	// Other repositories remain fully enforced.
	_, err = s.Acquire("repoGood", "job-1", "activate", os.Getpid())
	assert.NoError(t, err)
}

func TestRecover_ResumesInterruptedRelease(t *testing.T) {
	dir := t.TempDir()
	locksDir := filepath.Join(dir, "locks")
	require.NoError(t, os.MkdirAll(locksDir, 0o755))

	lock := jobmodel.Lock{Repository: "repoA", AcquiredAt: time.Now().UTC(), PID: os.Getpid()}
	data, _ := json.Marshal(lock)
	require.NoError(t, os.WriteFile(filepath.Join(locksDir, "repoA.lock.json"), data, 0o644))

	marker := cleanupMarker{Repositories: []string{"repoA"}, StartedAt: time.Now().UTC()}
	markerData, _ := json.Marshal(marker)
	require.NoError(t, os.WriteFile(filepath.Join(locksDir, cleanupMarkerName), markerData, 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	result, err := s.Recover()
	require.NoError(t, err)

	assert.Contains(t, result.ResumedCleanups, "repoA")
	_, statErr := os.Stat(filepath.Join(locksDir, cleanupMarkerName))
	assert.True(t, os.IsNotExist(statErr))
}
