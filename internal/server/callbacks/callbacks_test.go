package callbacks

import (
	"errors"
	"testing"
	"time"

	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_PersistsPendingImmediately(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)

	cb, err := q.Enqueue("job-1", "https://example.com/hook", map[string]string{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, jobmodel.CallbackPending, cb.Status)

	q2, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, q2.Pending(), 1)
}

func TestLoad_RevertsInFlightToPending(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)
	cb, err := q.Enqueue("job-1", "https://example.com/hook", nil)
	require.NoError(t, err)

	// Simulate a crash mid-delivery.
	due := q.takeDueLocked(time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, jobmodel.CallbackInFlight, due[0].Status)
	_ = cb

	q2, err := Load(dir)
	require.NoError(t, err)
	reloaded := q2.Pending()
	require.Len(t, reloaded, 1)
	assert.Equal(t, jobmodel.CallbackPending, reloaded[0].Status)
}

func TestProcessDue_SuccessRemovesFromPending(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)
	_, err = q.Enqueue("job-1", "https://example.com/hook", nil)
	require.NoError(t, err)

	err = q.ProcessDue(time.Now(), func(cb *jobmodel.Callback) (int, error) {
		return 200, nil
	})
	require.NoError(t, err)
	assert.Empty(t, q.Pending())
}

func TestProcessDue_RetryableSchedulesNextAttempt(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)
	_, err = q.Enqueue("job-1", "https://example.com/hook", nil)
	require.NoError(t, err)

	err = q.ProcessDue(time.Now(), func(cb *jobmodel.Callback) (int, error) {
		return 503, nil
	})
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, jobmodel.CallbackPending, pending[0].Status)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.True(t, pending[0].NextRetryAt.After(time.Now()))
}

func TestProcessDue_ExhaustedAttemptsMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)
	_, err = q.Enqueue("job-1", "https://example.com/hook", nil)
	require.NoError(t, err)

	for i := 0; i < maxAttempts; i++ {
		err = q.ProcessDue(time.Now().Add(time.Hour*time.Duration(i+1)), func(cb *jobmodel.Callback) (int, error) {
			return 0, errors.New("connection refused")
		})
		require.NoError(t, err)
	}

	assert.Empty(t, q.Pending())
}

func TestProcessDue_NonRetryableFailsImmediately(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(dir)
	require.NoError(t, err)
	_, err = q.Enqueue("job-1", "https://example.com/hook", nil)
	require.NoError(t, err)

	err = q.ProcessDue(time.Now(), func(cb *jobmodel.Callback) (int, error) {
		return 400, nil
	})
	require.NoError(t, err)
	assert.Empty(t, q.Pending())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(0, errors.New("timeout")))
	assert.True(t, isRetryable(500, nil))
	assert.True(t, isRetryable(503, nil))
	assert.True(t, isRetryable(408, nil))
	assert.True(t, isRetryable(429, nil))
	assert.False(t, isRetryable(400, nil))
	assert.False(t, isRetryable(404, nil))
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, isSuccess(200))
	assert.True(t, isSuccess(204))
	assert.False(t, isSuccess(301))
	assert.False(t, isSuccess(404))
	assert.False(t, isSuccess(500))
}
