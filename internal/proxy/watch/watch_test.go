package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_MultiplexesOutputFromAllChildren(t *testing.T) {
	root := t.TempDir()
	for _, repo := range []string{"repoA", "repoB"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, repo), 0o755))
	}

	var out bytes.Buffer
	m := New(root)
	results := m.Run(context.Background(), &out, []string{"repoA", "repoB"}, "sh", []string{"-c", "echo hello"})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StateStopped, r.State)
		assert.NoError(t, r.Err)
	}
	assert.Contains(t, out.String(), "repoA")
	assert.Contains(t, out.String(), "repoB")
	assert.Contains(t, out.String(), "hello")
}

func TestRun_CancellationTerminatesChildren(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repoA"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	m := New(root)

	done := make(chan []ChildResult, 1)
	go func() {
		done <- m.Run(ctx, &out, []string{"repoA"}, "sh", []string{"-c", "trap '' TERM; sleep 30"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, StateStopped, results[0].State)
	case <-time.After(termGrace + 2*time.Second):
		t.Fatal("Run did not return after cancellation + grace period")
	}
}
