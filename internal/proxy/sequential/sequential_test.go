package sequential

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ContinuesPastFailure(t *testing.T) {
	root := t.TempDir()
	for _, repo := range []string{"repoA", "repoB"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, repo), 0o755))
	}

	var out bytes.Buffer
	results := Run(context.Background(), &out, root, []string{"repoA", "repoB"},
		"sh", []string{"-c", "if [ $(basename $PWD) = repoA ]; then echo 'Port 6333 in use' 1>&2; exit 1; fi"})

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Contains(t, out.String(), "[1/2] repoA")
	assert.Contains(t, out.String(), "[2/2] repoB")
	assert.Contains(t, out.String(), "✗ Port 6333 in use")
	assert.Contains(t, out.String(), "✓ repoB")
}

func TestRun_FailureWithNoStderrFallsBackToExecError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repoA"), 0o755))

	var out bytes.Buffer
	results := Run(context.Background(), &out, root, []string{"repoA"}, "sh", []string{"-c", "exit 1"})

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Contains(t, out.String(), "✗ exit status 1")
}

func TestRun_CancelledContextStopsIteration(t *testing.T) {
	root := t.TempDir()
	for _, repo := range []string{"repoA", "repoB"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, repo), 0o755))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	results := Run(ctx, &out, root, []string{"repoA", "repoB"}, "sh", []string{"-c", "sleep 5"})
	require.Len(t, results, 1)
	assert.True(t, results[0].Interrupted)
}
