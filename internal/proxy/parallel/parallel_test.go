package parallel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesIndependentOutputsPerRepo(t *testing.T) {
	root := t.TempDir()
	for _, repo := range []string{"repoA", "repoB"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, repo), 0o755))
	}

	results := Run(context.Background(), root, []string{"repoA", "repoB"}, "sh", []string{"-c", "echo out; echo err 1>&2"})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, 0, r.ExitCode)
		assert.Contains(t, string(r.Stdout), "out")
		assert.Contains(t, string(r.Stderr), "err")
	}
}

func TestRun_OneFailureDoesNotAffectOthers(t *testing.T) {
	root := t.TempDir()
	for _, repo := range []string{"repoA", "repoB"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, repo), 0o755))
	}

	results := Run(context.Background(), root, []string{"repoA", "repoB"}, "sh", []string{"-c", "if [ $(basename $PWD) = repoA ]; then exit 3; fi; echo ok"})
	byRepo := map[string]ExecutionResult{}
	for _, r := range results {
		byRepo[r.Repository] = r
	}

	assert.Error(t, byRepo["repoA"].Err)
	assert.Equal(t, 3, byRepo["repoA"].ExitCode)
	assert.NoError(t, byRepo["repoB"].Err)
	assert.Contains(t, string(byRepo["repoB"].Stdout), "ok")
}

func TestRun_CancellationSendsSIGTERMBeforeKilling(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repoA"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []ExecutionResult, 1)
	go func() {
		// Traps TERM so the child only exits once its handler runs;
		// if cancellation went straight to SIGKILL the trap would
		// never fire and the "caught" marker below would be absent.
		done <- Run(ctx, root, []string{"repoA"}, "sh", []string{"-c",
			"trap 'echo caught; exit 0' TERM; sleep 30 & wait"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Contains(t, string(results[0].Stdout), "caught")
	case <-time.After(termGrace + 2*time.Second):
		t.Fatal("Run did not return after cancellation + grace period")
	}
}
