// Package parallel implements the ParallelExecutor (C13): one child
// process per repository, run concurrently, with independent captured
// output and exit status. No child's failure affects any other; a
// cancelled context propagates to every still-running child.
package parallel

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const termGrace = 5 * time.Second

// ExecutionResult is one repository's outcome.
type ExecutionResult struct {
	Repository string
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	EndedAt    time.Time
	Err        error
}

// Run spawns one child per repository, each with its working directory
// set to workspaceRoot/repo, running command with args. Every child
// runs independently; Run waits for all of them and returns one
// ExecutionResult per repository, in the same order as repos.
func Run(ctx context.Context, workspaceRoot string, repos []string, command string, args []string) []ExecutionResult {
	results := make([]ExecutionResult, len(repos))

	var g errgroup.Group
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			results[i] = runOne(ctx, workspaceRoot, repo, command, args)
			return nil
		})
	}
	_ = g.Wait() // runOne never returns an error itself; failures live in the result

	return results
}

func runOne(ctx context.Context, workspaceRoot, repo, command string, args []string) ExecutionResult {
	result := ExecutionResult{Repository: repo, StartedAt: time.Now()}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = filepath.Join(workspaceRoot, repo)
	// On ctx cancellation, signal SIGTERM and give the child termGrace
	// to exit before exec falls back to killing it, matching the
	// watch multiplexer's SIGTERM->grace->SIGKILL shutdown sequence.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.EndedAt = time.Now()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		result.Err = exitErr
	} else if err != nil {
		result.ExitCode = -1
		result.Err = err
	}

	return result
}
