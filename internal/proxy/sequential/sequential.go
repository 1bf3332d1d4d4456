// Package sequential implements the SequentialExecutor (C14): runs one
// repository at a time, in configuration order, printing progress and
// continuing past per-repository failures.
package sequential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/codeindexer/cidx/internal/errors"
)

// Result is one repository's outcome.
type Result struct {
	Repository  string
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	Err         error
	Interrupted bool
}

// Run iterates repos in order, printing "[i/N] path" before spawning
// each child and a ✓/✗ summary line after it finishes. It continues
// past individual failures ("partial success is acceptable"). If ctx
// is cancelled while a child is in flight, that child is terminated,
// the remaining repositories are skipped, and Run returns what it has
// so far with the in-flight result's Interrupted flag set.
func Run(ctx context.Context, out io.Writer, workspaceRoot string, repos []string, command string, args []string) []Result {
	results := make([]Result, 0, len(repos))
	useBar := isatty.IsTerminal(os.Stdout.Fd())

	for i, repo := range repos {
		fmt.Fprintf(out, "[%d/%d] %s\n", i+1, len(repos), repo)

		var bar *progressbar.ProgressBar
		if useBar {
			bar = progressbar.NewOptions(-1, progressbar.OptionSetDescription(repo), progressbar.OptionSetWriter(out))
		}

		result := runOne(ctx, workspaceRoot, repo, command, args)
		if bar != nil {
			_ = bar.Finish()
		}

		if result.Err == nil {
			fmt.Fprintf(out, "✓ %s\n", repo)
		} else {
			reason := errors.FirstLine(string(result.Stderr))
			if reason == "" {
				reason = result.Err.Error()
			}
			fmt.Fprintf(out, "✗ %s\n", reason)
		}

		results = append(results, result)
		if result.Interrupted {
			break
		}
	}
	return results
}

func runOne(ctx context.Context, workspaceRoot, repo, command string, args []string) Result {
	result := Result{Repository: repo}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = filepath.Join(workspaceRoot, repo)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		result.Err = err
		result.ExitCode = -1
		result.Interrupted = ctx.Err() != nil
		return result
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		result.Stdout = stdout.Bytes()
		result.Stderr = stderr.Bytes()
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Err = exitErr
		} else if err != nil {
			result.ExitCode = -1
			result.Err = err
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		result.Stdout = stdout.Bytes()
		result.Stderr = stderr.Bytes()
		result.Err = ctx.Err()
		result.ExitCode = -1
		result.Interrupted = true
	}
	return result
}
