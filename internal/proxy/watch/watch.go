// Package watch implements the WatchMultiplexer (C16): N parallel
// long-running children with line-tagged, single-writer multiplexed
// output, graceful SIGTERM/SIGKILL shutdown, and stable per-repo ANSI
// coloring.
//
// A second SIGINT forcing immediate exit is a process-level concern
// (the caller turns the first SIGINT into ctx cancellation and a
// second into os.Exit(1) directly) and is not implemented here.
package watch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// State is a child's lifecycle stage.
type State string

const (
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateStopped     State = "stopped"
)

const (
	queueSize    = 256
	termGrace    = 5 * time.Second
	drainTimeout = 2 * time.Second
)

// ChildResult is one repository's final outcome.
type ChildResult struct {
	Repo     string
	ExitCode int
	Err      error
	State    State
}

// line is one tagged output line, in arrival order.
type line struct {
	repo string
	text string
}

var palette = []color.Attribute{
	color.FgCyan, color.FgGreen, color.FgYellow,
	color.FgMagenta, color.FgBlue, color.FgRed,
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// Multiplexer runs N children under a shared workspace root.
type Multiplexer struct {
	workspaceRoot string
}

func New(workspaceRoot string) *Multiplexer {
	return &Multiplexer{workspaceRoot: workspaceRoot}
}

// Run spawns one child per repo, multiplexes their stdout/stderr to
// out prefixed with "[<repo>] " (the repo name right-padded to the
// longest repo name's width), and blocks until every child exits or
// ctx is cancelled. On cancellation every child is sent SIGTERM, given
// up to 5s to exit, then SIGKILL'd; the output queue is drained for up
// to 2s before Run returns.
func (m *Multiplexer) Run(ctx context.Context, out io.Writer, repos []string, command string, args []string) []ChildResult {
	n := len(repos)
	results := make([]ChildResult, n)
	cmds := make([]*exec.Cmd, n)
	childDone := make([]chan struct{}, n)
	lines := make(chan line, queueSize)
	var pumpWG sync.WaitGroup

	width := 0
	for _, r := range repos {
		if len(r) > width {
			width = len(r)
		}
	}

	colorFns := make([]func(string, ...any) string, n)
	colorsOn := colorEnabled()
	for i := range repos {
		c := color.New(palette[i%len(palette)])
		if !colorsOn {
			c.DisableColor()
		}
		colorFns[i] = c.Sprintf
	}

	for i, repo := range repos {
		childDone[i] = make(chan struct{})
		results[i] = ChildResult{Repo: repo, State: StateSpawning}

		cmd := exec.Command(command, args...)
		cmd.Dir = filepath.Join(m.workspaceRoot, repo)
		stdout, _ := cmd.StdoutPipe()
		stderr, _ := cmd.StderrPipe()

		if err := cmd.Start(); err != nil {
			results[i].Err = err
			results[i].State = StateStopped
			close(childDone[i])
			continue
		}
		cmds[i] = cmd
		results[i].State = StateRunning

		pumpWG.Add(2)
		go pump(stdout, repo, lines, &pumpWG)
		go pump(stderr, repo, lines, &pumpWG)

		go func(i int, cmd *exec.Cmd) {
			err := cmd.Wait()
			if exitErr, ok := err.(*exec.ExitError); ok {
				results[i].ExitCode = exitErr.ExitCode()
				results[i].Err = exitErr
			} else if err != nil {
				results[i].Err = err
			}
			results[i].State = StateStopped
			close(childDone[i])
		}(i, cmd)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ln := range lines {
			idx := repoIndex(repos, ln.repo)
			prefix := fmt.Sprintf("[%-*s]", width, ln.repo)
			if idx >= 0 {
				prefix = colorFns[idx](prefix)
			}
			fmt.Fprintf(out, "%s %s\n", prefix, ln.text)
		}
	}()

	allDone := make(chan struct{})
	go func() {
		for _, d := range childDone {
			<-d
		}
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		m.shutdown(cmds, childDone)
	case <-allDone:
	}
	<-allDone

	pumpWG.Wait()
	close(lines)

	select {
	case <-writerDone:
	case <-time.After(drainTimeout):
	}

	return results
}

func repoIndex(repos []string, repo string) int {
	for i, r := range repos {
		if r == repo {
			return i
		}
	}
	return -1
}

func pump(r io.ReadCloser, repo string, lines chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- line{repo: repo, text: scanner.Text()}
	}
}

// shutdown sends SIGTERM to every still-running child and gives each
// up to termGrace to exit before SIGKILL-ing it, concurrently.
func (m *Multiplexer) shutdown(cmds []*exec.Cmd, childDone []chan struct{}) {
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		wg.Add(1)
		go func(cmd *exec.Cmd, done <-chan struct{}) {
			defer wg.Done()
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(termGrace):
				_ = cmd.Process.Kill()
				<-done
			}
		}(cmd, childDone[i])
	}
	wg.Wait()
}
