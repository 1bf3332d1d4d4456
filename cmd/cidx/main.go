// Command cidx is the proxy-mode CLI: it discovers nested
// repositories under a proxy root and dispatches each command to the
// right executor (parallel, sequential, query, or watch) per
// repository, per the teacher's single-binary, cobra-driven CLI shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeindexer/cidx/internal/errors"
	"github.com/codeindexer/cidx/internal/proxy/discovery"
	"github.com/codeindexer/cidx/internal/proxy/parallel"
	"github.com/codeindexer/cidx/internal/proxy/router"
	"github.com/codeindexer/cidx/internal/proxy/sequential"
	"github.com/codeindexer/cidx/internal/proxy/watch"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidx",
	Short: "cidx is the code-indexer proxy CLI for multi-repository workspaces",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")
	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(dispatchCmd("start"))
	rootCmd.AddCommand(dispatchCmd("stop"))
	rootCmd.AddCommand(dispatchCmd("uninstall"))
	rootCmd.AddCommand(dispatchCmd("fix-config"))
	rootCmd.AddCommand(dispatchCmd("status"))
	rootCmd.AddCommand(dispatchCmd("query"))
	rootCmd.AddCommand(dispatchCmd("watch"))
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize proxy mode in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		proxyMode, _ := cmd.Flags().GetBool("proxy-mode")
		if !proxyMode {
			return fmt.Errorf("cidx init: only --proxy-mode is supported by this command")
		}
		root, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg, err := discovery.Init(root)
		if err != nil {
			return err
		}
		fmt.Printf("Initialized proxy mode: %d repositories discovered\n", len(cfg.DiscoveredRepos))
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("proxy-mode", false, "initialize this directory as a proxy root")
}

// dispatchCmd builds the cobra command for one proxy subcommand,
// classifying it via router.Classify to pick the right executor.
func dispatchCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:                name,
		Short:              fmt.Sprintf("Run %q across every discovered repository", name),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(name, args)
		},
	}
}

func dispatch(command string, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := discovery.Load(root)
	if err != nil {
		return fmt.Errorf("cidx: not a proxy root (run `cidx init --proxy-mode` first): %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	class := router.Classify(command)
	forcedExit := 130
	if class == router.ClassWatch {
		forcedExit = 1
	}
	installDoubleInterruptHandler(cancel, forcedExit)

	switch class {
	case router.ClassParallel:
		return runParallel(ctx, root, cfg.DiscoveredRepos, command, args)
	case router.ClassSequential:
		return runSequential(ctx, root, cfg.DiscoveredRepos, command, args)
	case router.ClassWatch:
		return runWatch(ctx, root, cfg.DiscoveredRepos, command, args)
	default:
		return runQuery(ctx, root, cfg.DiscoveredRepos, command, args)
	}
}

func runParallel(ctx context.Context, root string, repos []string, command string, args []string) error {
	results := parallel.Run(ctx, root, repos, "cidx-repo", append([]string{command}, args...))
	for _, r := range results {
		if r.Err == nil {
			fmt.Printf("[%s]\n%s", r.Repository, r.Stdout)
		}
	}
	failures := summarizeExecResults(results)
	return exitFromFailures(failures)
}

func runSequential(ctx context.Context, root string, repos []string, command string, args []string) error {
	results := sequential.Run(ctx, os.Stdout, root, repos, "cidx-repo", append([]string{command}, args...))
	var failures []errors.Entry
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, errors.Entry{
				Repository: r.Repository,
				Command:    command,
				ExitCode:   r.ExitCode,
				Stderr:     string(r.Stderr),
			})
		}
	}
	return exitFromFailures(failures)
}

func runWatch(ctx context.Context, root string, repos []string, command string, args []string) error {
	m := watch.New(root)
	results := m.Run(ctx, os.Stdout, repos, "cidx-repo", append([]string{command}, args...))
	var failures []errors.Entry
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, errors.Entry{Repository: r.Repo, Command: command, ExitCode: r.ExitCode})
		}
	}
	return exitFromFailures(failures)
}

func runQuery(ctx context.Context, root string, repos []string, command string, args []string) error {
	// Query commands fan out concurrently; each repo's own "cidx-repo"
	// binary produces its hits, which are printed under that repo's
	// heading in configuration order. Hits are not merged, re-sorted by
	// score, or cut to a global limit across repositories; a failed repo
	// is reported inline with a grep hint.
	results := parallel.Run(ctx, root, repos, "cidx-repo", append([]string{command}, args...))
	for _, r := range results {
		if r.Err == nil {
			fmt.Printf("[%s]\n%s", r.Repository, r.Stdout)
		} else {
			fmt.Println(errors.Format(errors.Entry{
				Repository: r.Repository, Command: command, ExitCode: r.ExitCode,
				Stderr: string(r.Stderr), Hint: errors.GrepHint(r.Repository),
			}))
		}
	}
	failures := summarizeExecResults(results)
	return exitFromFailures(failures)
}

func summarizeExecResults(results []parallel.ExecutionResult) []errors.Entry {
	var failures []errors.Entry
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, errors.Entry{
				Repository: r.Repository,
				ExitCode:   r.ExitCode,
				Stderr:     string(r.Stderr),
			})
		}
	}
	return failures
}

// exitCode is a sentinel error carrying the process exit code the
// proxy CLI's surface promises: 0 all success, 1 at least one
// failure, 2 invalid usage, 130 interrupted.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func exitCodeFor(err error) int {
	if code, ok := err.(exitCode); ok {
		return int(code)
	}
	return 2
}

func exitFromFailures(failures []errors.Entry) error {
	if len(failures) == 0 {
		return nil
	}
	fmt.Println(errors.Summary(failures))
	return exitCode(1)
}

// installDoubleInterruptHandler turns the first SIGINT into ctx
// cancellation (giving in-flight children their graceful shutdown
// window) and a second SIGINT into an immediate os.Exit(forcedExit):
// 1 for watch, whose multiplexer leaves "double Ctrl-C forces exit" to
// its caller, and 130 for every other command.
func installDoubleInterruptHandler(cancel context.CancelFunc, forcedExit int) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(forcedExit)
	}()
}
