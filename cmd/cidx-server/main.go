// Command cidx-server runs the workspace-resident crash-resilience
// server: it owns the durable job queue, statistics, locks, waiting
// queues, callbacks, and the orphan scanner, and exposes a Prometheus
// /metrics endpoint while it runs.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
	"github.com/codeindexer/cidx/internal/server/callbacks"
	"github.com/codeindexer/cidx/internal/server/lockstore"
	"github.com/codeindexer/cidx/internal/server/orphan"
	"github.com/codeindexer/cidx/internal/server/queue"
	"github.com/codeindexer/cidx/internal/server/recovery"
	"github.com/codeindexer/cidx/internal/server/stats"
	"github.com/codeindexer/cidx/internal/server/waitqueue"
	"github.com/codeindexer/cidx/pkg/jobmodel"
	"github.com/codeindexer/cidx/pkg/log"
	"github.com/codeindexer/cidx/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	workspaceDir string
	logLevel     string
	logJSON      bool
	metricsAddr  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidx-server",
	Short: "cidx-server runs the code-indexer workspace's crash-resilient job server",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	if _, err := atomicio.SweepOrphanedTemp(workspaceDir, 10*time.Minute); err != nil {
		log.Logger.Warn().Err(err).Msg("cidx-server: temp-file sweep failed")
	}

	var (
		q    *queue.Queue
		st   *stats.Store
		ls   *lockstore.Store
		wq   *waitqueue.Store
		cb   *callbacks.Queue
		orp  *orphan.Scanner
	)

	phases := []recovery.Phase{
		{
			Name: "queue",
			Execute: func() (recovery.PhaseOutcome, error) {
				loaded, rstats, err := queue.Load(workspaceDir)
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				q = loaded
				return recovery.PhaseOutcome{Counts: map[string]int{"jobs_recovered": rstats.JobsRecovered}}, nil
			},
			Critical: true,
		},
		{
			Name: "statistics",
			Execute: func() (recovery.PhaseOutcome, error) {
				loaded, err := stats.Load(workspaceDir)
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				st = loaded
				return recovery.PhaseOutcome{}, nil
			},
			Critical: false, AllowDegraded: true,
		},
		{
			Name: "locks",
			Execute: func() (recovery.PhaseOutcome, error) {
				loaded, err := lockstore.Open(workspaceDir)
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				ls = loaded
				result, err := ls.Recover()
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				return recovery.PhaseOutcome{
					Counts:               map[string]int{"locks_recovered": result.Recovered, "locks_stale_cleaned": len(result.StaleRemoved)},
					UnavailableResources: result.UnavailableRepos,
				}, nil
			},
			Critical: false, AllowDegraded: true,
		},
		{
			Name: "waiting_queues",
			Execute: func() (recovery.PhaseOutcome, error) {
				loaded, err := waitqueue.Load(workspaceDir)
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				wq = loaded
				return recovery.PhaseOutcome{}, nil
			},
			DependsOn: []string{"locks"},
			Critical:  false, AllowDegraded: true,
		},
		{
			Name: "callbacks",
			Execute: func() (recovery.PhaseOutcome, error) {
				loaded, err := callbacks.Load(workspaceDir)
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				cb = loaded
				return recovery.PhaseOutcome{Counts: map[string]int{"callbacks_pending": len(loaded.Pending())}}, nil
			},
			Critical: false, AllowDegraded: true,
		},
		{
			Name: "orphans",
			Execute: func() (recovery.PhaseOutcome, error) {
				orp = orphan.NewScanner(workspaceDir, "cidx-", nil, nil)
				recovered, err := orp.RecoverInterruptedCleanup()
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				candidates, err := orp.ScanAll()
				if err != nil {
					return recovery.PhaseOutcome{}, err
				}
				orphaned := candidates[:0]
				now := time.Now()
				for _, c := range candidates {
					if orp.IsOrphaned(c, now) {
						orphaned = append(orphaned, c)
					}
				}
				if err := orp.Cleanup(orphaned); err != nil {
					return recovery.PhaseOutcome{}, err
				}
				return recovery.PhaseOutcome{Counts: map[string]int{"orphans_cleaned": len(orphaned), "interrupted_cleanups_resumed": len(recovered)}}, nil
			},
			DependsOn: []string{"queue", "locks", "waiting_queues"},
			Critical:  false, AllowDegraded: true,
		},
	}

	orchestrator := recovery.New(workspaceDir, phases)
	record, err := orchestrator.Run()
	if err != nil {
		return fmt.Errorf("cidx-server: startup recovery: %w", err)
	}

	log.Logger.Info().
		Str("startup_id", record.StartupID).
		Dur("duration", record.Duration).
		Bool("degraded", record.DegradedMode).
		Msg("cidx-server: startup complete")

	metrics.QueueDepth.WithLabelValues("all").Set(float64(q.Len()))
	metrics.DegradedResources.Set(boolToFloat(record.DegradedMode))

	statsSnap := st.Snapshot()
	log.Logger.Debug().
		Float64("p90_duration_sec", statsSnap.P90DurationSec).
		Int("waitqueue_keys", len(wq.Keys())).
		Msg("cidx-server: post-recovery state")
	_ = ls // held open for the job-processing loop a future command wires in

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Logger.Error().Err(err).Msg("cidx-server: metrics server stopped")
		}
	}()
	fmt.Printf("cidx-server ready. metrics: http://%s/metrics\n", metricsAddr)

	deliverLoop(cb)
	return nil
}

// deliverLoop drains due callbacks every second via a plain HTTP
// POST, forever. This keeps the process alive for the metrics
// endpoint and for future job processing.
func deliverLoop(cb *callbacks.Queue) {
	client := &http.Client{Timeout: 30 * time.Second}
	deliver := func(callback *jobmodel.Callback) (int, error) {
		body, err := json.Marshal(callback.Payload)
		if err != nil {
			return 0, err
		}
		resp, err := client.Post(callback.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := cb.ProcessDue(time.Now(), deliver); err != nil {
			log.Logger.Warn().Err(err).Msg("cidx-server: callback delivery pass failed")
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
