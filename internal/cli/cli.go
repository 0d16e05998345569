// ============================================================================
// calc-pi-dist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   calc-pi-dist                   # Root command
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --master                  # gRPC address of the queue (client commands)
//   ├── run                        # Start the queue (HTTP + gRPC + reclaimer)
//   │   └── --workers             # Local workers inside the queue process
//   ├── worker                     # Remote worker pulling jobs over gRPC
//   │   └── --workers             # Number of concurrent pull loops
//   ├── enqueue                    # Enqueue bbp_hex jobs
//   │   └── --start --count --digits --randomize
//   ├── seed                       # Enqueue dummy jobs
//   ├── status                     # Queue length / inflight count
//   ├── jobs                       # Queued and inflight jobs with payloads
//   ├── result <job_id>            # Stored result of one job
//   └── clear                      # Purge all jobs and results
//
// Configuration Management:
//   YAML file (internal/config) with environment overrides. When the default
//   config path does not exist, built-in defaults are used.
//
// Signal Handling:
//   run and worker stop gracefully on SIGINT / SIGTERM:
//   1. Stop accepting requests
//   2. Cancel worker loops; unfinished jobs are recovered by lease expiry
//   3. Write the final snapshot (embedded store)
//   4. Close the store
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akamine-lab/calc-pi-dist/internal/config"
	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/server"
	"github.com/akamine-lab/calc-pi-dist/internal/worker"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const (
	defaultConfigFile = "configs/default.yaml"
	clientTimeout     = 10 * time.Second
)

// rootOptions 所有子命令共用的旗標
type rootOptions struct {
	configFile string
	master     string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "calc-pi-dist",
		Short: "calc-pi-dist: a lease-based distributed job queue",
		Long: `calc-pi-dist distributes hexadecimal digits of pi over workers with:
- at-least-once delivery through time-bounded leases
- idempotent result reporting
- Redis, PostgreSQL or embedded storage
- HTTP, gRPC and a live event stream`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.master, "master", "", "queue gRPC address (default: worker.master from config)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildSeedCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJobsCommand(opts))
	rootCmd.AddCommand(buildResultCommand(opts))
	rootCmd.AddCommand(buildClearCommand(opts))

	return rootCmd
}

// loadConfig 讀取設定；預設路徑不存在時只用預設值與環境變數
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configFile
	if path == defaultConfigFile {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.master != "" {
		cfg.Worker.Master = o.master
	}
	return cfg, nil
}

// withClient 連線到佇列並執行 fn
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	conn, err := server.Dial(cfg.Worker.Master)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run / worker
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the queue server",
		Long:  "Start the HTTP API, the gRPC service, the lease reclaimer and optional local workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workers
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := a.serve(ctx); err != nil {
				return err
			}
			logger.Info("system stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "local workers inside the queue process (default: worker.count)")
	return cmd
}

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker that pulls jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if workers <= 0 {
				return fmt.Errorf("--workers must be positive, got %d", workers)
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			conn, err := server.Dial(cfg.Worker.Master)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			pool := worker.NewPool(worker.NewGrpcJobSource(conn, clientTimeout), nil,
				worker.WithBackoff(cfg.Worker.Backoff),
				worker.WithLogger(logger),
			)
			logger.Info("connecting to queue", "master", cfg.Worker.Master, "workers", workers)
			if err := pool.Start(ctx, workers); err != nil {
				return fmt.Errorf("failed to start worker pool: %w", err)
			}

			<-ctx.Done()
			logger.Info("stopping workers")
			pool.Stop()
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 1, "number of concurrent workers")
	return cmd
}

// ============================================================================
// client commands
// ============================================================================

// bbpPayloads 產生 count 個連續區段，每段 digits 位
func bbpPayloads(start, count, digits int, randomize bool) []types.Payload {
	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	if randomize {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	payloads := make([]types.Payload, 0, count)
	for _, i := range order {
		payloads = append(payloads, types.Payload{
			"type":  worker.TypeBBPHex,
			"start": start + i*digits,
			"count": digits,
		})
	}
	return payloads
}

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var start, count, digits int
	var randomize bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue bbp_hex jobs",
		Long:  "Enqueue --count jobs of --digits hex digits each, starting at digit --start",
		RunE: func(cmd *cobra.Command, args []string) error {
			if start < 0 {
				return fmt.Errorf("start must be non-negative, got %d", start)
			}
			if count <= 0 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			if digits <= 0 || digits > worker.MaxHexDigits {
				return fmt.Errorf("digits must be in 1..%d, got %d", worker.MaxHexDigits, digits)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return enqueueJobs(ctx, c, cmd.OutOrStdout(), bbpPayloads(start, count, digits, randomize))
			})
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "first digit position (required)")
	cmd.Flags().IntVar(&count, "count", 0, "number of jobs (required)")
	cmd.Flags().IntVar(&digits, "digits", 1, "digits per job")
	cmd.Flags().BoolVar(&randomize, "randomize", false, "enqueue in random order")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

func enqueueJobs(ctx context.Context, c *server.Client, out io.Writer, payloads []types.Payload) error {
	failed := 0
	for n, p := range payloads {
		id, err := c.Enqueue(ctx, p)
		if err != nil {
			failed++
			fmt.Fprintf(out, "  ✗ Job %d/%d: start=%v count=%v - %v\n", n+1, len(payloads), p["start"], p["count"], err)
			continue
		}
		fmt.Fprintf(out, "  ✓ Job %d/%d: start=%v count=%v id=%s\n", n+1, len(payloads), p["start"], p["count"], id)
	}
	fmt.Fprintf(out, "\nCompleted: %d succeeded, %d failed\n", len(payloads)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed to enqueue", failed, len(payloads))
	}
	return nil
}

func buildSeedCommand(opts *rootOptions) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Enqueue dummy jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 0 {
				return fmt.Errorf("n must not be negative, got %d", n)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ids, err := c.Seed(ctx, n)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&n, "number", "n", 5, "number of dummy jobs")
	return cmd
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				state, err := c.Snapshot(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "📊 Job Queue Statistics:")
				fmt.Fprintf(out, "  ├─ ⏳ Queued:     %d\n", state.QueueLength)
				fmt.Fprintf(out, "  └─ 🔄 In-Flight:  %d\n", state.InflightCount)
				return nil
			})
		},
	}
}

func buildJobsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List queued and inflight jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				listing, err := c.ListJobs(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), listing)
			})
		},
	}
}

func buildResultCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <job_id>",
		Short: "Show the result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				result, err := c.GetResult(ctx, types.JobID(args[0]))
				if errors.Is(err, jobmanager.ErrNotFound) {
					return fmt.Errorf("no result for job %s", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func buildClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all jobs and results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
