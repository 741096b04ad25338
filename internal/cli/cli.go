// ============================================================================
// Forge-Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   forge                          # Root command
//   ├── run                        # Start the engine (dispatcher + HTTP + gRPC)
//   ├── submit                     # Submit jobs from a JSON file
//   │   ├── --file, -f            # Job file (array of submission requests)
//   │   ├── --owner               # Owner applied to entries without owner_id
//   │   ├── --batch               # Submit the file as one batch
//   │   └── --server              # Remote gRPC address; local store when empty
//   ├── get <id> --server          # Show a job
//   ├── cancel <id> --server       # Cancel a queued or processing job
//   ├── status                     # Config summary and job statistics
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config and build the engine (store, lock, providers, dispatcher)
//   2. Start dispatcher loops, HTTP API, gRPC JobService and metrics
//   3. Wait for SIGINT / SIGTERM
//   4. Stop servers, drain running jobs, flush the store
//
//   Examples:
//     ./forge run
//     ./forge run -c custom-config.yaml
//
// submit Command:
//   JSON format:
//   [
//     {
//       "owner_id": "alice",
//       "content_type": "text",
//       "payload": {"prompt": "..."},
//       "priority": "high",
//       "scheduled_at": "2025-03-01T12:00:00Z",
//       "max_retries": 2
//     }
//   ]
//
//   Examples:
//     ./forge submit -f jobs.json
//     ./forge submit -f jobs.json --batch --owner alice --server localhost:50051
//
// Error Handling:
//   - Config load failed: Return detailed error information
//   - Engine start failed: Clean up resources and return
//   - Job submission failed: Print the per-job error and continue
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/config"
	"github.com/ChuLiYu/forge-queue/internal/logging"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/server"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

const (
	rpcTimeout      = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Forge-Queue: generation job processing with provider failover",
		Long: `Forge-Queue claims queued generation jobs and runs them against scored providers with:
- circuit breakers and automatic failover
- exponential-backoff retries
- stale job reclamation
- lease-based coordination across instances`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the forge-queue engine",
		Long:  "Start the dispatcher loops, HTTP API and gRPC JobService",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine()
		},
	}
}

func runEngine() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := NewApp(cfg, nil, log)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if err := app.Start(); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Shutdown(ctx)
		return fmt.Errorf("failed to start engine: %w", err)
	}
	log.Info("forge-queue started",
		zap.String("config", configFile),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Backend),
		zap.Int("providers", len(cfg.Providers)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal, stopping gracefully", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	log.Info("forge-queue stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var (
		jobFile    string
		serverAddr string
		owner      string
		batch      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read submission requests from a JSON file. Use --server to submit to a running instance over gRPC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(cmd.OutOrStdout(), jobFile, serverAddr, owner, batch)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing submission requests")
	cmd.Flags().StringVar(&serverAddr, "server", "", "gRPC address (e.g. localhost:50051) for remote submission")
	cmd.Flags().StringVar(&owner, "owner", "", "owner for entries without owner_id (required with --batch)")
	cmd.Flags().BoolVar(&batch, "batch", false, "submit the whole file as one batch")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// jobSubmitter submit 命令需要的提交操作（本地服務或 gRPC 客戶端）
type jobSubmitter interface {
	submitOne(ctx context.Context, req submit.Request) (*types.Job, error)
	submitBatch(ctx context.Context, owner string, reqs []submit.Request) (*submit.BatchResult, error)
}

type localSubmitter struct{ svc *submit.Service }

func (l localSubmitter) submitOne(ctx context.Context, req submit.Request) (*types.Job, error) {
	return l.svc.Submit(ctx, req)
}

func (l localSubmitter) submitBatch(ctx context.Context, owner string, reqs []submit.Request) (*submit.BatchResult, error) {
	return l.svc.SubmitBatch(ctx, owner, reqs)
}

type remoteSubmitter struct{ client *server.Client }

func (r remoteSubmitter) submitOne(ctx context.Context, req submit.Request) (*types.Job, error) {
	return r.client.SubmitJob(ctx, req)
}

func (r remoteSubmitter) submitBatch(ctx context.Context, owner string, reqs []submit.Request) (*submit.BatchResult, error) {
	return r.client.SubmitBatch(ctx, owner, reqs)
}

func readRequests(path string) ([]submit.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var reqs []submit.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("job file %s contains no jobs", path)
	}
	return reqs, nil
}

func submitJobs(out io.Writer, path, serverAddr, owner string, batch bool) error {
	reqs, err := readRequests(path)
	if err != nil {
		return err
	}
	if batch && owner == "" {
		return fmt.Errorf("--owner is required with --batch")
	}

	var sub jobSubmitter
	target := serverAddr
	if serverAddr != "" {
		client, err := server.Dial(serverAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		sub = remoteSubmitter{client: client}
	} else {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := OpenStore(cfg, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		sub = localSubmitter{svc: submit.New(cfg.Submit, store, monitor.New(cfg.Admission, store), nil, nil, nil)}
		target = "local store (" + cfg.Store.Driver + ")"
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	if batch {
		res, err := sub.submitBatch(ctx, owner, reqs)
		if err != nil {
			return fmt.Errorf("batch rejected: %w", err)
		}
		for _, item := range res.Items {
			if item.Error != "" {
				fmt.Fprintf(out, "  ✗ #%d: %s\n", item.Position, item.Error)
			} else {
				fmt.Fprintf(out, "  ✓ #%d: %s\n", item.Position, item.JobID)
			}
		}
		fmt.Fprintf(out, "Batch %s: accepted %d/%d jobs to %s\n", res.BatchID, res.Accepted, len(reqs), target)
		return nil
	}

	accepted := 0
	for i, req := range reqs {
		if req.OwnerID == "" {
			req.OwnerID = owner
		}
		job, err := sub.submitOne(ctx, req)
		if err != nil {
			fmt.Fprintf(out, "  ✗ #%d: %v\n", i, err)
			continue
		}
		accepted++
		fmt.Fprintf(out, "  ✓ #%d: %s (%s)\n", i, job.ID, job.Priority)
	}
	fmt.Fprintf(out, "Successfully submitted %d/%d jobs to %s\n", accepted, len(reqs), target)
	return nil
}

func buildGetCommand() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteJobCall(cmd.OutOrStdout(), serverAddr, func(ctx context.Context, c *server.Client) (*types.Job, error) {
				return c.GetJob(ctx, types.JobID(args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "localhost:50051", "gRPC address of a running instance")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteJobCall(cmd.OutOrStdout(), serverAddr, func(ctx context.Context, c *server.Client) (*types.Job, error) {
				return c.CancelJob(ctx, types.JobID(args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "localhost:50051", "gRPC address of a running instance")
	return cmd
}

func remoteJobCall(out io.Writer, serverAddr string, call func(context.Context, *server.Client) (*types.Job, error)) error {
	if serverAddr == "" {
		return fmt.Errorf("--server is required")
	}
	client, err := server.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	job, err := call(ctx, client)
	if err != nil {
		return err
	}
	return printJob(out, job)
}

func printJob(out io.Writer, job *types.Job) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, providers and job statistics from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
}

func showStatus(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Forge-Queue System Status                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Instance:        %s\n", cfg.InstanceID)
	fmt.Fprintf(out, "  ├─ Pool Size:       %d (slot wait %s)\n", cfg.Pool.Size, cfg.Pool.SlotWait)
	fmt.Fprintf(out, "  ├─ Lock Backend:    %s\n", cfg.Lock.Backend)
	fmt.Fprintf(out, "  └─ Stale Timeout:   %s\n", cfg.Reaper.StaleTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔌 Providers:")
	for i, p := range cfg.Providers {
		branch := "├─"
		if i == len(cfg.Providers)-1 {
			branch = "└─"
		}
		kind := p.Kind
		if kind == "" {
			kind = config.ProviderSimulated
		}
		fmt.Fprintf(out, "  %s %-12s %-9s cost=%.3f quality=%.2f types=%v\n", branch, p.Name, kind, p.Cost, p.Quality, p.ContentTypes)
	}
	fmt.Fprintln(out)

	store, err := OpenStore(cfg, nil)
	if err != nil {
		fmt.Fprintf(out, "💾 Store: ⚠️  unavailable (%v)\n", err)
		return nil
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read job statistics: %w", err)
	}

	fmt.Fprintf(out, "📊 Job Statistics (%s):\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  ├─ Total Jobs:     %d\n", stats.Total)
	fmt.Fprintf(out, "  ├─ ⏳ Queued:       %d\n", stats.ByStatus[types.StatusQueued])
	fmt.Fprintf(out, "  ├─ 🔄 Processing:   %d\n", stats.ByStatus[types.StatusProcessing])
	fmt.Fprintf(out, "  ├─ ✅ Completed:    %d\n", stats.ByStatus[types.StatusCompleted])
	fmt.Fprintf(out, "  ├─ ❌ Failed:       %d\n", stats.ByStatus[types.StatusFailed])
	fmt.Fprintf(out, "  ├─ 🚫 Cancelled:    %d\n", stats.ByStatus[types.StatusCancelled])
	fmt.Fprintf(out, "  └─ ⌛ Expired:      %d\n", stats.ByStatus[types.StatusExpired])
	fmt.Fprintln(out)

	if stats.Total > 0 {
		successRate := float64(stats.ByStatus[types.StatusCompleted]) / float64(stats.Total) * 100
		fmt.Fprintf(out, "📈 Success Rate: %.1f%%\n", successRate)
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "📡 Endpoints:")
	if cfg.HTTP.Enabled {
		fmt.Fprintf(out, "  ├─ HTTP API:  %s (metrics at /metrics)\n", cfg.HTTP.Addr)
	}
	if cfg.GRPC.Enabled {
		fmt.Fprintf(out, "  └─ gRPC:      %s\n", cfg.GRPC.Addr)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}
