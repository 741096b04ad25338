package main

// ============================================================================
// Crash recovery demo
//
//   go run ./cmd/demo start     # 提交任務，處理中按 Ctrl+C 模擬崩潰
//   go run ./cmd/demo recover   # 重新載入快照，reaper 回收中斷的任務
//
// 使用 configs/default.yaml，但縮短快照與回收間隔以便觀察
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/forge-queue/internal/cli"
	"github.com/ChuLiYu/forge-queue/internal/config"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/logging"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

const (
	demoOwners   = 5
	jobsPerOwner = 40
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	tuneForDemo(cfg)

	logger, err := logging.New("development", "warn")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	app, err := cli.NewApp(cfg, nil, logger)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		runStart(app, sigChan)
	case "recover":
		runRecover(app)
	default:
		log.Fatalf("unknown mode %q (want start or recover)", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	shutdown(app)
}

func tuneForDemo(cfg *config.Config) {
	cfg.HTTP.Enabled = false
	cfg.GRPC.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Store.Driver = config.StoreMemory
	cfg.Store.SnapshotInterval = 200 * time.Millisecond
	cfg.Dispatcher.TickInterval = 100 * time.Millisecond
	cfg.Dispatcher.StaleInterval = time.Second
	cfg.Reaper.StaleTimeout = 3 * time.Second
	for i := range cfg.Providers {
		if cfg.Providers[i].Latency < 300*time.Millisecond {
			cfg.Providers[i].Latency = 300 * time.Millisecond
		}
	}
}

func runStart(app *cli.App, sigChan <-chan os.Signal) {
	ctx := context.Background()
	stats := mustStats(app)
	if stats.Total > 0 {
		fmt.Printf("\n⚠️  Found %d jobs from a previous run\n", stats.Total)
		printStats("Current Status", stats)
		fmt.Printf("\n💡 Run 'go run ./cmd/demo recover' to reclaim them, or delete %s to start fresh\n", app.Config.Store.Path)
		return
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	fmt.Println("✓ Engine started (mode: start)")

	for o := 0; o < demoOwners; o++ {
		owner := fmt.Sprintf("demo-owner-%d", o)
		reqs := make([]submit.Request, jobsPerOwner)
		for i := range reqs {
			reqs[i] = submit.Request{Payload: map[string]interface{}{"prompt": fmt.Sprintf("job %d-%d", o, i)}}
		}
		res, err := app.Submit.SubmitBatch(ctx, owner, reqs)
		if err != nil {
			log.Fatalf("Failed to submit batch: %v", err)
		}
		fmt.Printf("✓ Batch %s: %d accepted for %s\n", res.BatchID, res.Accepted, owner)
	}

	fmt.Printf("\n⚡ Jobs are running against %d providers...\n", len(app.Config.Providers))
	fmt.Printf("💡 Press Ctrl+C NOW to crash with jobs in-flight!\n\n")

	for i := 0; i < 20; i++ {
		select {
		case <-sigChan:
			crash(app)
		case <-time.After(200 * time.Millisecond):
			stats = mustStats(app)
			fmt.Printf("📊 Status: Queued=%d, Processing=%d, Completed=%d, Failed=%d\n",
				stats.ByStatus[types.StatusQueued], stats.ByStatus[types.StatusProcessing],
				stats.ByStatus[types.StatusCompleted], stats.ByStatus[types.StatusFailed])
		}
	}
	printStats("Status Snapshot (after 4 seconds)", mustStats(app))
}

// crash 寫出最後一次快照後直接結束，不等待執行中的任務
func crash(app *cli.App) {
	if f, ok := app.Store.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	stats := mustStats(app)
	fmt.Printf("\n💥 Crashed with %d jobs processing\n", stats.ByStatus[types.StatusProcessing])
	fmt.Println("   Run 'go run ./cmd/demo recover' to see them reclaimed")
	os.Exit(0)
}

func runRecover(app *cli.App) {
	stats := mustStats(app)
	printStats("Immediate Status After Restart", stats)
	orphaned := stats.ByStatus[types.StatusProcessing]
	if orphaned > 0 {
		fmt.Printf("\n✓ %d jobs were processing when the last run stopped\n", orphaned)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	wait := app.Config.Reaper.StaleTimeout + 3*time.Second
	fmt.Printf("\n⏳ Waiting %s for the reaper and dispatcher...\n", wait)
	time.Sleep(wait)

	printStats("Final Status", mustStats(app))
}

func shutdown(app *cli.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		fmt.Printf("⚠️  Shutdown incomplete: %v\n", err)
		return
	}
	fmt.Println("✓ Engine stopped")
}

func mustStats(app *cli.App) jobstore.Stats {
	stats, err := app.Store.Stats(context.Background())
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	return stats
}

func printStats(title string, stats jobstore.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Queued:     %d\n", stats.ByStatus[types.StatusQueued])
	fmt.Printf("  Processing: %d\n", stats.ByStatus[types.StatusProcessing])
	fmt.Printf("  Completed:  %d\n", stats.ByStatus[types.StatusCompleted])
	fmt.Printf("  Failed:     %d\n", stats.ByStatus[types.StatusFailed])
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:      %d\n", stats.Total)
}
