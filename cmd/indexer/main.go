// Command indexer is the core binary: it wires the cursor store,
// repository, explorer client, RPC fallback client, transaction ingestor,
// backfill orchestrator, adaptive poller, and enrichment pipeline
// together and runs them until SIGINT/SIGTERM (spec.md §5). Grounded on
// the teacher's main.go, which does the same "build every component, run
// them in goroutines, wait on a signal context" wiring for its Flow
// indexer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"evmindexer/internal/backfill"
	"evmindexer/internal/config"
	"evmindexer/internal/cursorstore"
	"evmindexer/internal/dbpool"
	"evmindexer/internal/enrichment"
	"evmindexer/internal/enrichment/gapfiller"
	"evmindexer/internal/explorer"
	"evmindexer/internal/ingestor"
	"evmindexer/internal/notify"
	"evmindexer/internal/poller"
	"evmindexer/internal/repository"
	"evmindexer/internal/rpcfallback"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	skipMigrate := flag.Bool("skip-migrate", false, "skip running migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[indexer] load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[indexer] open db: %v", err)
	}
	defer pool.Close()

	repo := repository.New(pool)

	if !*skipMigrate {
		schema, err := os.ReadFile("migrations/schema.sql")
		if err != nil {
			log.Fatalf("[indexer] read schema: %v", err)
		}
		if err := repo.Migrate(ctx, string(schema)); err != nil {
			log.Fatalf("[indexer] migrate: %v", err)
		}
	}

	cursors := cursorstore.New(pool)

	explorerClient := explorer.New(cfg.ExplorerBaseURL, cfg.ChainID, cfg.Ecosystem, cfg.MinRequestInterval)

	rpcClient, err := rpcfallback.Dial(ctx, cfg.ChainRPCURL, cfg.ChainID, cfg.RPCFanoutConcurrency)
	if err != nil {
		log.Fatalf("[indexer] dial rpc: %v", err)
	}
	defer rpcClient.Close()

	ing := ingestor.New(explorerClient, rpcClient, cursors, repo, cfg.PageLimit)

	orchestrator := backfill.New(repo, ing, backfill.Config{
		WorkerCount:       cfg.BackfillWorkerCount,
		ScanInterval:      10 * time.Second,
		StaleAfterMinutes: int(cfg.StaleIndexingAfter.Minutes()),
	})
	committer := backfill.NewCommitter(repo, 5*time.Second)
	adaptivePoller := poller.New(repo, ing)
	enricher := enrichment.New(repo, explorerClient)
	listener := notify.NewListener(pool, "new_volume_transaction")

	gapPoolEnv := []string{
		"DATABASE_URL=" + cfg.DatabaseURL,
		"EXPLORER_BASE_URL=" + cfg.ExplorerBaseURL,
		fmt.Sprintf("CHAIN_ID=%d", cfg.ChainID),
		"ECOSYSTEM=" + cfg.Ecosystem,
	}
	gapPool, err := gapfiller.NewPool(ctx, cfg.GapFillerWorkerBinary, gapPoolEnv, cfg.GapFillerWorkerCount)
	if err != nil {
		log.Fatalf("[indexer] start gap-filler pool: %v", err)
	}
	defer gapPool.Close()
	gapParent := gapfiller.NewParent(repo, gapPool, cfg.GapFillerScanInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error { return committer.Run(gctx) })
	g.Go(func() error { return adaptivePoller.Run(gctx) })
	g.Go(func() error { return enricher.ListenAndEnrich(gctx, listener) })
	g.Go(func() error { return enricher.PollFallback(gctx) })
	g.Go(func() error { return gapParent.Run(gctx) })

	log.Printf("[indexer] started, chain_id=%d ecosystem=%s", cfg.ChainID, cfg.Ecosystem)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Fatalf("[indexer] component failed: %v", err)
	}
	log.Println("[indexer] shutting down")
}
