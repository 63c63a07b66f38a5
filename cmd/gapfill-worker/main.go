// Command gapfill-worker is the child process spawned by the Enrichment
// Pipeline's gap filler (spec.md §4.5). It reads line-delimited JSON
// WorkItems from stdin, enriches that many unenriched transactions
// starting at the given offset for the given contract, and writes a
// line-delimited JSON RESULT back to stdout. It intentionally keeps its
// own tiny connection pool (2 connections) and its own explorer client
// rather than sharing the parent's, since the whole point of the
// process-per-worker design is that a wedged worker can be killed without
// touching shared parent state.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"evmindexer/internal/dbpool"
	"evmindexer/internal/explorer"
	"evmindexer/internal/models"
	"evmindexer/internal/repository"
)

type workItem struct {
	ID              string `json:"id"`
	ContractAddress string `json:"contract_address"`
	StartOffset     uint64 `json:"start_offset"`
	BatchSize       int    `json:"batch_size"`
}

type result struct {
	ID         string `json:"id"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// fanoutConcurrency is the 5-way concurrent fetch fan-out spec.md §4.5
// sets for a single gap-filler worker process.
const fanoutConcurrency = 5

// minBatchPacing is the inter-batch pacing floor spec.md §4.5 sets between
// successive fan-out rounds of fanoutConcurrency detail fetches.
const minBatchPacing = 500 * time.Millisecond

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbURL := os.Getenv("DATABASE_URL")
	chainID, _ := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
	if chainID == 0 {
		chainID = 1
	}
	ecosystem := os.Getenv("ECOSYSTEM")
	if ecosystem == "" {
		ecosystem = "evm"
	}

	pool, err := dbpool.OpenBounded(ctx, dbURL, 2)
	if err != nil {
		log.Fatalf("gapfill-worker: open db pool: %v", err)
	}
	defer pool.Close()
	repo := repository.New(pool)

	explorerClient := explorer.New(os.Getenv("EXPLORER_BASE_URL"), chainID, ecosystem, 200*time.Millisecond,
		explorer.WithRetryPolicy(3, time.Second, 10*time.Second))

	w := &childWorker{repo: repo, explorerClient: explorerClient}
	w.run(ctx, os.Stdin, os.Stdout)
}

type childWorker struct {
	repo           *repository.Repository
	explorerClient *explorer.Client

	consecutiveTimeouts int
}

func (w *childWorker) run(ctx context.Context, stdin *os.File, stdout *os.File) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := bufio.NewWriter(stdout)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var item workItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			writeResult(out, result{Error: fmt.Sprintf("decode work item: %v", err)})
			continue
		}

		res := w.process(ctx, item)
		writeResult(out, res)
	}
}

// process enriches up to item.BatchSize unenriched rows for
// item.ContractAddress starting at item.StartOffset, fanning detail
// fetches out fanoutConcurrency at a time with at least minBatchPacing
// between rounds, and slowing down further when the upstream has been
// timing out (spec.md §4.5).
func (w *childWorker) process(ctx context.Context, item workItem) result {
	start := time.Now()

	if delay := consecutiveTimeoutDelay(w.consecutiveTimeouts); delay > 0 {
		time.Sleep(delay)
	}

	rows, err := w.repo.ListUnenrichedForContract(ctx, item.ContractAddress, int(item.StartOffset), item.BatchSize)
	if err != nil {
		return result{ID: item.ID, Error: fmt.Sprintf("list unenriched: %v", err), DurationMS: time.Since(start).Milliseconds()}
	}

	var processed, failed int
	var timedOut atomic.Bool

	for batchStart := 0; batchStart < len(rows); batchStart += fanoutConcurrency {
		batchEnd := batchStart + fanoutConcurrency
		if batchEnd > len(rows) {
			batchEnd = len(rows)
		}
		chunk := rows[batchStart:batchEnd]

		g, gctx := errgroup.WithContext(ctx)
		results := make(chan bool, len(chunk))
		for _, row := range chunk {
			row := row
			g.Go(func() error {
				enriched, err := w.enrichOne(gctx, row.ContractAddress, row.TxHash)
				if err != nil {
					if isTimeout(err) {
						timedOut.Store(true)
					}
					results <- false
					return nil
				}
				results <- enriched
				return nil
			})
		}
		g.Wait()
		close(results)
		for ok := range results {
			if ok {
				processed++
			} else {
				failed++
			}
		}

		if batchEnd < len(rows) {
			time.Sleep(minBatchPacing)
		}
	}

	if timedOut.Load() {
		w.consecutiveTimeouts++
	} else {
		w.consecutiveTimeouts = 0
	}

	return result{
		ID:         item.ID,
		Processed:  processed,
		Failed:     failed,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// consecutiveTimeoutDelay slows a worker down after the upstream has been
// timing out repeatedly (spec.md §4.5): more than 5 consecutive timeouts
// adds 2s before the next batch, more than 2 adds 1s, otherwise no extra
// delay beyond the fixed inter-batch pacing.
func consecutiveTimeoutDelay(consecutiveTimeouts int) time.Duration {
	switch {
	case consecutiveTimeouts > 5:
		return 2 * time.Second
	case consecutiveTimeouts > 2:
		return time.Second
	default:
		return 0
	}
}

func (w *childWorker) enrichOne(ctx context.Context, contractAddress, txHash string) (bool, error) {
	row, err := w.explorerClient.GetTransactionDetail(ctx, contractAddress, txHash)
	if err != nil {
		return false, err
	}
	if err := w.repo.UpsertEnrichments(ctx, []*models.EnrichmentRow{row}); err != nil {
		return false, err
	}
	return true, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func writeResult(out *bufio.Writer, r result) {
	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("gapfill-worker: marshal result: %v", err)
		return
	}
	fmt.Fprintf(out, "RESULT:%s\n", payload)
	out.Flush()
}
