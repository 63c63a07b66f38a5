// Package gapfiller runs the Enrichment Pipeline's gap-filling worker
// pool as separate OS processes rather than goroutines (spec.md §4.5):
// the parent forks a fixed number of gapfill-worker child processes and
// talks to each over its stdin/stdout pipes using line-delimited JSON.
// Process isolation bounds a single worker's memory footprint (each opens
// its own small connection pool) and lets a worker that wedges on a bad
// upstream response be killed and replaced without taking the parent down with
// it. Grounded on the teacher's os/exec usage pattern for its cmd/tools
// binaries, generalized here from one-shot CLI invocation to a persistent
// supervised pool.
package gapfiller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"evmindexer/internal/models"
	"evmindexer/internal/repository"
)

// WorkItem is one unit of gap-filling work sent to a child worker.
type WorkItem struct {
	ID              string `json:"id"`
	ContractAddress string `json:"contract_address"`
	StartOffset     uint64 `json:"start_offset"`
	BatchSize       int    `json:"batch_size"`
}

// Result is what a child worker reports back after processing a WorkItem.
type Result struct {
	ID         string  `json:"id"`
	Processed  int     `json:"processed"`
	Failed     int     `json:"failed"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Pool supervises a fixed set of child gapfill-worker processes and
// dispatches WorkItems to them in round-robin order.
type Pool struct {
	binaryPath string
	env        []string
	size       int

	mu      sync.Mutex
	workers []*worker
	next    int
}

// NewPool spawns size child processes running binaryPath (normally
// cmd/gapfill-worker), passing env as their environment (typically the
// database URL and the explorer base URL, chain id and ecosystem).
func NewPool(ctx context.Context, binaryPath string, env []string, size int) (*Pool, error) {
	p := &Pool{binaryPath: binaryPath, env: env, size: size}
	for i := 0; i < size; i++ {
		w, err := spawnWorker(ctx, binaryPath, env)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("gapfiller: spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Dispatch sends item to the next worker in round-robin order and waits
// for its RESULT line.
func (p *Pool) Dispatch(ctx context.Context, item WorkItem) (*Result, error) {
	w := p.pick()
	result, err := w.process(ctx, item)
	if err != nil {
		log.Printf("[gapfiller] worker %d failed, respawning: %v", w.index, err)
		if respawnErr := p.respawn(ctx, w); respawnErr != nil {
			log.Printf("[gapfiller] respawn failed: %v", respawnErr)
		}
		return nil, err
	}
	return result, nil
}

func (p *Pool) pick() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

func (p *Pool) respawn(ctx context.Context, dead *worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dead.kill()

	fresh, err := spawnWorker(ctx, p.binaryPath, p.env)
	if err != nil {
		return err
	}
	fresh.index = dead.index
	for i, w := range p.workers {
		if w == dead {
			p.workers[i] = fresh
			break
		}
	}
	return nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.kill()
	}
}

// worker is one live child process and its line-delimited JSON pipes.
type worker struct {
	index int
	cmd   *exec.Cmd
	stdin *bufio.Writer
	out   *bufio.Scanner

	mu sync.Mutex
}

func spawnWorker(ctx context.Context, binaryPath string, env []string) (*worker, error) {
	cmd := exec.CommandContext(ctx, binaryPath)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = logWriter{}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &worker{
		cmd:   cmd,
		stdin: bufio.NewWriter(stdin),
		out:   scanner,
	}, nil
}

// process writes one JSON-encoded WorkItem line, then blocks reading
// lines until it sees one prefixed "RESULT:", per the wire protocol
// spec.md §4.5 specifies exactly.
func (w *worker) process(ctx context.Context, item WorkItem) (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("gapfiller: marshal work item: %w", err)
	}

	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("gapfiller: write work item: %w", err)
	}
	if err := w.stdin.Flush(); err != nil {
		return nil, fmt.Errorf("gapfiller: flush work item: %w", err)
	}

	done := make(chan struct{})
	var line string
	var scanErr error
	go func() {
		defer close(done)
		for w.out.Scan() {
			l := w.out.Text()
			if len(l) >= 7 && l[:7] == "RESULT:" {
				line = l[7:]
				return
			}
		}
		scanErr = w.out.Err()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}
	if line == "" {
		if scanErr != nil {
			return nil, fmt.Errorf("gapfiller: worker pipe closed: %w", scanErr)
		}
		return nil, fmt.Errorf("gapfiller: worker pipe closed without a result")
	}

	var result Result
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return nil, fmt.Errorf("gapfiller: decode result: %w", err)
	}
	if result.Error != "" {
		return &result, fmt.Errorf("gapfiller: worker reported error: %s", result.Error)
	}
	return &result, nil
}

func (w *worker) kill() {
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
}

// logWriter forwards a child worker's stderr to the parent's log output
// line by line.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Printf("[gapfill-worker] %s", p)
	return len(p), nil
}

// gapFillBatchSize is the fixed offset-batch width the Parent slices a
// contract's enrichment deficit into (spec.md §4.5).
const gapFillBatchSize = 500

// dispatchRetries bounds how many times the Parent retries a batch that
// came back reporting a failure before giving up on it until the next
// scan.
const dispatchRetries = 3

// Parent periodically computes, per volume-indexed contract, how many
// base rows still lack an enrichment row, slices that deficit into
// gapFillBatchSize-row offset batches, and dispatches them to the worker
// Pool, retrying any batch that reports a failure (spec.md §4.5).
type Parent struct {
	repo         *repository.Repository
	pool         *Pool
	scanInterval time.Duration
}

func NewParent(repo *repository.Repository, pool *Pool, scanInterval time.Duration) *Parent {
	return &Parent{repo: repo, pool: pool, scanInterval: scanInterval}
}

// Run blocks until ctx is cancelled, scanning for enrichment deficits
// every scanInterval.
func (p *Parent) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()

	for {
		if err := p.scanOnce(ctx); err != nil {
			log.Printf("[gapfiller] scan error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Parent) scanOnce(ctx context.Context) error {
	contracts, err := p.repo.ListActiveContracts(ctx)
	if err != nil {
		return fmt.Errorf("gapfiller: list active contracts: %w", err)
	}

	for _, c := range contracts {
		if c.IndexType != models.IndexVolume {
			continue
		}
		if err := p.drainContract(ctx, c.Address); err != nil {
			log.Printf("[gapfiller] %s: drain error: %v", c.Address, err)
		}
	}
	return nil
}

// drainContract dispatches batches covering a contract's entire current
// deficit, then exits once the deficit reaches zero or a full pass made no
// further progress (leaving the rest for the next scan rather than
// busy-looping on rows that keep failing).
func (p *Parent) drainContract(ctx context.Context, address string) error {
	for {
		deficit, err := p.repo.EnrichmentDeficit(ctx, address)
		if err != nil {
			return err
		}
		if deficit == 0 {
			return nil
		}

		for offset := 0; offset < deficit; offset += gapFillBatchSize {
			item := WorkItem{
				ID:              uuid.NewString(),
				ContractAddress: address,
				StartOffset:     uint64(offset),
				BatchSize:       gapFillBatchSize,
			}
			if err := p.dispatchWithRetry(ctx, item); err != nil {
				log.Printf("[gapfiller] %s: batch offset %d failed after retries: %v", address, offset, err)
			}
		}

		remaining, err := p.repo.EnrichmentDeficit(ctx, address)
		if err != nil {
			return err
		}
		if remaining >= deficit {
			return nil
		}
	}
}

func (p *Parent) dispatchWithRetry(ctx context.Context, item WorkItem) error {
	var lastErr error
	for attempt := 0; attempt < dispatchRetries; attempt++ {
		res, err := p.pool.Dispatch(ctx, item)
		if err != nil {
			lastErr = err
			continue
		}
		if res.Failed > 0 {
			lastErr = fmt.Errorf("%d rows failed in batch %s", res.Failed, item.ID)
			continue
		}
		return nil
	}
	return lastErr
}
