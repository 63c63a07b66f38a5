// Package poller implements the Adaptive Poller (spec.md §4.4): a single
// scheduling loop that polls complete contracts for new transactions at an
// interval that tracks a per-contract activity/quiet history, rather than
// polling every contract on a fixed ticker. Grounded on the teacher's
// internal/ingester/network_poller.go NetworkPoller, whose fixed-interval
// ticker loop is generalized here into a per-contract adaptive schedule,
// the redesign spec.md §9 calls for explicitly.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"evmindexer/internal/ingestor"
	"evmindexer/internal/models"
	"evmindexer/internal/repository"
)

const (
	// baseInterval (BASE) is both the starting interval for a
	// newly-complete contract and the interval a contract snaps back to
	// once it produces HIGH or more new rows in a poll.
	baseInterval = 15 * time.Second
	// mediumInterval (MEDIUM) is used when a poll finds some activity,
	// but fewer than highThreshold new rows.
	mediumInterval = 30 * time.Second
	// lowInterval (LOW) is used the first time a poll comes back empty.
	lowInterval = 60 * time.Second
	// maxInterval (MAX) caps how slow polling ever gets, whether from
	// repeated empty polls or repeated errors.
	maxInterval = 120 * time.Second
	// highThreshold (HIGH) is the new-row count at or above which a
	// contract is considered to be under an activity surge.
	highThreshold = 5
	// schedulingTick is how often the single scheduling goroutine wakes
	// up to check whether anything is due.
	schedulingTick = 100 * time.Millisecond
)

// contractState is the Poller's per-contract schedule (spec.md §4.4):
// when it was last polled, its current interval, and how many consecutive
// empty polls it has produced.
type contractState struct {
	lastPollAt       time.Time
	interval         time.Duration
	consecutiveEmpty int
}

// Poller runs one goroutine that repeatedly finds the contract with the
// largest positive overdue amount (now - last_poll_at - interval) and
// polls it, the "largest positive overdue wins" selection rule from
// spec.md §4.4. A contract never polled (last_poll_at zero) always sorts
// first.
type Poller struct {
	repo     *repository.Repository
	ingestor *ingestor.Ingestor

	mu     sync.Mutex
	states map[string]*contractState
}

func New(repo *repository.Repository, ing *ingestor.Ingestor) *Poller {
	return &Poller{
		repo:     repo,
		ingestor: ing,
		states:   make(map[string]*contractState),
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(schedulingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick refreshes the known set of complete contracts, then polls at most
// one contract: whichever is most overdue, if any are due at all. Polling
// one per tick (rather than every due contract at once) bounds outbound
// request concurrency without needing a separate semaphore, matching the
// single-goroutine design spec.md §4.4 calls for.
func (p *Poller) tick(ctx context.Context) {
	if err := p.refreshContracts(ctx); err != nil {
		log.Printf("[poller] refresh contracts error: %v", err)
		return
	}

	address, ok := p.mostOverdue()
	if !ok {
		return
	}

	contract, err := p.repo.GetContract(ctx, address)
	if err != nil {
		log.Printf("[poller] %s: load contract error: %v", address, err)
		return
	}

	result, err := p.ingestor.Ingest(ctx, contract, models.ModePoll)
	hadErr := err != nil
	k := 0
	if result != nil {
		k = result.TransactionsWritten
	}
	if hadErr {
		log.Printf("[poller] %s: poll error: %v", address, err)
	}

	p.reschedule(address, k, hadErr)
	if k > 0 {
		log.Printf("[poller] %s: found %d new transactions, interval now %s", address, k, p.intervalFor(address))
	}
}

// refreshContracts adds newly-completed contracts to the schedule at the
// initial state spec.md §4.4 defines (never polled, interval=BASE,
// consecutive_empty=0) and drops contracts that are no longer complete
// (back in backfill, paused, or deleted).
func (p *Poller) refreshContracts(ctx context.Context) error {
	contracts, err := p.repo.ListActiveContracts(ctx)
	if err != nil {
		return err
	}

	complete := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		if c.Status != models.ContractComplete {
			continue
		}
		complete[c.Address] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for addr := range complete {
		if _, ok := p.states[addr]; !ok {
			p.states[addr] = &contractState{interval: baseInterval}
		}
	}
	for addr := range p.states {
		if !complete[addr] {
			delete(p.states, addr)
		}
	}
	return nil
}

// mostOverdue returns the contract address with the largest positive
// overdue amount, or ok=false if nothing is due yet. A contract with a
// zero last_poll_at (never polled) is treated as maximally overdue so it
// is always picked first.
func (p *Poller) mostOverdue() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var bestAddr string
	var bestOverdue time.Duration
	found := false

	for addr, st := range p.states {
		var overdue time.Duration
		if st.lastPollAt.IsZero() {
			overdue = time.Duration(1<<63 - 1)
		} else {
			overdue = now.Sub(st.lastPollAt) - st.interval
		}
		if overdue > 0 && (!found || overdue > bestOverdue) {
			bestOverdue = overdue
			bestAddr = addr
			found = true
		}
	}
	return bestAddr, found
}

// reschedule applies spec.md §4.4's exact interval table after one poll of
// k newly-written rows (hadErr=true overrides k and always backs off):
//
//	error                         -> interval = min(interval*2, MAX), consecutive_empty++
//	k >= HIGH                     -> interval = BASE,   consecutive_empty = 0
//	0 < k < HIGH                  -> interval = MEDIUM, consecutive_empty = 0
//	k == 0, first empty poll      -> interval = LOW,    consecutive_empty = 1
//	k == 0, subsequent empty poll -> interval = min(interval*2, MAX), consecutive_empty++
func (p *Poller) reschedule(address string, k int, hadErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[address]
	if !ok {
		return
	}
	st.lastPollAt = time.Now()

	switch {
	case hadErr:
		st.interval = capInterval(st.interval * 2)
		st.consecutiveEmpty++
	case k >= highThreshold:
		st.interval = baseInterval
		st.consecutiveEmpty = 0
	case k > 0:
		st.interval = mediumInterval
		st.consecutiveEmpty = 0
	case st.consecutiveEmpty == 0:
		st.interval = lowInterval
		st.consecutiveEmpty = 1
	default:
		st.interval = capInterval(st.interval * 2)
		st.consecutiveEmpty++
	}
}

func capInterval(d time.Duration) time.Duration {
	if d > maxInterval {
		return maxInterval
	}
	return d
}

func (p *Poller) intervalFor(address string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[address]; ok {
		return st.interval
	}
	return 0
}
