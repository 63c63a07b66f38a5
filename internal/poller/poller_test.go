package poller

import (
	"testing"
	"time"
)

func TestMostOverdue(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	now := time.Now()
	p.states["0xa"] = &contractState{interval: baseInterval, lastPollAt: now.Add(-20 * time.Second)}
	p.states["0xb"] = &contractState{interval: baseInterval, lastPollAt: now.Add(-30 * time.Second)}
	p.states["0xc"] = &contractState{interval: baseInterval, lastPollAt: now}

	addr, ok := p.mostOverdue()
	if !ok {
		t.Fatal("expected a due contract")
	}
	if addr != "0xb" {
		t.Errorf("mostOverdue() = %q, want 0xb (most overdue)", addr)
	}
}

func TestMostOverdueNeverPolledSortsFirst(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval, lastPollAt: time.Now().Add(-1 * time.Hour)}
	p.states["0xb"] = &contractState{interval: baseInterval} // zero value: never polled

	addr, ok := p.mostOverdue()
	if !ok {
		t.Fatal("expected a due contract")
	}
	if addr != "0xb" {
		t.Errorf("mostOverdue() = %q, want 0xb (never polled)", addr)
	}
}

func TestMostOverdueNoneDue(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval, lastPollAt: time.Now()}

	_, ok := p.mostOverdue()
	if ok {
		t.Fatal("expected no due contract")
	}
}

func TestRescheduleHighActivitySnapsToBase(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: lowInterval, consecutiveEmpty: 1}

	p.reschedule("0xa", highThreshold, false)
	if p.states["0xa"].interval != baseInterval {
		t.Errorf("interval = %s, want %s after high-activity poll", p.states["0xa"].interval, baseInterval)
	}
	if p.states["0xa"].consecutiveEmpty != 0 {
		t.Errorf("consecutiveEmpty = %d, want 0", p.states["0xa"].consecutiveEmpty)
	}
}

func TestRescheduleModerateActivityUsesMedium(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval}

	p.reschedule("0xa", 2, false)
	if p.states["0xa"].interval != mediumInterval {
		t.Errorf("interval = %s, want %s", p.states["0xa"].interval, mediumInterval)
	}
	if p.states["0xa"].consecutiveEmpty != 0 {
		t.Errorf("consecutiveEmpty = %d, want 0", p.states["0xa"].consecutiveEmpty)
	}
}

func TestRescheduleFirstEmptyUsesLow(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval}

	p.reschedule("0xa", 0, false)
	if p.states["0xa"].interval != lowInterval {
		t.Errorf("interval = %s, want %s", p.states["0xa"].interval, lowInterval)
	}
	if p.states["0xa"].consecutiveEmpty != 1 {
		t.Errorf("consecutiveEmpty = %d, want 1", p.states["0xa"].consecutiveEmpty)
	}
}

func TestRescheduleSubsequentEmptyDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: maxInterval, consecutiveEmpty: 3}

	p.reschedule("0xa", 0, false)
	if p.states["0xa"].interval != maxInterval {
		t.Errorf("interval = %s, want capped at %s", p.states["0xa"].interval, maxInterval)
	}
	if p.states["0xa"].consecutiveEmpty != 4 {
		t.Errorf("consecutiveEmpty = %d, want 4", p.states["0xa"].consecutiveEmpty)
	}
}

func TestRescheduleErrorBacksOffRegardlessOfCount(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval}

	p.reschedule("0xa", 7, true)
	if p.states["0xa"].interval != baseInterval*2 {
		t.Errorf("interval = %s, want %s after error", p.states["0xa"].interval, baseInterval*2)
	}
	if p.states["0xa"].consecutiveEmpty != 1 {
		t.Errorf("consecutiveEmpty = %d, want 1", p.states["0xa"].consecutiveEmpty)
	}
}

// TestScenarioS3ActivitySurgeRecoversToBase mirrors spec.md §8 scenario S3:
// a contract sitting at interval=60000ms/consecutive_empty=1 that then
// returns 7 new rows must land exactly on interval_ms=15000,
// consecutive_empty=0.
func TestScenarioS3ActivitySurgeRecoversToBase(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: lowInterval, consecutiveEmpty: 1}

	p.reschedule("0xa", 7, false)

	st := p.states["0xa"]
	if st.interval != 15*time.Second {
		t.Errorf("interval = %s, want 15s", st.interval)
	}
	if st.consecutiveEmpty != 0 {
		t.Errorf("consecutiveEmpty = %d, want 0", st.consecutiveEmpty)
	}
}

// TestIntervalInvariantBounds checks spec.md §8 invariant 6: every interval
// this package can ever produce stays within [15000ms, 120000ms].
func TestIntervalInvariantBounds(t *testing.T) {
	t.Parallel()

	p := &Poller{states: make(map[string]*contractState)}
	p.states["0xa"] = &contractState{interval: baseInterval}

	scenarios := []struct {
		k       int
		hadErr  bool
	}{
		{k: 0}, {k: 0}, {k: 1}, {k: highThreshold}, {k: 0, hadErr: true}, {k: 0}, {k: 0},
	}
	for _, s := range scenarios {
		p.reschedule("0xa", s.k, s.hadErr)
		got := p.states["0xa"].interval
		if got < 15*time.Second || got > 120*time.Second {
			t.Fatalf("interval = %s, want within [15s, 120s]", got)
		}
	}
}
