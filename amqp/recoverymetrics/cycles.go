package recoverymetrics

import (
	"sync"
	"time"
)

// cycleStarts holds the loss time of every recovery cycle that has not ended yet.
// Cycles are numbered in order, so once a cycle ends every earlier one is finished
// too, including cycles cut short without an end event.
type cycleStarts struct {
	lock    sync.Mutex
	started map[uint64]time.Time
	// lastEnded is the newest cycle seen ending.
	lastEnded uint64
}

func newCycleStarts() *cycleStarts {
	return &cycleStarts{started: make(map[uint64]time.Time)}
}

// start records the loss that began cycle. Cycles already seen ending are ignored.
func (starts *cycleStarts) start(cycle uint64, at time.Time) {
	starts.lock.Lock()
	defer starts.lock.Unlock()

	if cycle <= starts.lastEnded {
		return
	}
	starts.started[cycle] = at
}

// end returns how long cycle took, if its start was seen, and forgets every cycle up
// to it.
func (starts *cycleStarts) end(cycle uint64, at time.Time) (time.Duration, bool) {
	starts.lock.Lock()
	defer starts.lock.Unlock()

	startedAt, ok := starts.started[cycle]
	if cycle > starts.lastEnded {
		starts.lastEnded = cycle
	}
	for started := range starts.started {
		if started <= starts.lastEnded {
			delete(starts.started, started)
		}
	}

	if !ok {
		return 0, false
	}
	return at.Sub(startedAt), true
}

func (starts *cycleStarts) pending() int {
	starts.lock.Lock()
	defer starts.lock.Unlock()
	return len(starts.started)
}
