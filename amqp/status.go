package amqp

import (
	"context"
	"sync"
)

// recoveryStatus holds the coordinator's state machine. Every transition closes the
// current changed channel so waiters can re-check.
type recoveryStatus struct {
	lock  sync.Mutex
	state RecoveryState
	// cycle counts recovery cycles, starting at 1 for the first transport loss.
	cycle uint64
	// closeErr is returned to waiters once a terminal state is reached.
	closeErr error
	changed  chan struct{}
}

func newRecoveryStatus() *recoveryStatus {
	return &recoveryStatus{
		state:   StateIdle,
		changed: make(chan struct{}),
	}
}

func (status *recoveryStatus) setLocked(state RecoveryState) {
	status.state = state
	close(status.changed)
	status.changed = make(chan struct{})
}

// set moves to state unless a terminal state has been reached.
func (status *recoveryStatus) set(state RecoveryState) {
	status.lock.Lock()
	defer status.lock.Unlock()

	if status.state.Terminal() {
		return
	}
	status.setLocked(state)
}

// startCycle moves to StateConnectionLost and returns the number of the new cycle.
func (status *recoveryStatus) startCycle() uint64 {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.cycle++
	if !status.state.Terminal() {
		status.setLocked(StateConnectionLost)
	}
	return status.cycle
}

// terminate moves to a terminal state. The first terminal state wins.
func (status *recoveryStatus) terminate(state RecoveryState, closeErr error) {
	status.lock.Lock()
	defer status.lock.Unlock()

	if status.state.Terminal() {
		return
	}
	status.closeErr = closeErr
	status.setLocked(state)
}

// broadcast wakes waiters without a state change, used when the session is replaced.
func (status *recoveryStatus) broadcast() {
	status.lock.Lock()
	defer status.lock.Unlock()

	close(status.changed)
	status.changed = make(chan struct{})
}

func (status *recoveryStatus) snapshot() (
	state RecoveryState, cycle uint64, closeErr error, changed <-chan struct{},
) {
	status.lock.Lock()
	defer status.lock.Unlock()
	return status.state, status.cycle, status.closeErr, status.changed
}

// await blocks until match returns true, a terminal state is reached or ctx is
// cancelled.
func (status *recoveryStatus) await(
	ctx context.Context, match func(state RecoveryState, cycle uint64) bool,
) (RecoveryState, error) {
	for {
		state, cycle, closeErr, changed := status.snapshot()
		if match(state, cycle) {
			return state, nil
		}
		if state.Terminal() {
			return state, closeErr
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
