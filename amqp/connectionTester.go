package amqp

import (
	"context"
	"testing"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/stretchr/testify/assert"
)

// ConnectionTesting offers methods for forcing failures on a Connection during
// testing.
type ConnectionTesting struct {
	t    *testing.T
	conn *Connection
}

// Test returns a ConnectionTesting for conn.
func (conn *Connection) Test(t *testing.T) *ConnectionTesting {
	return &ConnectionTesting{
		t:    t,
		conn: conn,
	}
}

// Cycle returns the number of recovery cycles started so far.
func (tester *ConnectionTesting) Cycle() uint64 {
	return tester.conn.currentCycle()
}

// ForceReconnect reports the current transport as lost and waits for the recovery
// cycle it starts to finish. The resulting state, stable or degraded, is returned.
func (tester *ConnectionTesting) ForceReconnect(ctx context.Context) RecoveryState {
	session := tester.conn.currentSession()
	if !assert.NotNil(tester.t, session, "connection has a session") {
		tester.t.FailNow()
	}

	startCycle := tester.Cycle()
	tester.conn.supervisor.reportLost(
		session,
		transport.NewError(
			transport.ConnectionForced, "forced by test", transport.InitiatorApplication,
		),
	)

	return tester.AwaitCycle(ctx, startCycle+1)
}

// AwaitCycle waits for recovery cycle number cycle to finish and returns the state it
// finished in.
func (tester *ConnectionTesting) AwaitCycle(ctx context.Context, cycle uint64) RecoveryState {
	state, err := tester.conn.status.await(
		ctx,
		func(state RecoveryState, current uint64) bool {
			return current >= cycle && (state == StateStable || state == StateDegraded)
		},
	)
	if !assert.NoError(tester.t, err, "await recovery cycle %d", cycle) {
		tester.t.FailNow()
	}
	return state
}
