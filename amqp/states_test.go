package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/stretchr/testify/assert"
)

func TestRecoveryState_String(t *testing.T) {
	testCases := []struct {
		state    RecoveryState
		expected string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateConnectionLost, "connection_lost", false},
		{StateReconnecting, "reconnecting", false},
		{StateChannelsRecovering, "channels_recovering", false},
		{StateStable, "stable", false},
		{StateDegraded, "degraded", false},
		{StateLost, "lost", true},
		{StateClosed, "closed", true},
		{RecoveryState(42), "RecoveryState(42)", false},
	}

	for _, thisCase := range testCases {
		t.Run(thisCase.expected, func(t *testing.T) {
			assert.Equal(t, thisCase.expected, thisCase.state.String())
			assert.Equal(t, thisCase.terminal, thisCase.state.Terminal())
		})
	}
}

func TestChannelState_Usable(t *testing.T) {
	assert := assert.New(t)

	assert.True(ChannelOpen.usable(), "open")
	assert.True(ChannelStable.usable(), "stable")
	assert.False(ChannelRecovering.usable(), "recovering")
	assert.False(ChannelFailed.usable(), "failed")
	assert.False(ChannelClosed.usable(), "closed")
	assert.Equal("recovering", ChannelRecovering.String())
}

func TestReplayError(t *testing.T) {
	assert := assert.New(t)

	brokerErr := transport.NewError(
		transport.PreconditionFailed, "inequivalent arg", transport.InitiatorBroker,
	)
	replayErr := &ReplayError{
		ChannelID: 3,
		Step:      StepQueues,
		Entity:    "orders",
		Err:       brokerErr,
	}

	assert.Equal(
		"channel 3 recovery failed at QUEUES for 'orders': "+brokerErr.Error(),
		replayErr.Error(),
	)
	assert.ErrorIs(replayErr, brokerErr, "unwraps to cause")
	assert.False(replayErr.interruptsCycle(), "soft errors fail the channel")

	replayErr.Err = transport.ErrClosed
	assert.True(replayErr.interruptsCycle(), "hard errors interrupt the cycle")

	replayErr.Err = ErrCrossChannelReference
	replayErr.Entity = ""
	assert.False(replayErr.interruptsCycle(), "cross-channel errors fail the channel")
	assert.Equal(
		"channel 3 recovery failed at QUEUES: "+ErrCrossChannelReference.Error(),
		replayErr.Error(),
	)
}

func TestEventKind_String(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("dial_failed", SupervisorDialFailed.String())
	assert.Equal("abandoned", SupervisorAbandoned.String())
	assert.Equal("queue_renamed", QueueRenamed.String())
	assert.Equal("recovery_failed", RecoveryFailed.String())
	assert.Equal("CONSUMERS", StepConsumers.String())
}

func TestRecoveryStatus_Transitions(t *testing.T) {
	assert := assert.New(t)

	status := newRecoveryStatus()
	assert.Equal(uint64(1), status.startCycle(), "first cycle")
	state, cycle, _, _ := status.snapshot()
	assert.Equal(StateConnectionLost, state)
	assert.Equal(uint64(1), cycle)

	status.set(StateStable)
	status.terminate(StateLost, ErrRecoveryDisabled)
	status.terminate(StateClosed, ErrClosed)
	status.set(StateReconnecting)

	state, _, closeErr, _ := status.snapshot()
	assert.Equal(StateLost, state, "first terminal state wins")
	assert.ErrorIs(closeErr, ErrRecoveryDisabled, "first close error kept")

	assert.Equal(uint64(2), status.startCycle(), "cycles still counted")
	state, _, _, _ = status.snapshot()
	assert.Equal(StateLost, state, "terminal state kept")
}

func TestRecoveryStatus_Await(t *testing.T) {
	assert := assert.New(t)

	status := newRecoveryStatus()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		status.startCycle()
		status.set(StateReconnecting)
		status.set(StateStable)
	}()

	state, err := status.await(ctx, func(state RecoveryState, cycle uint64) bool {
		return cycle == 1 && state == StateStable
	})
	assert.NoError(err, "await stable")
	assert.Equal(StateStable, state)

	status.terminate(StateClosed, ErrClosed)
	state, err = status.await(ctx, func(state RecoveryState, _ uint64) bool {
		return state == StateDegraded
	})
	assert.Equal(StateClosed, state, "terminal state returned")
	assert.ErrorIs(err, ErrClosed, "close error returned")
}

func TestRecoveryStatus_Await_Cancelled(t *testing.T) {
	assert := assert.New(t)

	status := newRecoveryStatus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := status.await(ctx, func(state RecoveryState, _ uint64) bool {
		return state == StateStable
	})
	assert.Equal(StateIdle, state)
	assert.True(errors.Is(err, context.Canceled), "context error returned")
}

func TestEntityOwners(t *testing.T) {
	assert := assert.New(t)

	owners := newEntityOwners()
	owners.claimQueue("orders", 1)
	owners.claimQueue("orders", 2)
	owners.claimExchange("amq.direct", 1)
	owners.claimExchange("events", 2)

	assert.False(owners.queueOwnedElsewhere("orders", 1), "first claim wins")
	assert.True(owners.queueOwnedElsewhere("orders", 2), "second claim ignored")
	assert.False(owners.exchangeOwnedElsewhere("amq.direct", 2), "predefined unowned")
	assert.True(owners.exchangeOwnedElsewhere("events", 1))

	assert.False(owners.releaseQueue("orders", 2), "foreign release refused")
	assert.True(owners.queueOwnedElsewhere("orders", 2), "owner kept")

	owners.renameQueue("orders", "orders-2", 1)
	assert.False(owners.queueOwnedElsewhere("orders", 2), "old name released")
	assert.True(owners.queueOwnedElsewhere("orders-2", 2), "new name owned")

	owners.releaseChannel(1)
	assert.False(owners.queueOwnedElsewhere("orders-2", 2), "channel released")
	assert.True(owners.releaseExchange("events", 2), "exchange released")
	assert.False(owners.exchangeOwnedElsewhere("events", 1))
}
