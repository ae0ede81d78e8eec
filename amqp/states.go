package amqp

import "fmt"

// RecoveryState is the state of a Connection's recovery state machine.
//
//	idle -> connection_lost -> reconnecting -> channels_recovering -> stable
//	                                                              \-> degraded
//
// A loss while stable or degraded starts a new cycle at connection_lost. lost and
// closed are terminal.
type RecoveryState int

const (
	// StateIdle is the state of a connection that has never lost its transport.
	StateIdle RecoveryState = iota
	// StateConnectionLost is entered when the transport fails.
	StateConnectionLost
	// StateReconnecting is entered while the endpoint is being redialed.
	StateReconnecting
	// StateChannelsRecovering is entered once a new transport is connected and
	// channels are replaying their topology.
	StateChannelsRecovering
	// StateStable is entered when every channel recovered.
	StateStable
	// StateDegraded is entered when at least one channel failed to recover. Channels
	// that did recover remain usable.
	StateDegraded
	// StateLost is the terminal state of a connection that lost its transport with
	// automatic recovery disabled or its reconnect attempts exhausted.
	StateLost
	// StateClosed is the terminal state of a connection closed by the application.
	StateClosed
)

// String implements fmt.Stringer.
func (state RecoveryState) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateConnectionLost:
		return "connection_lost"
	case StateReconnecting:
		return "reconnecting"
	case StateChannelsRecovering:
		return "channels_recovering"
	case StateStable:
		return "stable"
	case StateDegraded:
		return "degraded"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("RecoveryState(%d)", int(state))
	}
}

// Terminal returns true for states a connection never leaves.
func (state RecoveryState) Terminal() bool {
	return state == StateLost || state == StateClosed
}

// ChannelState is the recovery state of a single Channel.
type ChannelState int

const (
	// ChannelOpen is the state of a channel that has not been through recovery.
	ChannelOpen ChannelState = iota
	// ChannelRecovering is the state of a channel waiting for, or running, its replay.
	ChannelRecovering
	// ChannelStable is the state of a channel whose last replay succeeded.
	ChannelStable
	// ChannelFailed is the state of a channel whose replay hit a non-retryable error.
	// It has been discarded.
	ChannelFailed
	// ChannelClosed is the state of a channel closed by the application, by a
	// channel-level error or with its connection.
	ChannelClosed
)

// String implements fmt.Stringer.
func (state ChannelState) String() string {
	switch state {
	case ChannelOpen:
		return "open"
	case ChannelRecovering:
		return "recovering"
	case ChannelStable:
		return "stable"
	case ChannelFailed:
		return "failed"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(state))
	}
}

// usable returns true if operations can run on the channel.
func (state ChannelState) usable() bool {
	return state == ChannelOpen || state == ChannelStable
}
