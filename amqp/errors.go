package amqp

import (
	"errors"
	"fmt"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// ErrClosed is returned when an operation is attempted on a Connection or Channel that
// has been closed by the application.
var ErrClosed = transport.ErrClosed

// ErrChannelFailed is returned by operations on a channel whose topology could not be
// replayed. The channel has been discarded and a new one must be opened.
var ErrChannelFailed = errors.New("channel failed topology recovery and was discarded")

// ErrChannelClosed is returned by operations on a channel that was closed by a
// channel-level error. The original *Error is wrapped alongside it.
var ErrChannelClosed = errors.New("channel closed by a channel-level error")

// ErrCrossChannelReference fails the recovery of a channel that used a queue or
// exchange declared on a different channel. Such references are not tracked and may
// point at a name that no longer exists after recovery.
var ErrCrossChannelReference = errors.New(
	"entity was used on a channel other than the one it was declared on",
)

// ErrRecoveryDisabled is returned by operations after the transport was lost on a
// connection with automatic recovery disabled.
var ErrRecoveryDisabled = errors.New("connection lost and automatic recovery is disabled")

// ErrRecoveryAbandoned is returned by operations after the reconnect attempt cap of a
// recovery cycle was exhausted.
var ErrRecoveryAbandoned = errors.New("connection lost and reconnect attempts exhausted")

// ReplayStep is a stage of channel recovery. Steps run strictly in order.
type ReplayStep int

const (
	// StepOpen reopens the channel and re-applies its settings.
	StepOpen ReplayStep = iota
	// StepExchanges re-declares exchanges.
	StepExchanges
	// StepQueues re-declares queues and renames server-named ones.
	StepQueues
	// StepBindings re-binds queues and exchanges.
	StepBindings
	// StepConsumers re-registers consumers.
	StepConsumers
)

// String implements fmt.Stringer.
func (step ReplayStep) String() string {
	switch step {
	case StepOpen:
		return "OPEN"
	case StepExchanges:
		return "EXCHANGES"
	case StepQueues:
		return "QUEUES"
	case StepBindings:
		return "BINDINGS"
	case StepConsumers:
		return "CONSUMERS"
	default:
		return fmt.Sprintf("ReplayStep(%d)", int(step))
	}
}

// ReplayError is returned when a channel's topology could not be replayed.
type ReplayError struct {
	// ChannelID is the id of the channel the replay ran on.
	ChannelID uint16
	// Step is the stage that failed.
	Step ReplayStep
	// Entity is the exchange, queue or consumer tag of the failed record, if any.
	Entity string
	// Err is the underlying error. Broker rejections are a *Error.
	Err error
}

// Error implements builtins.error.
func (err *ReplayError) Error() string {
	if err.Entity == "" {
		return fmt.Sprintf(
			"channel %d recovery failed at %v: %v", err.ChannelID, err.Step, err.Err,
		)
	}
	return fmt.Sprintf(
		"channel %d recovery failed at %v for '%v': %v",
		err.ChannelID,
		err.Step,
		err.Entity,
		err.Err,
	)
}

// Unwrap allows errors.Is and errors.As to inspect the cause.
func (err *ReplayError) Unwrap() error {
	return err.Err
}

// interruptsCycle returns true if the failure was caused by losing the connection
// rather than by the channel's own topology.
func (err *ReplayError) interruptsCycle() bool {
	var transportErr *transport.Error
	if errors.As(err.Err, &transportErr) {
		return transportErr.IsHard()
	}
	return false
}
