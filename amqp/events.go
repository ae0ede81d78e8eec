package amqp

import (
	"fmt"
	"time"
)

// SupervisorEventKind discriminates SupervisorEvent values.
type SupervisorEventKind int

const (
	// SupervisorConnected is sent when a reconnect attempt succeeds.
	SupervisorConnected SupervisorEventKind = iota
	// SupervisorLost is sent when the transport fails.
	SupervisorLost
	// SupervisorReconnecting is sent once when redialing starts.
	SupervisorReconnecting
	// SupervisorDialFailed is sent for every failed reconnect attempt.
	SupervisorDialFailed
	// SupervisorRecovered is sent when the recovery cycle completes, whether every
	// channel recovered or not.
	SupervisorRecovered
	// SupervisorAbandoned is sent when reconnecting stops without success, because
	// the connection was closed or the attempt cap was reached.
	SupervisorAbandoned
)

// String implements fmt.Stringer.
func (kind SupervisorEventKind) String() string {
	switch kind {
	case SupervisorConnected:
		return "connected"
	case SupervisorLost:
		return "lost"
	case SupervisorReconnecting:
		return "reconnecting"
	case SupervisorDialFailed:
		return "dial_failed"
	case SupervisorRecovered:
		return "recovered"
	case SupervisorAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("SupervisorEventKind(%d)", int(kind))
	}
}

// SupervisorEvent reports a change in the lifecycle of the physical connection.
type SupervisorEvent struct {
	Kind SupervisorEventKind
	// Attempt is the reconnect attempt number within the current cycle, starting at
	// 1. Zero for events that are not tied to an attempt.
	Attempt int
	// Err is the transport error for SupervisorLost and the dial error for
	// SupervisorDialFailed.
	Err error
	// Cycle counts recovery cycles over the life of the connection, starting at 1.
	Cycle uint64
	Time  time.Time
}

// RecoveryEventKind discriminates RecoveryEvent values.
type RecoveryEventKind int

const (
	// ConnectionRecovered is sent when every channel has recovered.
	ConnectionRecovered RecoveryEventKind = iota
	// ChannelRecovered is sent when a channel has replayed its topology.
	ChannelRecovered
	// ChannelRecoveryFailed is sent when a channel's replay fails. Err holds the
	// *ReplayError.
	ChannelRecoveryFailed
	// RecoveryFailed is sent when a cycle ends with at least one failed channel.
	RecoveryFailed
	// QueueRenamed is sent when a server-named queue was given a new name.
	QueueRenamed
	// ConsumerRetagged is sent when a consumer was given a new server tag.
	ConsumerRetagged
)

// String implements fmt.Stringer.
func (kind RecoveryEventKind) String() string {
	switch kind {
	case ConnectionRecovered:
		return "connection_recovered"
	case ChannelRecovered:
		return "channel_recovered"
	case ChannelRecoveryFailed:
		return "channel_recovery_failed"
	case RecoveryFailed:
		return "recovery_failed"
	case QueueRenamed:
		return "queue_renamed"
	case ConsumerRetagged:
		return "consumer_retagged"
	default:
		return fmt.Sprintf("RecoveryEventKind(%d)", int(kind))
	}
}

// RecoveryEvent reports the outcome of topology recovery.
type RecoveryEvent struct {
	Kind RecoveryEventKind
	// ChannelID is the new id of the channel the event concerns.
	ChannelID uint16
	// PreviousChannelID is the id the channel had before recovery.
	PreviousChannelID uint16
	// OldName and NewName hold the queue names of QueueRenamed and the consumer tags
	// of ConsumerRetagged.
	OldName string
	NewName string
	// Failed counts the channels that failed in the cycle, for RecoveryFailed.
	Failed int
	Err    error
	Cycle  uint64
	Time   time.Time
}
