/*
Package amqp keeps a long-lived broker connection and every entity declared through it
alive across transient network and broker failures.

A Connection supervises one physical connection to a single endpoint. When the
transport is lost it is redialed on a fixed interval, and every Channel opened from the
connection is reopened and has its exchanges, queues, bindings and consumers replayed in
declaration order. Queues named by the broker are renamed on replay and every binding
and consumer declared on the same channel follows the new name.

Entities must be declared, bound, consumed and deleted on one channel for their whole
life. Using a queue or exchange from a channel other than the one it was declared on is
recorded, logged, and fails that channel's recovery with ErrCrossChannelReference
rather than replaying a reference that may have gone stale.

Recovery progress can be observed through NotifySupervisor, NotifyRecovery and
AwaitState. Channel-level errors returned by the broker close only the offending
channel and are delivered to its NotifyError subscribers.
*/
package amqp
