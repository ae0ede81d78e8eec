/*
Package transport defines the boundary between the recovery engine and the AMQP wire
library that actually talks to the broker.

The engine never speaks AMQP itself. It asks a Dialer for a physical Connection, asks
that Connection for Channels, and invokes one method per broker RPC. Adapters for
github.com/streadway/amqp and github.com/rabbitmq/amqp091-go live in sub-packages, and
the amqptest package ships an in-memory broker that satisfies the same interfaces.

Every error an adapter returns from a broker RPC must be a *Error so the engine can tell
soft (channel-level) failures apart from hard (connection-level) ones. Dial failures
should be reported as *DialError.
*/
package transport
