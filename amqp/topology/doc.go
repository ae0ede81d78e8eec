/*
Package topology records the exchanges, queues, bindings and consumers declared on a
single channel so they can be replayed after the channel is re-opened.

A Registry is owned by exactly one channel and is not safe for concurrent use: the
owning channel serialises every mutation, including renames performed during recovery.
Bindings and consumers point at queues declared on the same channel through a QueueRef,
so renaming a server-named queue is reflected by every record that depends on it.
References to queues declared elsewhere keep the name they were recorded with.
*/
package topology
