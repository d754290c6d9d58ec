// Package orchestrator wires the identity registry, spawner, router and
// deferral buffer behind the operations a user interface needs: opening and
// closing tabs, sending input, resuming sessions and watching the messages
// routed to each instance.
//
// Every producer (subprocess readers, the coordination client, tool-call
// handlers) submits to one pipeline. A single goroutine drains it, so the
// order in which a stream's lines were read is the order they are routed.
package orchestrator
