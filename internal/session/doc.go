// Package session implements the SessionOrchestrator, the public facade of the
// conversational session engine.
//
// Engine.InitState resolves a credential through the TokenBroker, restores durable
// state, and opens the connection. From then on every public method and every
// socket or timer callback runs on a single loop, so conversation state has one
// writer. UI code follows along through Subscribe, which streams View snapshots
// after each change.
//
// SendMessage without an open conversation buffers the text and requests one; the
// buffer is flushed exactly once when the request is acknowledged.
package session
