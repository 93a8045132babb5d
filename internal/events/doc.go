// Package events implements the EventProcessor: it routes decoded frames, owns the
// conversation, dialog and participant state, and hands content to the timeline and
// the secure-form and co-browse coordinators.
//
// Responses are routed by request purpose (init ack, profile ack, conversation
// updates) and notifications by push type. Events within a messaging batch are
// applied strictly in the order the server sent them. After each batch the session
// is marked subscribed and revealed once a short settle delay passes without
// further batches.
//
// The Processor runs on the session loop and is not safe for concurrent use.
package events
