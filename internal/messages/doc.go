// Package messages holds the conversation timeline.
//
// Every server event becomes at most one Message keyed by uid ("sequence-dialogId"),
// so re-delivered events are ignored. Messages from anyone other than the consumer
// trigger an ACCEPT receipt on arrival and a READ receipt once the view is focused
// and not minimized. Receipts are de-duplicated per uid and status.
//
// Group is a pure function over the timeline: adjacent KindText messages from the
// same originator share a Bubble, and every other kind stands alone.
package messages
