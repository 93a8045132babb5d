// Package connection owns the messaging WebSocket.
//
// A Manager moves through four states:
//
//	DISCONNECTED --Connect--> CONNECTING --init ack 200--> CONNECTED --subscribe ack--> SUBSCRIBED
//
// Requests sent while CONNECTING are queued and flushed in order once the init ack
// arrives. Sending while DISCONNECTED returns ErrNoSocket.
//
// After an abnormal drop the Manager reconnects at a fixed delay, at most MaxRetries
// times. The budget belongs to the Manager and is restored whenever CONNECTED is
// reached. A close carrying code 4401 or a reason mentioning the token, or a non-200
// init ack, marks the credential stale so the RefreshFunc runs before the next dial.
// Once the budget is spent the OnGiveUp callback receives an error wrapping
// ErrConnection and nothing further is attempted.
//
// A GetClock heartbeat is sent every HeartbeatInterval while connected and stopped on
// Close or drop.
package connection
