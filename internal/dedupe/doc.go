// Package dedupe provides a seen-key cache with a time window and a size cap.
//
// The message timeline uses it to send each ACCEPT and READ receipt at most once
// per message, even when the backend re-delivers events after a resubscribe.
package dedupe
