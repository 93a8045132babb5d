// Package secureform coordinates secure-form invitations.
//
// An agent invites the consumer with a forms/secure-invitation event. The
// Coordinator stores the invitation, requests an upload token and, when the token
// arrives, renders one timeline message carrying the signed form URL. An invitation
// that already has a URL is re-rendered without another token round trip.
//
// A forms/secure-submission event marks the matching message submitted, or
// synthesizes a complete message when the invitation was never seen. A form is
// expired once the clock passes its server timestamp plus the configured timeout;
// each rendered form schedules a timer that flips it to expired at that moment.
package secureform
