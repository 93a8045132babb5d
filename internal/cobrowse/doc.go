// Package cobrowse negotiates co-browse, voice and video sub-sessions.
//
// The backend offers a session by opening a dialog whose channel type is COBROWSE.
// Its metadata names the signalling serviceId, the mode and an expiry in epoch
// seconds. Expiry is decided once, when the offer arrives; acting on a stale offer
// renders it as expired and sends nothing.
//
// Accept, Reject and Close each append one transcript message and send the matching
// signal on the offer's dialog. Only one session is active: a second offer closes
// the first through the same path as an explicit Close.
package cobrowse
