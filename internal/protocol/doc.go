// Package protocol models the UMS WebSocket wire protocol.
//
// # Frames
//
// Three frame kinds travel over the socket as JSON text frames:
//
//	{"kind":"req", "id":"get-user-profile", "type":"userprofile.GetUserProfile", "body":{}}
//	{"kind":"resp", "reqId":"get-user-profile", "code":200, "body":{"userId":"U1"}}
//	{"kind":"notification", "type":"messaging-event-notification",
//	 "body":{"subscriptionId":"s1", "sentTs":1700000000000, "changes":[...]}}
//
// Request ids carry the request purpose (see the Req* constants), optionally
// followed by ":" and a discriminator such as a dialog id. Responses are routed
// by purpose.
//
// # Decoding
//
// Decode turns a raw frame into one concrete Frame type. Messaging events are
// further decoded into exactly one Payload variant keyed by (event type,
// content type), so downstream code switches on Go types instead of probing maps.
// Frames with an unknown kind or push type yield an error wrapping ErrProtocol.
//
// # Building
//
// Builder is a stateless request factory bound to one account. It has no
// connection of its own; components receive it by injection.
package protocol
