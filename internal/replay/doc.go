// Package replay plays scripted server traffic through the session engine.
//
// A Script is a YAML list of steps. Each step delivers one server frame (given as a
// YAML map or a raw JSON string) or closes the socket with a close code. A step may
// wait for the client to send a request with a given purpose and may be delayed.
//
//	account: "12345"
//	steps:
//	  - expect: init-connection
//	    frame: {kind: resp, reqId: init-connection, code: 200}
//	  - expect: get-user-profile
//	    frame: {kind: resp, reqId: get-user-profile, code: 200, body: {userId: U1}}
//	  - after: 2s
//	    raw: '{"kind":"notification","type":"messaging-event-notification","body":{"changes":[]}}'
package replay
