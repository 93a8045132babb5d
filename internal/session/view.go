// ABOUTME: View is the UI-facing snapshot published after every state change
// ABOUTME: Built on the loop from the processor, timeline and co-browse state

package session

import (
	"github.com/2389/ums-session/internal/cobrowse"
	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/events"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
)

// View is everything the UI renders.
type View struct {
	Connection   connection.State
	Conversation events.Conversation
	Dialog       *protocol.Dialog
	Participants []events.Participant
	Messages     []messages.Message
	Bubbles      []messages.Bubble
	Typing       bool
	Subscribed   bool
	Visible      bool
	Cobrowse     *cobrowse.Session
	// Pending counts messages buffered until a conversation opens.
	Pending int
}
