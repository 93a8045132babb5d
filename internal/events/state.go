// ABOUTME: Conversation, dialog and participant state owned by the EventProcessor
// ABOUTME: Snapshot copies the state out for the view layer

package events

import (
	"sort"

	"github.com/2389/ums-session/internal/directory"
	"github.com/2389/ums-session/internal/protocol"
)

// Conversation is the active conversation. Stage is empty when there is none.
type Conversation struct {
	ID      string
	Stage   string
	LastID  string
	SkillID string
}

// Open reports whether the conversation is OPEN.
func (c Conversation) Open() bool {
	return c.ID != "" && c.Stage == protocol.StageOpen
}

// Participant is a role holder merged with its directory profile.
type Participant struct {
	ID      string
	Role    string
	Profile directory.Profile
}

// Snapshot is a copy of the processor's state.
type Snapshot struct {
	UserID       string
	Conversation Conversation
	Dialog       *protocol.Dialog
	Participants []Participant
	Typing       bool
	Subscribed   bool
	Visible      bool
}

var roleOrder = map[string]int{
	protocol.RoleConsumer:      0,
	protocol.RoleAssignedAgent: 1,
	protocol.RoleManager:       2,
	protocol.RoleController:    3,
	protocol.RoleReader:        4,
}

func sortedParticipants(m map[string]Participant) []Participant {
	out := make([]Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := roleOrder[out[i].Role], roleOrder[out[j].Role]
		if ri != rj {
			return ri < rj
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// mainDialog returns the first OPEN dialog that is not of type OTHER.
func mainDialog(dialogs []protocol.Dialog) (protocol.Dialog, bool) {
	for _, d := range dialogs {
		if d.State == protocol.StageOpen && d.DialogType != protocol.DialogOther {
			return d, true
		}
	}
	return protocol.Dialog{}, false
}
