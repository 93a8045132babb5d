// ABOUTME: Push notification handling: conversation changes and messaging event batches
// ABOUTME: Batches apply in server order and end with a debounced reveal

package events

import (
	"context"

	"github.com/2389/ums-session/internal/cobrowse"
	"github.com/2389/ums-session/internal/directory"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
)

func (p *Processor) onConversationChange(n *protocol.ConversationChangeNotification) {
	change, ok := p.openConversation(n.Changes)
	if !ok {
		if p.conv.ID != "" || p.dialog != nil {
			p.logger.Info("no open conversation", "last_conversation_id", p.conv.ID)
		}
		p.ClearConversation(context.Background())
		p.changed()
		return
	}

	id := change.Result.ConversationID
	details := change.Result.Details
	p.adoptConversation(id, details.SkillID)

	if d, ok := mainDialog(details.Dialogs); ok {
		if p.dialog != nil && p.dialog.DialogType != d.DialogType {
			p.logger.Debug("main dialog changed", "dialog_id", d.DialogID, "dialog_type", d.DialogType)
		}
		p.dialog = &d
	} else if p.dialog == nil {
		p.dialog = &protocol.Dialog{DialogID: id, DialogType: protocol.DialogMain, State: protocol.StageOpen}
	}
	if p.dialog.DialogType == protocol.DialogPostSurvey {
		p.typing = false
	}

	p.mergeParticipants(details.Participants)
	p.subscribeDialog(id, p.dialog.DialogID)

	for _, d := range details.Dialogs {
		if d.ChannelType != protocol.ChannelCobrowse {
			continue
		}
		if d.State == protocol.StageOpen {
			p.deps.Cobrowse.OnOffer(id, d)
		} else {
			p.deps.Cobrowse.OnDialogClosed(d.DialogID)
		}
	}
	p.changed()
}

// openConversation picks the OPEN conversation for this account and skill.
func (p *Processor) openConversation(changes []protocol.ConversationChange) (protocol.ConversationChange, bool) {
	for _, c := range changes {
		d := c.Result.Details
		if c.Type == protocol.ChangeDelete || d.Stage != protocol.StageOpen {
			continue
		}
		if p.cfg.AccountID != "" && d.BrandID != "" && d.BrandID != p.cfg.AccountID {
			continue
		}
		if p.cfg.SkillID != "" && d.SkillID != "" && d.SkillID != p.cfg.SkillID {
			continue
		}
		return c, true
	}
	return protocol.ConversationChange{}, false
}

// mergeParticipants keeps known profiles and looks up new participants lazily.
func (p *Processor) mergeParticipants(list []protocol.Participant) {
	next := make(map[string]Participant, len(list))
	var fresh []Participant
	for _, part := range list {
		if prev, ok := p.participants[part.Role]; ok && prev.ID == part.ID {
			next[part.Role] = prev
			continue
		}
		np := Participant{
			ID:      part.ID,
			Role:    part.Role,
			Profile: directory.Fallback(part.ID, part.Role),
		}
		next[part.Role] = np
		if part.Role != protocol.RoleConsumer {
			fresh = append(fresh, np)
		}
	}
	// Cached profiles resolve synchronously, so lookups run against the new map.
	p.participants = next
	for _, np := range fresh {
		p.lookup(np.Role, np.ID)
	}
}

func (p *Processor) lookup(role, id string) {
	if p.deps.Directory == nil {
		return
	}
	p.deps.Directory.Lookup(id, func(profile directory.Profile) {
		cur, ok := p.participants[role]
		if !ok || cur.ID != id {
			return
		}
		cur.Profile = profile
		p.participants[role] = cur
		p.changed()
	})
}

func (p *Processor) onMessagingEvents(n *protocol.MessagingEventNotification) {
	for _, ev := range n.Events {
		p.applyEvent(ev)
	}
	p.markSubscribed()
	p.changed()
}

func (p *Processor) applyEvent(ev protocol.MessagingEvent) {
	if p.conv.ID != "" && ev.ConversationID != "" && ev.ConversationID != p.conv.ID {
		p.logger.Debug("event for inactive conversation", "conversation_id", ev.ConversationID, "sequence", ev.Sequence)
		return
	}

	switch c := ev.Payload.(type) {
	case protocol.TextContent:
		m := messages.FromEvent(ev, messages.KindText)
		m.Text = c.Text
		m.QuickReplies = c.QuickReplies
		p.appendMessage(m)
	case protocol.RichContent:
		m := messages.FromEvent(ev, messages.KindRich)
		m.Content = c.Content
		m.QuickReplies = c.QuickReplies
		p.appendMessage(m)
	case protocol.FileContent:
		m := messages.FromEvent(ev, messages.KindFile)
		m.File = c
		m.Text = c.Caption
		p.appendMessage(m)
	case protocol.SecureFormInvitation:
		p.deps.Forms.OnInvitation(ev, c)
	case protocol.SecureFormSubmission:
		p.deps.Forms.OnSubmission(ev, c)
	case protocol.CobrowseSignal:
		p.onCobrowseSignal(ev, c)
	case protocol.AcceptStatus:
		p.deps.Timeline.UpdateStatus(ev.DialogID, ev.OriginatorID, c.Status, c.Sequences)
	case protocol.ChatState:
		p.onChatState(ev, c)
	case protocol.MalformedEvent:
		p.protocolError("malformed event", "type", c.Type, "content_type", c.ContentType, "sequence", ev.Sequence, "error", c.Err)
	case protocol.UnknownEvent:
		p.protocolError("unknown event", "type", c.Type, "content_type", c.ContentType, "sequence", ev.Sequence)
	default:
		p.protocolError("event without payload", "sequence", ev.Sequence)
	}
}

func (p *Processor) appendMessage(m messages.Message) {
	if m.FromConsumer() && m.Status == "" {
		m.Status = protocol.StatusSent
	}
	if p.deps.Timeline.Append(m) && !m.FromConsumer() {
		// A message from the agent ends their typing.
		p.typing = false
	}
}

func (p *Processor) onChatState(ev protocol.MessagingEvent, c protocol.ChatState) {
	if ev.Role == protocol.RoleConsumer {
		return
	}
	if p.dialog != nil && p.dialog.DialogType == protocol.DialogPostSurvey {
		p.typing = false
		return
	}
	p.typing = c.State == protocol.ChatComposing
}

func (p *Processor) onCobrowseSignal(ev protocol.MessagingEvent, sig protocol.CobrowseSignal) {
	s, ok := p.deps.Cobrowse.Active()
	if !ok || s.ServiceID != sig.ServiceID || ev.Role == protocol.RoleConsumer {
		return
	}
	switch sig.Action {
	case cobrowse.ActionClose, cobrowse.ActionReject:
		p.deps.Cobrowse.OnDialogClosed(s.DialogID)
	}
}

// markSubscribed flags the session subscribed and reveals it once no further batch
// arrives within the settle delay.
func (p *Processor) markSubscribed() {
	p.subscribed = true
	if p.cancelReveal != nil {
		p.cancelReveal()
	}
	p.cancelReveal = p.deps.Scheduler.After(p.cfg.SettleDelay, func() {
		p.cancelReveal = nil
		if !p.subscribed || p.visible {
			return
		}
		p.visible = true
		p.changed()
	})
}
