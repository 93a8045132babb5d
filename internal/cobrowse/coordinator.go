// ABOUTME: CobrowseCoordinator negotiates screen-share, voice and video sub-sessions
// ABOUTME: One active session at most; offer expiry is fixed when the offer arrives

package cobrowse

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
)

// ErrNoSession is returned when acting without an active offer.
var ErrNoSession = errors.New("no active co-browse session")

// Session modes
const (
	ModeCobrowse  = "COBROWSE"
	ModeVideoCall = "VIDEO_CALL"
	ModeVoiceCall = "VOICE_CALL"
)

// Signal actions and transcript actions.
const (
	ActionOffer   = "offer"
	ActionAccept  = "accept"
	ActionReject  = "reject"
	ActionClose   = "close"
	ActionEnded   = "ended"
	ActionExpired = "expired"
)

// Session is the active co-browse negotiation.
type Session struct {
	ServiceID      string
	Mode           string
	ConversationID string
	DialogID       string
	Expires        time.Time
	Expired        bool
	SessionState   string
	Accepted       bool
}

// Coordinator owns the single co-browse session. It runs on the session loop.
type Coordinator struct {
	sender   protocol.Sender
	builder  *protocol.Builder
	timeline *messages.Store
	clock    loop.Scheduler
	logger   *slog.Logger

	active *Session
	seq    int // transcript counter for local uids
}

// New creates a Coordinator. Pass nil logger for default.
func New(sender protocol.Sender, builder *protocol.Builder, timeline *messages.Store, clock loop.Scheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sender:   sender,
		builder:  builder,
		timeline: timeline,
		clock:    clock,
		logger:   logger.With("component", "cobrowse"),
	}
}

// Active returns a copy of the current session.
func (c *Coordinator) Active() (Session, bool) {
	if c.active == nil {
		return Session{}, false
	}
	return *c.active, true
}

// OnOffer handles an OPEN co-browse dialog. Re-delivery of the active offer is
// ignored; a different offer replaces the active session through the close path.
func (c *Coordinator) OnOffer(conversationID string, d protocol.Dialog) {
	md := d.MetaData
	if md == nil || md.ServiceID == "" {
		c.logger.Warn("co-browse dialog without metadata", "dialog_id", d.DialogID)
		return
	}
	if c.active != nil && c.active.ServiceID == md.ServiceID {
		return
	}
	if c.active != nil {
		c.logger.Info("replacing active co-browse session", "service_id", c.active.ServiceID, "new_service_id", md.ServiceID)
		if err := c.Close(); err != nil {
			c.logger.Warn("closing previous session failed", "error", err)
		}
	}

	s := &Session{
		ServiceID:      md.ServiceID,
		Mode:           md.Mode,
		ConversationID: conversationID,
		DialogID:       d.DialogID,
		SessionState:   md.SessionState,
	}
	if s.Mode == "" {
		s.Mode = ModeCobrowse
	}
	if md.Expires > 0 {
		s.Expires = time.Unix(md.Expires, 0)
		s.Expired = c.clock.Now().After(s.Expires)
	}
	c.active = s
	c.transcript(s, ActionOffer)
}

// OnDialogClosed ends the session when the backend closes its dialog.
func (c *Coordinator) OnDialogClosed(dialogID string) {
	if c.active == nil || c.active.DialogID != dialogID {
		return
	}
	c.transcript(c.active, ActionEnded)
	c.active = nil
}

// Accept accepts the active offer. An offer that had expired when it arrived is
// rendered as expired and dropped without signalling.
func (c *Coordinator) Accept() error {
	if c.active == nil {
		return ErrNoSession
	}
	if c.active.Expired {
		c.transcript(c.active, ActionExpired)
		c.active = nil
		return nil
	}
	if err := c.signal(ActionAccept); err != nil {
		return err
	}
	c.active.Accepted = true
	c.transcript(c.active, ActionAccept)
	return nil
}

// Reject declines the active offer and ends the session.
func (c *Coordinator) Reject() error {
	return c.end(ActionReject)
}

// Close ends the active session.
func (c *Coordinator) Close() error {
	return c.end(ActionClose)
}

// Reset drops the session without signalling, used when the conversation goes away.
func (c *Coordinator) Reset() {
	c.active = nil
}

func (c *Coordinator) end(action string) error {
	if c.active == nil {
		return ErrNoSession
	}
	s := c.active
	if s.Expired {
		c.active = nil
		c.transcript(s, ActionExpired)
		return nil
	}
	// The session stays active until the signal is out so a failed send can be retried.
	if err := c.signalFor(s, action); err != nil {
		return err
	}
	c.active = nil
	c.transcript(s, action)
	return nil
}

func (c *Coordinator) signal(action string) error {
	return c.signalFor(c.active, action)
}

func (c *Coordinator) signalFor(s *Session, action string) error {
	req := c.builder.PublishCobrowseSignal(s.ConversationID, s.DialogID, protocol.CobrowseSignal{
		ServiceID: s.ServiceID,
		Action:    action,
	})
	if err := c.sender.Send(req); err != nil {
		return fmt.Errorf("sending co-browse %s: %w", action, err)
	}
	return nil
}

func (c *Coordinator) transcript(s *Session, action string) {
	c.seq++
	c.timeline.Append(messages.Message{
		UID:            fmt.Sprintf("cobrowse-%s-%d", s.ServiceID, c.seq),
		ConversationID: s.ConversationID,
		DialogID:       s.DialogID,
		Kind:           messages.KindCobrowse,
		Text:           describe(s.Mode, action),
		Cobrowse: messages.CobrowseNotice{
			ServiceID: s.ServiceID,
			Mode:      s.Mode,
			Action:    action,
			Expired:   action == ActionExpired,
		},
		ServerTime: c.clock.Now(),
		Local:      true,
	})
}

func describe(mode, action string) string {
	label := map[string]string{
		ModeCobrowse:  "Screen share",
		ModeVideoCall: "Video call",
		ModeVoiceCall: "Voice call",
	}[mode]
	if label == "" {
		label = "Session"
	}
	switch action {
	case ActionOffer:
		return label + " requested"
	case ActionAccept:
		return label + " accepted"
	case ActionReject:
		return label + " declined"
	case ActionClose:
		return label + " ended by you"
	case ActionEnded:
		return label + " ended"
	case ActionExpired:
		return label + " request expired"
	default:
		return label
	}
}
