// ABOUTME: EventProcessor routes inbound frames by response purpose and push type
// ABOUTME: Owns the subscription registry so each dialog is subscribed exactly once

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/cobrowse"
	"github.com/2389/ums-session/internal/directory"
	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/metrics"
	"github.com/2389/ums-session/internal/protocol"
	"github.com/2389/ums-session/internal/secureform"
	"github.com/2389/ums-session/internal/store"
)

// DefaultSettleDelay is how long the processor waits after a batch before revealing.
const DefaultSettleDelay = 300 * time.Millisecond

// ProfileLookup resolves participant profiles. *directory.Resolver implements it.
type ProfileLookup interface {
	Lookup(id string, done func(directory.Profile))
}

// Config holds routing parameters.
type Config struct {
	AccountID   string
	SkillID     string
	SettleDelay time.Duration
}

// Deps are the collaborators the processor drives.
type Deps struct {
	Sender    protocol.Sender
	Builder   *protocol.Builder
	Store     store.KeyValue
	Scheduler loop.Scheduler
	Timeline  *messages.Store
	Forms     *secureform.Coordinator
	Cobrowse  *cobrowse.Coordinator
	Directory ProfileLookup
}

// Hooks are optional callbacks into the orchestrator. They run on the loop.
type Hooks struct {
	// ConversationReady runs when a request-conversation is acknowledged.
	ConversationReady func(conversationID string)
	// ConversationRejected runs when a request-conversation fails.
	ConversationRejected func(code int)
	// UploadURL runs for each signed file upload location.
	UploadURL func(protocol.UploadURL)
	// Changed runs after any state visible to the UI changed.
	Changed func()
}

// Processor is the EventProcessor.
type Processor struct {
	cfg    Config
	deps   Deps
	hooks  Hooks
	logger *slog.Logger

	cred   *auth.Credential
	userID string

	conv         Conversation
	dialog       *protocol.Dialog
	participants map[string]Participant

	subscriptions    map[string]bool // dialogIds with a subscribe frame sent
	conversationsSub bool            // subscribe-ex-conversations sent on this socket

	typing       bool
	subscribed   bool
	visible      bool
	cancelReveal func()

	clockOffset time.Duration
}

// New creates a Processor. Pass nil logger for default.
func New(cfg Config, deps Deps, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	return &Processor{
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With("component", "events"),
		participants:  make(map[string]Participant),
		subscriptions: make(map[string]bool),
	}
}

// SetHooks installs orchestrator callbacks.
func (p *Processor) SetHooks(h Hooks) {
	p.hooks = h
}

// SetCredential records the credential the socket was opened with.
func (p *Processor) SetCredential(cred *auth.Credential) {
	p.cred = cred
}

// SetDirectory installs the participant profile resolver.
func (p *Processor) SetDirectory(d ProfileLookup) {
	p.deps.Directory = d
}

// Load restores the last known conversation ids from durable storage. The stage
// stays unknown until the backend reports the conversation.
func (p *Processor) Load(ctx context.Context) {
	p.conv.ID = store.GetOr(ctx, p.deps.Store, store.KeyConversationID, "")
	p.conv.LastID = store.GetOr(ctx, p.deps.Store, store.KeyLastConversationID, "")
}

// Conversation returns the active conversation.
func (p *Processor) Conversation() Conversation {
	return p.conv
}

// MainDialog returns the active main dialog.
func (p *Processor) MainDialog() (protocol.Dialog, bool) {
	if p.dialog == nil {
		return protocol.Dialog{}, false
	}
	return *p.dialog, true
}

// CanSend reports whether a message can go out now: the conversation is OPEN and
// has a main dialog.
func (p *Processor) CanSend() bool {
	return p.conv.Open() && p.dialog != nil
}

// UserID returns the consumer id from the profile ack.
func (p *Processor) UserID() string {
	return p.userID
}

// ClockOffset is server time minus local time as of the last heartbeat.
func (p *Processor) ClockOffset() time.Duration {
	return p.clockOffset
}

// Snapshot copies the current state.
func (p *Processor) Snapshot() Snapshot {
	s := Snapshot{
		UserID:       p.userID,
		Conversation: p.conv,
		Participants: sortedParticipants(p.participants),
		Typing:       p.typing,
		Subscribed:   p.subscribed,
		Visible:      p.visible,
	}
	if p.dialog != nil {
		d := *p.dialog
		s.Dialog = &d
	}
	return s
}

// OnDisconnect forgets per-socket state. A new socket must subscribe again.
func (p *Processor) OnDisconnect() {
	p.subscriptions = make(map[string]bool)
	p.conversationsSub = false
	p.subscribed = false
	p.visible = false
	p.typing = false
	if p.cancelReveal != nil {
		p.cancelReveal()
		p.cancelReveal = nil
	}
	p.changed()
}

// ClearConversation drops the active conversation, dialog and participants.
func (p *Processor) ClearConversation(ctx context.Context) {
	if p.conv.ID != "" {
		p.conv.LastID = p.conv.ID
		if err := p.deps.Store.Set(ctx, store.KeyLastConversationID, p.conv.ID); err != nil {
			p.logger.Warn("failed to persist last conversation", "error", err)
		}
		if err := p.deps.Store.Delete(ctx, store.KeyConversationID); err != nil {
			p.logger.Warn("failed to clear conversation", "error", err)
		}
	}
	p.conv.ID = ""
	p.conv.Stage = ""
	p.conv.SkillID = ""
	p.dialog = nil
	p.participants = make(map[string]Participant)
	p.typing = false
	p.deps.Cobrowse.Reset()
}

// Handle routes one decoded frame. Unknown frames are logged and dropped.
func (p *Processor) Handle(frame protocol.Frame) {
	switch f := frame.(type) {
	case *protocol.Response:
		p.handleResponse(f)
	case *protocol.ConversationChangeNotification:
		p.onConversationChange(f)
	case *protocol.MessagingEventNotification:
		p.onMessagingEvents(f)
	case *protocol.UploadTokenNotification:
		for _, tok := range f.Tokens {
			p.deps.Forms.OnToken(tok)
		}
		p.changed()
	case *protocol.FileUploadNotification:
		for _, u := range f.Uploads {
			if p.hooks.UploadURL != nil {
				p.hooks.UploadURL(u)
			}
		}
	default:
		p.protocolError("unhandled frame", "frame", fmt.Sprintf("%T", frame))
	}
}

func (p *Processor) handleResponse(resp *protocol.Response) {
	purpose := resp.Purpose()
	switch purpose {
	case protocol.ReqInitConnection:
		p.onInitAck(resp)
	case protocol.ReqGetUserProfile:
		p.onProfileAck(resp)
	case protocol.ReqSubscribeConversations:
		if !resp.OK() {
			p.conversationsSub = false
			p.logger.Warn("conversation subscription rejected", "code", resp.Code)
		}
	case protocol.ReqRequestConversation:
		p.onConversationRequested(resp)
	case protocol.ReqCloseConversation, protocol.ReqUpdateConversation:
		if !resp.OK() {
			p.logger.Warn("conversation update rejected", "req_id", resp.ReqID, "code", resp.Code)
			return
		}
		p.deps.Timeline.Reset()
		p.changed()
	case protocol.ReqStepUp:
		p.onStepUpAck(resp)
	case protocol.ReqGetClock:
		p.onClock(resp)
	case protocol.ReqSubscribeEvents, protocol.ReqPublishEvent, protocol.ReqUploadToken, protocol.ReqUploadURL:
		if !resp.OK() {
			p.logger.Warn("request rejected", "req_id", resp.ReqID, "code", resp.Code)
			if purpose == protocol.ReqSubscribeEvents {
				delete(p.subscriptions, dialogOfRequest(resp.ReqID))
			}
		}
	default:
		p.protocolError("unexpected response", "req_id", resp.ReqID, "code", resp.Code)
	}
}

func (p *Processor) onInitAck(resp *protocol.Response) {
	if !resp.OK() {
		return
	}
	// A fresh socket starts without subscriptions.
	p.subscriptions = make(map[string]bool)
	p.conversationsSub = false
	p.send(p.deps.Builder.GetUserProfile())
}

type profileBody struct {
	UserID string `json:"userId"`
}

func (p *Processor) onProfileAck(resp *protocol.Response) {
	if !resp.OK() {
		p.logger.Warn("profile request rejected", "code", resp.Code)
		p.subscribeConversations()
		return
	}
	var body profileBody
	if err := resp.DecodeBody(&body); err != nil {
		p.protocolError("bad profile body", "error", err)
	}
	if body.UserID != "" {
		p.userID = body.UserID
	}

	if p.userID != "" && p.cred.CanStepUp() {
		ctx := context.Background()
		marker, err := p.deps.Store.Get(ctx, store.ConsumerConversationKey(p.userID))
		if err == nil && marker != "" {
			p.logger.Info("stepping up conversation", "conversation_id", marker)
			p.send(p.deps.Builder.StepUp(marker, p.cred.Elevated))
			return
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("reading consumer conversation marker", "error", err)
		}
	}
	p.subscribeConversations()
}

func (p *Processor) onStepUpAck(resp *protocol.Response) {
	ctx := context.Background()
	if resp.OK() {
		p.deps.Timeline.Reset()
		consumer := p.userID
		if p.cred != nil && p.cred.ElevatedConsumerID != "" {
			consumer = p.cred.ElevatedConsumerID
		}
		if err := p.deps.Store.Set(ctx, store.SteppedUpKey(consumer), "true"); err != nil {
			p.logger.Warn("failed to persist step-up marker", "error", err)
		}
		if err := p.deps.Store.Delete(ctx, store.ConsumerConversationKey(p.userID)); err != nil {
			p.logger.Warn("failed to clear consumer conversation marker", "error", err)
		}
		p.changed()
	} else {
		p.logger.Warn("step-up rejected", "code", resp.Code)
	}
	p.subscribeConversations()
}

type conversationBody struct {
	ConversationID string `json:"conversationId"`
}

func (p *Processor) onConversationRequested(resp *protocol.Response) {
	if !resp.OK() {
		p.logger.Warn("conversation request rejected", "code", resp.Code)
		if p.hooks.ConversationRejected != nil {
			p.hooks.ConversationRejected(resp.Code)
		}
		return
	}
	var body conversationBody
	if err := resp.DecodeBody(&body); err != nil || body.ConversationID == "" {
		p.protocolError("conversation ack without id", "error", err)
		return
	}

	id := body.ConversationID
	p.adoptConversation(id, p.cfg.SkillID)
	if p.dialog == nil {
		// The main dialog shares the conversation id until the backend reports it.
		p.dialog = &protocol.Dialog{
			DialogID:   id,
			DialogType: protocol.DialogMain,
			State:      protocol.StageOpen,
		}
	}
	p.subscribeDialog(id, p.dialog.DialogID)
	p.logger.Info("conversation opened", "conversation_id", id)

	if p.hooks.ConversationReady != nil {
		p.hooks.ConversationReady(id)
	}
	p.changed()
}

func (p *Processor) onClock(resp *protocol.Response) {
	var body struct {
		CurrentTime int64 `json:"currentTime"`
	}
	if err := resp.DecodeBody(&body); err != nil || body.CurrentTime == 0 {
		return
	}
	p.clockOffset = time.UnixMilli(body.CurrentTime).Sub(p.deps.Scheduler.Now())
}

// adoptConversation makes id the active OPEN conversation and persists it.
func (p *Processor) adoptConversation(id, skillID string) {
	ctx := context.Background()
	if p.conv.ID != "" && p.conv.ID != id {
		p.conv.LastID = p.conv.ID
		p.dialog = nil
		p.participants = make(map[string]Participant)
		if err := p.deps.Store.Set(ctx, store.KeyLastConversationID, p.conv.LastID); err != nil {
			p.logger.Warn("failed to persist last conversation", "error", err)
		}
	}
	first := p.conv.ID != id
	p.conv.ID = id
	p.conv.Stage = protocol.StageOpen
	if skillID != "" {
		p.conv.SkillID = skillID
	}
	if !first {
		return
	}

	if err := p.deps.Store.Set(ctx, store.KeyConversationID, id); err != nil {
		p.logger.Warn("failed to persist conversation", "error", err)
	}
	if p.userID == "" {
		return
	}
	if err := p.deps.Store.Set(ctx, store.ConsumerIDKey(id), p.userID); err != nil {
		p.logger.Warn("failed to persist conversation owner", "error", err)
	}
	if p.cred != nil && p.cred.Tier == auth.TierUnauthenticated {
		if err := p.deps.Store.Set(ctx, store.ConsumerConversationKey(p.userID), id); err != nil {
			p.logger.Warn("failed to persist consumer conversation marker", "error", err)
		}
	}
}

func (p *Processor) subscribeConversations() {
	if p.conversationsSub {
		return
	}
	p.conversationsSub = true
	p.send(p.deps.Builder.SubscribeConversations(p.userID))
}

// subscribeDialog sends at most one subscribe frame per dialog per socket.
func (p *Processor) subscribeDialog(conversationID, dialogID string) {
	if p.subscriptions[dialogID] {
		return
	}
	p.subscriptions[dialogID] = true
	p.send(p.deps.Builder.SubscribeMessagingEvents(conversationID, dialogID, 0))
}

func (p *Processor) send(req *protocol.Request) {
	if err := p.deps.Sender.Send(req); err != nil {
		p.logger.Warn("send failed", "purpose", req.Purpose(), "error", err)
	}
}

func (p *Processor) protocolError(msg string, args ...any) {
	metrics.ProtocolErrors.Inc()
	p.logger.Warn(msg, args...)
}

func (p *Processor) changed() {
	if p.hooks.Changed != nil {
		p.hooks.Changed()
	}
}

func dialogOfRequest(reqID string) string {
	purpose := protocol.PurposeOf(reqID)
	if len(reqID) > len(purpose)+1 {
		return reqID[len(purpose)+1:]
	}
	return ""
}
