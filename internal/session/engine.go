// ABOUTME: SessionOrchestrator facade wiring broker, connection, processor and coordinators
// ABOUTME: Public methods serialize through the loop; sockets and timers re-enter via loop.Do

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/cobrowse"
	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/dedupe"
	"github.com/2389/ums-session/internal/directory"
	"github.com/2389/ums-session/internal/events"
	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
	"github.com/2389/ums-session/internal/secureform"
	"github.com/2389/ums-session/internal/store"
)

// State errors returned synchronously to callers.
var (
	ErrNotInitialized = errors.New("session not initialized")
	ErrNoConversation = errors.New("no open conversation")
)

// conversationContextType tags conversation requests made by this client.
const conversationContextType = "SharkContext"

// CredentialSource is the TokenBroker as seen by the engine. *auth.Broker implements it.
type CredentialSource interface {
	Credential(ctx context.Context, accountID string) (*auth.Credential, error)
	Reset(ctx context.Context) error
}

// Config holds engine tuning.
type Config struct {
	Connection         connection.Config
	SettleDelay        time.Duration
	SecureFormTimeout  time.Duration
	DirectoryCacheSize int
	DirectoryTimeout   time.Duration
	// DirectoryDomain overrides the User Directory domain the credential carries.
	DirectoryDomain string
	ReceiptTTL      time.Duration
	UploadTimeout   time.Duration
}

// Deps are the engine's external collaborators.
type Deps struct {
	Broker   CredentialSource
	Dialer   connection.Dialer
	Store    store.KeyValue
	Uploader Uploader
	// Directory overrides the HTTP User Directory client when set.
	Directory directory.Source
	// Clock drives timers. Nil uses the wall clock.
	Clock clock.Clock
}

type pendingUpload struct {
	name           string
	contentType    string
	data           []byte
	conversationID string
	dialogID       string
	done           chan error
}

// Engine is the SessionOrchestrator.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	loop  *loop.Loop
	sched loop.Scheduler
	views *Broadcaster
	cred  atomic.Pointer[auth.Credential]

	// Set once by InitState.
	conn *connection.Manager

	// Loop-owned.
	initialized bool
	accountID   string
	skillID     string
	identity    Identity
	builder     *protocol.Builder
	timeline    *messages.Store
	forms       *secureform.Coordinator
	cobrowse    *cobrowse.Coordinator
	proc        *events.Processor
	pending     []string
	requesting  bool
	uploads     map[string]*pendingUpload
}

// New creates an engine. Pass nil logger for default.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SecureFormTimeout <= 0 {
		cfg.SecureFormTimeout = time.Minute
	}
	if cfg.DirectoryCacheSize <= 0 {
		cfg.DirectoryCacheSize = 256
	}
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = time.Hour
	}
	if deps.Uploader == nil {
		deps.Uploader = NewHTTPUploader(cfg.UploadTimeout)
	}
	l := loop.New(deps.Clock)
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "session"),
		loop:    l,
		views:   NewBroadcaster(logger),
		uploads: make(map[string]*pendingUpload),
	}
	e.sched = publishingScheduler{Loop: l, publish: e.publishLocked}
	return e
}

// publishingScheduler publishes a view after every timer callback.
type publishingScheduler struct {
	*loop.Loop
	publish func()
}

func (s publishingScheduler) After(d time.Duration, fn func()) func() {
	return s.Loop.After(d, func() {
		fn()
		s.publish()
	})
}

// InitState resolves credentials, restores persisted state and connects. Auth and
// first-connect failures are returned to the caller.
func (e *Engine) InitState(ctx context.Context, accountID, skillID string) error {
	var already bool
	e.loop.Do(func() { already = e.initialized })
	if already {
		return fmt.Errorf("session already initialized for %s", accountID)
	}

	identity, err := LoadIdentity(ctx, e.deps.Store)
	if err != nil {
		return err
	}
	cred, err := e.deps.Broker.Credential(ctx, accountID)
	if err != nil {
		return err
	}
	e.cred.Store(cred)

	builder := protocol.NewBuilder(accountID)
	conn := connection.New(e.cfg.Connection, e.deps.Dialer, e.refreshCredential, builder, e.loop.Clock(), e.logger)

	var loadErr error
	e.loop.Do(func() {
		e.accountID = accountID
		e.skillID = skillID
		e.identity = identity
		e.builder = builder
		e.conn = conn

		receipts := dedupe.New(e.cfg.ReceiptTTL, 10000, e.loop.Clock())
		e.timeline = messages.NewStore(conn, builder, receipts, e.logger)
		e.forms = secureform.New(secureform.Config{
			Timeout: e.cfg.SecureFormTimeout,
			Domain:  cred.Domains.Get(auth.ServiceSecureForms),
		}, conn, builder, e.deps.Store, e.timeline, e.sched, e.logger)
		e.cobrowse = cobrowse.New(conn, builder, e.timeline, e.sched, e.logger)
		e.proc = events.New(events.Config{
			AccountID:   accountID,
			SkillID:     skillID,
			SettleDelay: e.cfg.SettleDelay,
		}, events.Deps{
			Sender:    conn,
			Builder:   builder,
			Store:     e.deps.Store,
			Scheduler: e.sched,
			Timeline:  e.timeline,
			Forms:     e.forms,
			Cobrowse:  e.cobrowse,
		}, e.logger)
		e.proc.SetCredential(cred)
		e.proc.SetHooks(events.Hooks{
			ConversationReady:    e.onConversationReady,
			ConversationRejected: e.onConversationRejected,
			UploadURL:            e.onUploadURL,
			Changed:              e.publishLocked,
		})

		if resolver := e.newResolver(accountID, cred); resolver != nil {
			e.proc.SetDirectory(resolver)
		}
		if err := e.forms.Load(ctx); err != nil {
			loadErr = err
			return
		}
		e.proc.Load(ctx)
		e.initialized = true
	})
	if loadErr != nil {
		return loadErr
	}

	conn.OnMessage(func(f protocol.Frame) {
		e.loop.Do(func() { e.proc.Handle(f) })
	})
	conn.OnStateChange(func(s connection.State) {
		e.loop.Do(func() {
			if s == connection.StateDisconnected || s == connection.StateConnecting {
				e.proc.OnDisconnect()
			}
			e.publishLocked()
		})
	})
	conn.OnGiveUp(func(err error) {
		e.logger.Error("session offline", "error", err)
	})

	e.logger.Info("connecting",
		"account_id", accountID,
		"visitor_id", identity.VisitorID,
		"tier", cred.Tier.String())
	if err := conn.Connect(ctx, cred); err != nil {
		// Undo so the caller can retry InitState.
		_ = conn.Close()
		e.loop.Do(func() {
			e.initialized = false
			e.conn = nil
			e.pending = nil
			e.requesting = false
		})
		return err
	}
	return nil
}

func (e *Engine) newResolver(accountID string, cred *auth.Credential) *directory.Resolver {
	src := e.deps.Directory
	if src == nil {
		domain := e.cfg.DirectoryDomain
		if domain == "" {
			domain = cred.Domains.Get(auth.ServiceDirectory)
		}
		if domain == "" {
			return nil
		}
		src = directory.NewHTTPSource(domain, accountID, e.currentToken, e.cfg.DirectoryTimeout)
	}
	post := func(fn func()) { e.loop.Do(fn) }
	r, err := directory.NewResolver(src, e.cfg.DirectoryCacheSize, post, e.cfg.DirectoryTimeout, e.logger)
	if err != nil {
		e.logger.Warn("directory disabled", "error", err)
		return nil
	}
	return r
}

func (e *Engine) currentToken() string {
	if c := e.cred.Load(); c != nil {
		return c.Token
	}
	return ""
}

// refreshCredential runs a fresh broker resolution after the socket rejected the
// current credential.
func (e *Engine) refreshCredential(ctx context.Context) (*auth.Credential, error) {
	if err := e.deps.Broker.Reset(ctx); err != nil {
		e.logger.Warn("broker reset failed", "error", err)
	}
	var accountID string
	e.loop.Do(func() { accountID = e.accountID })
	cred, err := e.deps.Broker.Credential(ctx, accountID)
	if err != nil {
		return nil, err
	}
	e.cred.Store(cred)
	e.loop.Do(func() { e.proc.SetCredential(cred) })
	return cred, nil
}

// Identity returns the visitor identity.
func (e *Engine) Identity() Identity {
	var id Identity
	e.loop.Do(func() { id = e.identity })
	return id
}

// SendMessage sends text on the open conversation. Without one, the text is buffered
// and a conversation is requested; buffered text is sent once the request is
// acknowledged.
func (e *Engine) SendMessage(text string) error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		if e.proc.CanSend() {
			err = e.sendTextLocked(text)
			return
		}
		e.pending = append(e.pending, text)
		err = e.requestConversationLocked()
		e.publishLocked()
	})
	return err
}

func (e *Engine) sendTextLocked(text string) error {
	if e.conn.State() == connection.StateDisconnected {
		return fmt.Errorf("%w: cannot send message while disconnected", connection.ErrNoSocket)
	}
	conv := e.proc.Conversation()
	d, _ := e.proc.MainDialog()
	req := e.builder.PublishText(conv.ID, d.DialogID, text)
	// Deferred so state mutated by the caller's current turn is applied first.
	e.loop.After(0, func() {
		if err := e.conn.Send(req); err != nil {
			e.logger.Warn("message not sent", "conversation_id", conv.ID, "error", err)
		}
	})
	return nil
}

// RequestConversation asks the backend to open a conversation on the configured skill.
func (e *Engine) RequestConversation() error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		err = e.requestConversationLocked()
	})
	return err
}

func (e *Engine) requestConversationLocked() error {
	if e.requesting || e.proc.CanSend() {
		return nil
	}
	req := e.builder.RequestConversation(e.skillID, protocol.ConversationContext{
		VisitorID: e.identity.VisitorID,
		SessionID: e.identity.SessionID,
		Type:      conversationContextType,
	})
	if err := e.conn.Send(req); err != nil {
		return fmt.Errorf("requesting conversation: %w", err)
	}
	e.requesting = true
	return nil
}

func (e *Engine) onConversationReady(conversationID string) {
	e.requesting = false
	if len(e.pending) == 0 {
		return
	}
	buffered := e.pending
	e.pending = nil
	d, _ := e.proc.MainDialog()
	for _, text := range buffered {
		if err := e.conn.Send(e.builder.PublishText(conversationID, d.DialogID, text)); err != nil {
			e.logger.Warn("buffered message not sent", "conversation_id", conversationID, "error", err)
		}
	}
}

func (e *Engine) onConversationRejected(code int) {
	e.requesting = false
	e.logger.Warn("conversation request failed, keeping buffered messages", "code", code, "pending", len(e.pending))
}

// CloseConversation closes the open conversation. A full close also forgets the
// conversation, its timeline and pending secure forms locally.
func (e *Engine) CloseConversation(ctx context.Context, full bool) error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		conv := e.proc.Conversation()
		if conv.ID == "" {
			err = ErrNoConversation
			return
		}
		if sendErr := e.conn.Send(e.builder.CloseConversation(conv.ID)); sendErr != nil {
			err = fmt.Errorf("closing conversation %s: %w", conv.ID, sendErr)
			return
		}
		if full {
			e.pending = nil
			e.requesting = false
			e.forms.Reset(ctx)
			e.timeline.Reset()
			e.proc.ClearConversation(ctx)
		}
		e.publishLocked()
	})
	return err
}

// UploadFile shares a file on the open conversation. The returned channel receives
// the outcome once the bytes are stored and the file event is published.
func (e *Engine) UploadFile(name, contentType string, data []byte) (<-chan error, error) {
	done := make(chan error, 1)
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		if !e.proc.CanSend() {
			err = ErrNoConversation
			return
		}
		conv := e.proc.Conversation()
		d, _ := e.proc.MainDialog()
		requestID := uuid.New().String()
		req := e.builder.GenerateUploadURL(requestID, len(data), fileType(name, contentType))
		if sendErr := e.conn.Send(req); sendErr != nil {
			err = fmt.Errorf("requesting upload url: %w", sendErr)
			return
		}
		e.uploads[requestID] = &pendingUpload{
			name:           name,
			contentType:    contentType,
			data:           data,
			conversationID: conv.ID,
			dialogID:       d.DialogID,
			done:           done,
		}
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (e *Engine) onUploadURL(u protocol.UploadURL) {
	up, ok := e.uploads[u.RequestID]
	if !ok {
		e.logger.Warn("upload url for unknown request", "request_id", u.RequestID)
		return
	}
	delete(e.uploads, u.RequestID)

	target := signedURL(e.cred.Load().Domains.Get(auth.ServiceUpload), u)
	go func() {
		ctx := context.Background()
		if e.cfg.UploadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.UploadTimeout)
			defer cancel()
		}
		if err := e.deps.Uploader.Put(ctx, target, up.contentType, up.data); err != nil {
			up.done <- err
			return
		}
		var sendErr error
		e.loop.Do(func() {
			sendErr = e.conn.Send(e.builder.PublishFile(up.conversationID, up.dialogID, protocol.FileContent{
				Caption:      up.name,
				RelativePath: u.RelativePath,
				FileType:     fileType(up.name, up.contentType),
			}))
		})
		if sendErr != nil {
			sendErr = fmt.Errorf("publishing file %s: %w", up.name, sendErr)
		}
		up.done <- sendErr
	}()
}

// SubmitSecureForm announces a completed secure form on the main dialog.
func (e *Engine) SubmitSecureForm(invitationID, submissionID string) error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		if !e.proc.CanSend() {
			err = ErrNoConversation
			return
		}
		conv := e.proc.Conversation()
		d, _ := e.proc.MainDialog()
		err = e.forms.Submit(conv.ID, d.DialogID, invitationID, submissionID)
	})
	return err
}

// AcceptCobrowse accepts the pending co-browse offer.
func (e *Engine) AcceptCobrowse() error {
	return e.withCobrowse((*cobrowse.Coordinator).Accept)
}

// RejectCobrowse declines the pending co-browse offer.
func (e *Engine) RejectCobrowse() error {
	return e.withCobrowse((*cobrowse.Coordinator).Reject)
}

// CloseCobrowse ends the active co-browse session.
func (e *Engine) CloseCobrowse() error {
	return e.withCobrowse((*cobrowse.Coordinator).Close)
}

func (e *Engine) withCobrowse(fn func(*cobrowse.Coordinator) error) error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		err = fn(e.cobrowse)
		e.publishLocked()
	})
	return err
}

// SetTyping publishes the consumer's typing state on the main dialog.
func (e *Engine) SetTyping(composing bool) error {
	var err error
	e.loop.Do(func() {
		if !e.initialized {
			err = ErrNotInitialized
			return
		}
		if !e.proc.CanSend() {
			err = ErrNoConversation
			return
		}
		state := protocol.ChatActive
		if composing {
			state = protocol.ChatComposing
		}
		conv := e.proc.Conversation()
		d, _ := e.proc.MainDialog()
		err = e.conn.Send(e.builder.PublishChatState(conv.ID, d.DialogID, state))
	})
	return err
}

// SetView records whether the conversation is focused and minimized.
func (e *Engine) SetView(focused, minimized bool) {
	e.loop.Do(func() {
		if !e.initialized {
			return
		}
		e.timeline.SetView(focused, minimized)
		e.publishLocked()
	})
}

// Subscribe streams View snapshots until ctx is cancelled.
func (e *Engine) Subscribe(ctx context.Context) <-chan View {
	ch, _ := e.views.Subscribe(ctx)
	return ch
}

// View returns the current snapshot.
func (e *Engine) View() View {
	var v View
	e.loop.Do(func() { v = e.viewLocked() })
	return v
}

// Close tears the connection down and ends all subscriptions.
func (e *Engine) Close() error {
	var conn *connection.Manager
	e.loop.Do(func() { conn = e.conn })
	var err error
	if conn != nil {
		err = conn.Close()
	}
	e.views.Close()
	return err
}

func (e *Engine) publishLocked() {
	if !e.initialized {
		return
	}
	e.views.Publish(e.viewLocked())
}

func (e *Engine) viewLocked() View {
	v := View{Connection: connection.StateDisconnected, Pending: len(e.pending)}
	if !e.initialized {
		return v
	}
	snap := e.proc.Snapshot()
	v.Connection = e.conn.State()
	v.Conversation = snap.Conversation
	v.Dialog = snap.Dialog
	v.Participants = snap.Participants
	v.Typing = snap.Typing
	v.Subscribed = snap.Subscribed
	v.Visible = snap.Visible
	v.Messages = e.timeline.Messages()
	v.Bubbles = messages.Group(v.Messages)
	if s, ok := e.cobrowse.Active(); ok {
		v.Cobrowse = &s
	}
	return v
}
