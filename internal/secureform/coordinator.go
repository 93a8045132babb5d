// ABOUTME: SecureFormCoordinator drives invitation -> upload token -> signed URL -> submission
// ABOUTME: Invitations persist under the secureForms key so pending forms survive a restart

package secureform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
	"github.com/2389/ums-session/internal/store"
)

// ErrUnknownInvitation is returned by Submit for an invitation that was never seen.
var ErrUnknownInvitation = errors.New("unknown secure form invitation")

// DefaultTitle labels forms whose invitation metadata is unavailable.
const DefaultTitle = "Secure form"

// Record is the persisted state of one invitation.
type Record struct {
	InvitationID    string `json:"invitationId"`
	FormID          string `json:"formId"`
	Title           string `json:"title"`
	URL             string `json:"url,omitempty"`
	SubmissionID    string `json:"submissionId,omitempty"`
	ConversationID  string `json:"conversationId"`
	DialogID        string `json:"dialogId"`
	Sequence        int    `json:"sequence"`
	OriginatorID    string `json:"originatorId"`
	Role            string `json:"role,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// Config holds form tuning.
type Config struct {
	Timeout time.Duration
	// Domain is the base URI of the secure forms application.
	Domain string
}

// Coordinator owns secure-form lifecycle. It runs on the session loop and is not
// safe for concurrent use.
type Coordinator struct {
	cfg      Config
	sender   protocol.Sender
	builder  *protocol.Builder
	kv       store.KeyValue
	timeline *messages.Store
	sched    loop.Scheduler
	logger   *slog.Logger

	records map[string]*Record
	timers  map[string]func() // invitationId -> cancel expiry timer
}

// New creates a Coordinator. Pass nil logger for default.
func New(cfg Config, sender protocol.Sender, builder *protocol.Builder, kv store.KeyValue, timeline *messages.Store, sched loop.Scheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		sender:   sender,
		builder:  builder,
		kv:       kv,
		timeline: timeline,
		sched:    sched,
		logger:   logger.With("component", "secureform"),
		records:  make(map[string]*Record),
		timers:   make(map[string]func()),
	}
}

// SetDomain updates the forms application base URI once domains are resolved.
func (c *Coordinator) SetDomain(domain string) {
	c.cfg.Domain = domain
}

// Load restores persisted invitations.
func (c *Coordinator) Load(ctx context.Context) error {
	raw, err := c.kv.Get(ctx, store.KeySecureForms)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secure forms: %w", err)
	}

	var records map[string]*Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		c.logger.Warn("discarding unreadable secure forms cache", "error", err)
		return nil
	}
	for id, rec := range records {
		if rec != nil {
			c.records[id] = rec
		}
	}
	return nil
}

// Record returns a copy of the cached invitation.
func (c *Coordinator) Record(invitationID string) (Record, bool) {
	rec, ok := c.records[invitationID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Expired reports whether a form sent at serverTimestamp (epoch ms) has timed out.
func Expired(serverTimestamp int64, timeout time.Duration, now time.Time) bool {
	return now.After(time.UnixMilli(serverTimestamp).Add(timeout))
}

// OnInvitation handles a forms/secure-invitation event.
func (c *Coordinator) OnInvitation(ev protocol.MessagingEvent, inv protocol.SecureFormInvitation) {
	if rec, ok := c.records[inv.InvitationID]; ok && rec.URL != "" {
		c.logger.Debug("re-rendering cached invitation", "invitation_id", inv.InvitationID)
		c.render(rec)
		return
	}

	rec := &Record{
		InvitationID:    inv.InvitationID,
		FormID:          inv.FormID,
		Title:           inv.Title,
		ConversationID:  ev.ConversationID,
		DialogID:        ev.DialogID,
		Sequence:        ev.Sequence,
		OriginatorID:    ev.OriginatorID,
		Role:            ev.Role,
		ServerTimestamp: ev.ServerTimestamp,
	}
	if rec.ServerTimestamp == 0 {
		rec.ServerTimestamp = c.sched.Now().UnixMilli()
	}
	if existing, ok := c.records[inv.InvitationID]; ok {
		rec.SubmissionID = existing.SubmissionID
	}
	c.records[inv.InvitationID] = rec
	c.persist()

	if err := c.sender.Send(c.builder.GenerateUploadToken(inv.InvitationID, inv.FormID)); err != nil {
		c.logger.Warn("upload token request failed", "invitation_id", inv.InvitationID, "error", err)
	}
}

// OnToken completes an invitation once its upload token arrives.
func (c *Coordinator) OnToken(tok protocol.UploadToken) {
	rec, ok := c.records[tok.InvitationID]
	if !ok {
		c.logger.Warn("upload token for unknown invitation", "invitation_id", tok.InvitationID)
		return
	}
	if rec.FormID == "" {
		rec.FormID = tok.FormID
	}
	rec.URL = c.formURL(rec.FormID, tok.Token, rec.InvitationID)
	c.persist()
	c.render(rec)
}

// OnSubmission reconciles a forms/secure-submission event with the timeline.
func (c *Coordinator) OnSubmission(ev protocol.MessagingEvent, sub protocol.SecureFormSubmission) {
	if sub.SubmissionID == "" {
		return
	}

	rec, ok := c.records[sub.InvitationID]
	if !ok {
		rec = &Record{
			InvitationID:    sub.InvitationID,
			FormID:          sub.FormID,
			Title:           DefaultTitle,
			ConversationID:  ev.ConversationID,
			DialogID:        ev.DialogID,
			Sequence:        ev.Sequence,
			OriginatorID:    ev.OriginatorID,
			Role:            ev.Role,
			ServerTimestamp: ev.ServerTimestamp,
		}
		c.records[sub.InvitationID] = rec
	}
	rec.SubmissionID = sub.SubmissionID
	c.persist()
	c.cancelTimer(sub.InvitationID)

	existing, found := c.timeline.Find(func(m messages.Message) bool {
		return m.Kind == messages.KindSecureForm && m.Form.InvitationID == sub.InvitationID
	})
	if found {
		c.timeline.Update(existing.UID, func(m *messages.Message) {
			m.Form.SubmissionID = sub.SubmissionID
			m.Form.Submitted = true
			m.Form.Expired = false
			m.Text = submittedText(m.Form.Title)
		})
		return
	}

	m := c.message(rec)
	m.Form.Submitted = true
	m.Form.Expired = false
	m.Text = submittedText(m.Form.Title)
	c.timeline.Append(m)
}

// Submit announces a completed form on the given dialog.
func (c *Coordinator) Submit(conversationID, dialogID, invitationID, submissionID string) error {
	rec, ok := c.records[invitationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvitation, invitationID)
	}
	req := c.builder.PublishSecureSubmission(conversationID, dialogID, protocol.SecureFormSubmission{
		InvitationID: invitationID,
		FormID:       rec.FormID,
		SubmissionID: submissionID,
	})
	if err := c.sender.Send(req); err != nil {
		return fmt.Errorf("submitting form %s: %w", invitationID, err)
	}
	return nil
}

// Reset cancels expiry timers and forgets every invitation.
func (c *Coordinator) Reset(ctx context.Context) {
	for id := range c.timers {
		c.cancelTimer(id)
	}
	c.records = make(map[string]*Record)
	if err := c.kv.Delete(ctx, store.KeySecureForms); err != nil {
		c.logger.Warn("failed to clear secure forms", "error", err)
	}
}

// render writes the invitation's message, updating it in place when already shown.
func (c *Coordinator) render(rec *Record) {
	m := c.message(rec)
	if rec.SubmissionID != "" {
		m.Form.Submitted = true
		m.Form.Expired = false
		m.Text = submittedText(rec.Title)
	}

	updated := c.timeline.Update(m.UID, func(existing *messages.Message) {
		existing.Form = m.Form
		existing.Text = m.Text
	})
	if !updated {
		c.timeline.Append(m)
	}

	if !m.Form.Submitted && !m.Form.Expired {
		c.scheduleExpiry(rec, m.UID)
	}
}

func (c *Coordinator) message(rec *Record) messages.Message {
	ev := protocol.MessagingEvent{
		Sequence:        rec.Sequence,
		OriginatorID:    rec.OriginatorID,
		Role:            rec.Role,
		ServerTimestamp: rec.ServerTimestamp,
		ConversationID:  rec.ConversationID,
		DialogID:        rec.DialogID,
	}
	m := messages.FromEvent(ev, messages.KindSecureForm)

	title := rec.Title
	if title == "" {
		title = DefaultTitle
	}
	m.Text = title
	m.Form = messages.FormState{
		InvitationID: rec.InvitationID,
		FormID:       rec.FormID,
		Title:        title,
		URL:          rec.URL,
		SubmissionID: rec.SubmissionID,
		ExpiresAt:    time.UnixMilli(rec.ServerTimestamp).Add(c.cfg.Timeout),
		Expired:      Expired(rec.ServerTimestamp, c.cfg.Timeout, c.sched.Now()),
	}
	return m
}

func (c *Coordinator) scheduleExpiry(rec *Record, uid string) {
	if _, ok := c.timers[rec.InvitationID]; ok {
		return
	}
	invitationID := rec.InvitationID
	// Fire just past the deadline so Expired holds when the timer runs.
	delay := time.UnixMilli(rec.ServerTimestamp).Add(c.cfg.Timeout).Sub(c.sched.Now()) + time.Millisecond
	c.timers[invitationID] = c.sched.After(delay, func() {
		delete(c.timers, invitationID)
		c.timeline.Update(uid, func(m *messages.Message) {
			if !m.Form.Submitted {
				m.Form.Expired = true
			}
		})
		c.logger.Debug("secure form expired", "invitation_id", invitationID)
	})
}

func (c *Coordinator) cancelTimer(invitationID string) {
	if cancel, ok := c.timers[invitationID]; ok {
		cancel()
		delete(c.timers, invitationID)
	}
}

func (c *Coordinator) persist() {
	data, err := json.Marshal(c.records)
	if err != nil {
		c.logger.Warn("failed to encode secure forms", "error", err)
		return
	}
	if err := c.kv.Set(context.Background(), store.KeySecureForms, string(data)); err != nil {
		c.logger.Warn("failed to persist secure forms", "error", err)
	}
}

func (c *Coordinator) formURL(formID, token, invitationID string) string {
	base := strings.TrimSuffix(c.cfg.Domain, "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("invitationId", invitationID)
	return fmt.Sprintf("%s/formsapp/form/%s?%s", base, url.PathEscape(formID), q.Encode())
}

func submittedText(title string) string {
	return title + " submitted"
}
