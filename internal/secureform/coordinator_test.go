// ABOUTME: Tests for the secure-form lifecycle: token round trip, caching, submission and expiry
// ABOUTME: Drives time with the manual scheduler

package secureform

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
	"github.com/2389/ums-session/internal/store"
)

type recordingSender struct {
	sent []*protocol.Request
}

func (r *recordingSender) Send(req *protocol.Request) error {
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingSender) purposes() []string {
	out := make([]string, len(r.sent))
	for i, req := range r.sent {
		out[i] = req.Purpose()
	}
	return out
}

// T is the server timestamp of the test invitation.
var T = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTimeout = 60 * time.Second

type fixture struct {
	coord    *Coordinator
	sender   *recordingSender
	kv       *store.MemoryStore
	timeline *messages.Store
	sched    *loop.Manual
}

func newFixture(t *testing.T, seed map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		sender: &recordingSender{},
		kv:     store.NewMemoryStore(seed),
		sched:  loop.NewManual(T),
	}
	builder := protocol.NewBuilder("acc-1")
	f.timeline = messages.NewStore(f.sender, builder, nil, nil)
	f.coord = New(Config{Timeout: testTimeout, Domain: "forms.example.com"}, f.sender, builder, f.kv, f.timeline, f.sched, nil)
	require.NoError(t, f.coord.Load(context.Background()))
	return f
}

func invitationEvent(seq int) protocol.MessagingEvent {
	return protocol.MessagingEvent{
		Sequence:        seq,
		OriginatorID:    "A",
		Role:            protocol.RoleAssignedAgent,
		ServerTimestamp: T.UnixMilli(),
		ConversationID:  "C1",
		DialogID:        "D1",
	}
}

var testInvitation = protocol.SecureFormInvitation{InvitationID: "I1", FormID: "F1", Title: "Card details"}

func (f *fixture) form(t *testing.T) messages.Message {
	t.Helper()
	m, ok := f.timeline.Find(func(m messages.Message) bool { return m.Kind == messages.KindSecureForm })
	require.True(t, ok, "no secure form message rendered")
	return m
}

func TestCoordinator_InvitationTokenRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	assert.Equal(t, 0, f.timeline.Len(), "nothing rendered before the token arrives")
	assert.Contains(t, f.sender.purposes(), protocol.ReqUploadToken)

	f.coord.OnToken(protocol.UploadToken{InvitationID: "I1", FormID: "F1", Token: "tok"})

	m := f.form(t)
	assert.Equal(t, messages.UID(3, "D1"), m.UID)
	assert.Equal(t, "Card details", m.Text)
	assert.Equal(t, "https://forms.example.com/formsapp/form/F1?invitationId=I1&token=tok", m.Form.URL)
	assert.False(t, m.Form.Expired)

	raw, err := f.kv.Get(context.Background(), store.KeySecureForms)
	require.NoError(t, err)
	var persisted map[string]Record
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, m.Form.URL, persisted["I1"].URL)
}

func TestCoordinator_CachedURLSkipsTokenRequest(t *testing.T) {
	cached, err := json.Marshal(map[string]Record{"I1": {
		InvitationID:    "I1",
		FormID:          "F1",
		Title:           "Card details",
		URL:             "https://forms.example.com/formsapp/form/F1?token=old",
		ConversationID:  "C1",
		DialogID:        "D1",
		Sequence:        3,
		ServerTimestamp: T.UnixMilli(),
	}})
	require.NoError(t, err)
	f := newFixture(t, map[string]string{store.KeySecureForms: string(cached)})

	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)

	assert.NotContains(t, f.sender.purposes(), protocol.ReqUploadToken)
	assert.Equal(t, 1, f.timeline.Len(), "re-rendering does not duplicate the message")
	assert.Equal(t, "https://forms.example.com/formsapp/form/F1?token=old", f.form(t).Form.URL)
}

func TestCoordinator_ExpiryScenario(t *testing.T) {
	assert.False(t, Expired(T.UnixMilli(), testTimeout, T.Add(30*time.Second)))
	assert.True(t, Expired(T.UnixMilli(), testTimeout, T.Add(61*time.Second)))

	f := newFixture(t, nil)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.sched.Advance(30 * time.Second)
	f.coord.OnToken(protocol.UploadToken{InvitationID: "I1", Token: "tok"})
	assert.False(t, f.form(t).Form.Expired, "rendered at T+30s")

	f.sched.Advance(31 * time.Second)
	assert.True(t, f.form(t).Form.Expired, "expired at T+61s")
}

func TestCoordinator_LateTokenRendersExpired(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.sched.Advance(2 * time.Minute)

	f.coord.OnToken(protocol.UploadToken{InvitationID: "I1", Token: "tok"})
	assert.True(t, f.form(t).Form.Expired)
	assert.Equal(t, 0, f.sched.Pending(), "no timer for an already expired form")
}

func TestCoordinator_SubmissionReconcilesExisting(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.coord.OnToken(protocol.UploadToken{InvitationID: "I1", Token: "tok"})

	sub := invitationEvent(4)
	sub.Role = protocol.RoleConsumer
	f.coord.OnSubmission(sub, protocol.SecureFormSubmission{InvitationID: "I1", SubmissionID: "S1"})

	require.Equal(t, 1, f.timeline.Len())
	m := f.form(t)
	assert.True(t, m.Form.Submitted)
	assert.Equal(t, "S1", m.Form.SubmissionID)
	assert.Equal(t, "Card details submitted", m.Text)

	f.sched.Advance(2 * time.Minute)
	assert.False(t, f.form(t).Form.Expired, "submitted forms never expire")
}

func TestCoordinator_SubmissionWithoutInvitationSynthesizes(t *testing.T) {
	f := newFixture(t, nil)

	ev := invitationEvent(9)
	ev.Role = protocol.RoleConsumer
	f.coord.OnSubmission(ev, protocol.SecureFormSubmission{InvitationID: "I-unknown", FormID: "F9", SubmissionID: "S9"})

	m := f.form(t)
	assert.Equal(t, messages.UID(9, "D1"), m.UID)
	assert.Equal(t, "I-unknown", m.Form.InvitationID)
	assert.Equal(t, DefaultTitle, m.Form.Title)
	assert.True(t, m.Form.Submitted)
	assert.Equal(t, DefaultTitle+" submitted", m.Text)
}

func TestCoordinator_SubmissionUsesCachedMetadata(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.timeline.Reset()

	f.coord.OnSubmission(invitationEvent(4), protocol.SecureFormSubmission{InvitationID: "I1", SubmissionID: "S1"})

	m := f.form(t)
	assert.Equal(t, "Card details submitted", m.Text)
	assert.Equal(t, "F1", m.Form.FormID)
}

func TestCoordinator_Submit(t *testing.T) {
	f := newFixture(t, nil)

	err := f.coord.Submit("C1", "D1", "missing", "S1")
	assert.ErrorIs(t, err, ErrUnknownInvitation)

	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	require.NoError(t, f.coord.Submit("C1", "D1", "I1", "S1"))

	last := f.sender.sent[len(f.sender.sent)-1]
	assert.Equal(t, protocol.ReqPublishEvent, last.Purpose())
	body := last.Body.(map[string]any)
	event := body["event"].(map[string]any)
	assert.Equal(t, protocol.ContentSecureSubmission, event["contentType"])
	assert.Equal(t, protocol.SecureFormSubmission{InvitationID: "I1", FormID: "F1", SubmissionID: "S1"}, event["message"])
}

func TestCoordinator_Reset(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.OnInvitation(invitationEvent(3), testInvitation)
	f.coord.OnToken(protocol.UploadToken{InvitationID: "I1", Token: "tok"})
	require.Equal(t, 1, f.sched.Pending())

	f.coord.Reset(context.Background())

	assert.Equal(t, 0, f.sched.Pending())
	_, ok := f.coord.Record("I1")
	assert.False(t, ok)
	_, err := f.kv.Get(context.Background(), store.KeySecureForms)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
