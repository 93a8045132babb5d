// ABOUTME: Tests for co-browse offer negotiation
// ABOUTME: Covers accept, reject, close, replacement offers and expiry at offer time

package cobrowse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ums-session/internal/loop"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
)

type recordingSender struct {
	signals []protocol.CobrowseSignal
	err     error
}

func (r *recordingSender) Send(req *protocol.Request) error {
	if r.err != nil {
		return r.err
	}
	body, _ := req.Body.(map[string]any)
	event, _ := body["event"].(map[string]any)
	if sig, ok := event["message"].(protocol.CobrowseSignal); ok {
		r.signals = append(r.signals, sig)
	}
	return nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator() (*Coordinator, *recordingSender, *messages.Store, *loop.Manual) {
	sender := &recordingSender{}
	builder := protocol.NewBuilder("acc-1")
	timeline := messages.NewStore(sender, builder, nil, nil)
	sched := loop.NewManual(now)
	return New(sender, builder, timeline, sched, nil), sender, timeline, sched
}

func offer(serviceID string, expires time.Time) protocol.Dialog {
	return protocol.Dialog{
		DialogID:    "CB-" + serviceID,
		DialogType:  protocol.DialogOther,
		ChannelType: protocol.ChannelCobrowse,
		State:       protocol.StageOpen,
		MetaData: &protocol.DialogMetadata{
			ServiceID: serviceID,
			Mode:      ModeVideoCall,
			Expires:   expires.Unix(),
		},
	}
}

func actions(timeline *messages.Store) []string {
	var out []string
	for _, m := range timeline.Messages() {
		out = append(out, m.Cobrowse.Action)
	}
	return out
}

func TestCoordinator_AcceptThenClose(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	s, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, ModeVideoCall, s.Mode)
	assert.False(t, s.Expired)

	require.NoError(t, c.Accept())
	require.NoError(t, c.Close())

	assert.Equal(t, []protocol.CobrowseSignal{
		{ServiceID: "svc-1", Action: ActionAccept},
		{ServiceID: "svc-1", Action: ActionClose},
	}, sender.signals)
	assert.Equal(t, []string{ActionOffer, ActionAccept, ActionClose}, actions(timeline))
	_, ok = c.Active()
	assert.False(t, ok)
}

func TestCoordinator_Reject(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	require.NoError(t, c.Reject())

	assert.Equal(t, []protocol.CobrowseSignal{{ServiceID: "svc-1", Action: ActionReject}}, sender.signals)
	assert.Equal(t, "Video call declined", timeline.Messages()[1].Text)
	assert.ErrorIs(t, c.Reject(), ErrNoSession)
}

func TestCoordinator_ExpiryFixedAtOfferTime(t *testing.T) {
	c, sender, _, sched := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	sched.Advance(10 * time.Minute)

	require.NoError(t, c.Accept(), "expiry is not re-evaluated later")
	assert.Len(t, sender.signals, 1)
}

func TestCoordinator_StaleOfferRendersExpired(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(-time.Second)))
	require.NoError(t, c.Accept())

	assert.Empty(t, sender.signals)
	msgs := timeline.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Cobrowse.Expired)
	assert.Equal(t, "Video call request expired", msgs[1].Text)
	_, ok := c.Active()
	assert.False(t, ok)
}

func TestCoordinator_NewOfferClosesActive(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	assert.Equal(t, []string{ActionOffer}, actions(timeline), "re-delivery is ignored")

	c.OnOffer("C1", offer("svc-2", now.Add(time.Minute)))

	assert.Equal(t, []protocol.CobrowseSignal{{ServiceID: "svc-1", Action: ActionClose}}, sender.signals)
	s, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "svc-2", s.ServiceID)
	assert.Equal(t, []string{ActionOffer, ActionClose, ActionOffer}, actions(timeline))
}

func TestCoordinator_DialogClosed(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()

	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	c.OnDialogClosed("other")
	_, ok := c.Active()
	assert.True(t, ok)

	c.OnDialogClosed("CB-svc-1")
	_, ok = c.Active()
	assert.False(t, ok)
	assert.Empty(t, sender.signals)
	assert.Equal(t, []string{ActionOffer, ActionEnded}, actions(timeline))
}

func TestCoordinator_SignalFailureKeepsOffer(t *testing.T) {
	c, sender, _, _ := newTestCoordinator()
	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))

	sender.err = errors.New("no socket")
	assert.Error(t, c.Accept())

	s, ok := c.Active()
	require.True(t, ok)
	assert.False(t, s.Accepted)
}

func TestCoordinator_OfferWithoutMetadataIgnored(t *testing.T) {
	c, _, timeline, _ := newTestCoordinator()
	c.OnOffer("C1", protocol.Dialog{DialogID: "CB", ChannelType: protocol.ChannelCobrowse, State: protocol.StageOpen})

	_, ok := c.Active()
	assert.False(t, ok)
	assert.Equal(t, 0, timeline.Len())
}

func TestCoordinator_FailedEndSignalKeepsSession(t *testing.T) {
	c, sender, timeline, _ := newTestCoordinator()
	c.OnOffer("C1", offer("svc-1", now.Add(time.Minute)))
	before := len(actions(timeline))

	sender.err = errors.New("no socket")
	assert.Error(t, c.Reject())
	_, ok := c.Active()
	require.True(t, ok, "session must survive a failed reject")
	assert.Len(t, actions(timeline), before)

	sender.err = nil
	require.NoError(t, c.Reject())
	_, ok = c.Active()
	assert.False(t, ok)
	require.Len(t, sender.signals, 1)
	assert.Equal(t, ActionReject, sender.signals[0].Action)
	assert.Equal(t, ActionReject, actions(timeline)[len(actions(timeline))-1])
}
