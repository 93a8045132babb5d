// ABOUTME: Tests for the View broadcaster fan-out and cleanup
// ABOUTME: Slow subscribers must end on the newest view

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	a, _ := b.Subscribe(context.Background())
	c, _ := b.Subscribe(context.Background())

	b.Publish(View{Pending: 1})

	assert.Equal(t, 1, (<-a).Pending)
	assert.Equal(t, 1, (<-c).Pending)
}

func TestBroadcaster_SlowSubscriberKeepsLatest(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())
	for i := 1; i <= subscriberBufferSize+5; i++ {
		b.Publish(View{Pending: i})
	}

	var last View
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, subscriberBufferSize+5, last.Pending)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(context.Background())
	b.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(id)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	for range ch {
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	require.Empty(t, b.subscribers)
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Close()

	ch, _ := b.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok)
}
