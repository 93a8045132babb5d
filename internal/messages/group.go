// ABOUTME: Groups the timeline into display bubbles and renders bubble text as HTML
// ABOUTME: Only adjacent plain-text messages from the same originator share a bubble

package messages

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// Bubble is a run of messages displayed together.
type Bubble struct {
	Kind         Kind
	OriginatorID string
	Role         string
	Messages     []Message
}

// Lines returns the display text of each message in the bubble.
func (b Bubble) Lines() []string {
	lines := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		lines[i] = m.Text
	}
	return lines
}

// HTML renders each line as markdown, one block per message.
func (b Bubble) HTML() (string, error) {
	var buf bytes.Buffer
	for _, m := range b.Messages {
		if err := goldmark.Convert([]byte(m.Text), &buf); err != nil {
			return "", fmt.Errorf("rendering %s: %w", m.UID, err)
		}
	}
	return buf.String(), nil
}

// Group merges adjacent text messages with the same originator. It does not modify
// msgs and returns the same grouping for the same input.
func Group(msgs []Message) []Bubble {
	var out []Bubble
	for _, m := range msgs {
		if n := len(out); n > 0 && mergeable(out[n-1], m) {
			out[n-1].Messages = append(out[n-1].Messages, m)
			continue
		}
		out = append(out, Bubble{
			Kind:         m.Kind,
			OriginatorID: m.OriginatorID,
			Role:         m.Role,
			Messages:     []Message{m},
		})
	}
	return out
}

func mergeable(b Bubble, m Message) bool {
	return b.Kind == KindText && m.Kind == KindText && b.OriginatorID == m.OriginatorID
}
