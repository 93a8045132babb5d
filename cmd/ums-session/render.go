// ABOUTME: Terminal rendering of session views with lipgloss styles
// ABOUTME: Prints only what changed since the previous view

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/messages"
	"github.com/2389/ums-session/internal/protocol"
	"github.com/2389/ums-session/internal/session"
)

var (
	consumerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)
)

// printer renders successive views incrementally.
type printer struct {
	out      io.Writer
	seen     map[string]string // uid -> rendered signature
	state    connection.State
	convID   string
	typing   bool
	visible  bool
	cobrowse string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]string)}
}

func (p *printer) Print(v session.View) {
	if v.Connection != p.state {
		p.state = v.Connection
		fmt.Fprintln(p.out, statusStyle.Render("connection: "+string(v.Connection)))
	}
	if v.Conversation.ID != p.convID {
		p.convID = v.Conversation.ID
		if v.Conversation.ID == "" {
			fmt.Fprintln(p.out, bannerStyle.Render("conversation closed"))
		} else {
			fmt.Fprintln(p.out, bannerStyle.Render("conversation "+v.Conversation.ID))
		}
	}
	if v.Visible && !p.visible {
		fmt.Fprintln(p.out, statusStyle.Render("history loaded"))
	}
	p.visible = v.Visible

	names := make(map[string]string, len(v.Participants))
	for _, part := range v.Participants {
		names[part.ID] = part.Profile.Nickname
	}

	for _, m := range v.Messages {
		sig := signature(m)
		prev, ok := p.seen[m.UID]
		if ok && prev == sig {
			continue
		}
		p.seen[m.UID] = sig
		if ok {
			fmt.Fprintln(p.out, statusStyle.Render(fmt.Sprintf("  %s: %s", m.UID, update(m))))
			continue
		}
		fmt.Fprintln(p.out, line(m, names))
	}

	if v.Typing != p.typing {
		p.typing = v.Typing
		if v.Typing {
			fmt.Fprintln(p.out, statusStyle.Render("agent is typing..."))
		}
	}

	cb := ""
	if v.Cobrowse != nil {
		cb = fmt.Sprintf("%s/%s/%t/%t", v.Cobrowse.ServiceID, v.Cobrowse.Mode, v.Cobrowse.Accepted, v.Cobrowse.Expired)
	}
	if cb != p.cobrowse {
		p.cobrowse = cb
		if v.Cobrowse != nil && !v.Cobrowse.Accepted && !v.Cobrowse.Expired {
			fmt.Fprintln(p.out, noticeStyle.Render(fmt.Sprintf(
				"co-browse %s offered until %s (/accept or /reject)",
				v.Cobrowse.Mode, v.Cobrowse.Expires.Format("15:04:05"))))
		}
	}
}

func signature(m messages.Message) string {
	return fmt.Sprintf("%s|%t|%t|%t", m.Status, m.Form.Submitted, m.Form.Expired, m.Cobrowse.Expired)
}

func update(m messages.Message) string {
	switch {
	case m.Kind == messages.KindSecureForm && m.Form.Submitted:
		return "form submitted"
	case m.Kind == messages.KindSecureForm && m.Form.Expired:
		return "form expired"
	case m.Kind == messages.KindCobrowse && m.Cobrowse.Expired:
		return "co-browse offer expired"
	default:
		return strings.ToLower(m.Status)
	}
}

func line(m messages.Message, names map[string]string) string {
	who := names[m.OriginatorID]
	style := agentStyle
	if m.Role == protocol.RoleConsumer {
		who = "You"
		style = consumerStyle
	}
	if who == "" {
		who = "Agent"
	}

	var body string
	switch m.Kind {
	case messages.KindText:
		body = m.Text
	case messages.KindRich:
		body = "[rich content]"
	case messages.KindFile:
		body = fmt.Sprintf("[file %s] %s", m.File.FileType, m.File.RelativePath)
		if m.File.Caption != "" {
			body += " " + m.File.Caption
		}
	case messages.KindSecureForm:
		body = noticeStyle.Render(fmt.Sprintf("[secure form] %s %s", m.Form.Title, m.Form.URL))
	case messages.KindCobrowse:
		body = noticeStyle.Render(fmt.Sprintf("[co-browse %s] %s", m.Cobrowse.Mode, m.Cobrowse.Action))
	default:
		body = string(m.Kind)
	}
	return style.Render(who+":") + " " + body
}
