package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/live"
)

const prompt = "> "

func renderTimeline(w io.Writer, sess *domain.Session, owner string, entries []live.Entry, awaiting bool, notice string) {
	title := string(sess.Kind)
	if sess.Topic != "" {
		title += ": " + sess.Topic
	}
	fmt.Fprintf(w, "== %s ==  (/more older, /end finish, /quit leave)\n\n", title)

	for _, e := range entries {
		fmt.Fprintln(w, formatEntry(e, owner))
	}
	if awaiting {
		fmt.Fprintln(w, "   ... opponent is typing")
	}
	if notice != "" {
		fmt.Fprintf(w, "\n[%s]\n", notice)
	}
	fmt.Fprint(w, "\n"+prompt)
}

func formatEntry(e live.Entry, owner string) string {
	m := e.Message
	stamp := m.CreatedAt.Local().Format("15:04")
	var b strings.Builder
	switch m.SenderRole {
	case domain.RoleSystem:
		fmt.Fprintf(&b, "-- %s --", m.Content)
		return b.String()
	case domain.RoleAI:
		fmt.Fprintf(&b, "%s  opponent: %s", stamp, m.Content)
	default:
		who := "user"
		if m.SenderID != nil && *m.SenderID == owner {
			who = "you"
		}
		fmt.Fprintf(&b, "%s  %s: %s", stamp, who, m.Content)
	}
	if e.State == live.StatePending {
		b.WriteString("  (sending)")
	}
	return b.String()
}
