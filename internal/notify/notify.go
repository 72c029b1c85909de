// Package notify composes the change notification for a sync that found
// additions or removals.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("notify")

const (
	ToneFriendly = "friendly"
	ToneDirect   = "direct"
)

// Summarizer writes a free-form summary of a change set.
type Summarizer interface {
	Summarize(ctx context.Context, added, removed []types.ScheduleEvent, tone string) (string, error)
}

// Message is a composed notification.
type Message struct {
	Subject string
	Body    string
	// Summarized is false when the body came from the fallback template.
	Summarized bool
}

// Links are rendered in the footer of every message.
type Links struct {
	OfficialSchedule string
	Dashboard        string
}

// Composer builds messages. A nil summarizer always uses the template.
type Composer struct {
	summarizer Summarizer
	tone       string
	timeout    time.Duration
	links      Links
	loc        *time.Location
}

// NewComposer returns a Composer. Unknown tones fall back to friendly.
func NewComposer(s Summarizer, tone string, timeout time.Duration, links Links, loc *time.Location) *Composer {
	if tone != ToneDirect {
		tone = ToneFriendly
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{summarizer: s, tone: tone, timeout: timeout, links: links, loc: loc}
}

// Compose never fails: summarizer errors and timeouts degrade to the template.
func (c *Composer) Compose(ctx context.Context, added, removed []types.ScheduleEvent) Message {
	msg := Message{Subject: fmt.Sprintf("[Schedule] %d changes", len(added)+len(removed))}

	body := ""
	if c.summarizer != nil {
		sctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		text, err := c.summarizer.Summarize(sctx, added, removed, c.tone)
		switch {
		case err != nil:
			log.Warn("summarizer failed, using template", "error", err)
		case strings.TrimSpace(text) == "":
			log.Warn("summarizer returned empty text, using template")
		default:
			body = strings.TrimSpace(text)
			msg.Summarized = true
		}
	}
	if body == "" {
		body = Template(added, removed, c.loc)
	}

	msg.Body = body + c.footer()
	return msg
}

func (c *Composer) footer() string {
	if c.links.OfficialSchedule == "" && c.links.Dashboard == "" {
		return "\n"
	}
	var b strings.Builder
	b.WriteString("\n\n---\n")
	if c.links.OfficialSchedule != "" {
		fmt.Fprintf(&b, "Official schedule: %s\n", c.links.OfficialSchedule)
	}
	if c.links.Dashboard != "" {
		fmt.Fprintf(&b, "Dashboard: %s\n", c.links.Dashboard)
	}
	return b.String()
}

// Template is the deterministic body used when no summary is available.
func Template(added, removed []types.ScheduleEvent, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Your timetable changed.\n")
	if len(added) > 0 {
		b.WriteString("\nNew sessions:\n")
		for _, e := range added {
			b.WriteString(FormatEvent(e, loc) + "\n")
		}
	}
	if len(removed) > 0 {
		b.WriteString("\nCancelled sessions:\n")
		for _, e := range removed {
			b.WriteString(FormatEvent(e, loc) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatEvent renders one session as a list line.
func FormatEvent(e types.ScheduleEvent, loc *time.Location) string {
	start := e.StartsAt.In(loc)
	return fmt.Sprintf("- %s (room %s) at %s on %s", e.SubjectName, e.Room, start.Format("15:04"), start.Format("Mon 02/01"))
}
