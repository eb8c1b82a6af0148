package events

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/umputun/comment-gate/lib/submission"
)

// Console prints events as human-readable lines. Remote and accepted comments are shown
// as a chat log, rejected ones are marked as spam and never look like published messages.
type Console struct {
	out io.Writer
	mu  sync.Mutex

	local, remote, spam, failed, info *color.Color
}

// NewConsole makes a console renderer writing to out, colorized unless noColor is set
func NewConsole(out io.Writer, noColor bool) *Console {
	res := &Console{
		out:    out,
		local:  color.New(color.FgGreen),
		remote: color.New(color.FgCyan),
		spam:   color.New(color.FgRed),
		failed: color.New(color.FgHiRed),
		info:   color.New(color.FgWhite),
	}
	for _, c := range []*color.Color{res.local, res.remote, res.spam, res.failed, res.info} {
		if noColor {
			c.DisableColor()
			continue
		}
		c.EnableColor()
	}
	return res
}

// Render prints a line for the event, idle events are silent
func (c *Console) Render(ev submission.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case submission.EventProcessing:
		_, _ = c.info.Fprintf(c.out, "... checking %q\n", oneLine(ev.Text))
	case submission.EventAccepted:
		_, _ = c.local.Fprintf(c.out, "%s\n", formatMessage(ev))
	case submission.EventRemote:
		_, _ = c.remote.Fprintf(c.out, "%s\n", formatMessage(ev))
	case submission.EventRejected:
		_, _ = c.spam.Fprintf(c.out, "[spam %.2f] %s\n", ev.Result.Spam, formatMessage(ev))
	case submission.EventFailed:
		_, _ = c.failed.Fprintf(c.out, "can't check %q: %v\n", oneLine(ev.Text), ev.Err)
	}
}

func formatMessage(ev submission.Event) string {
	return fmt.Sprintf("%s %s: %s", ev.Message.Timestamp, ev.Message.Username, oneLine(ev.Message.Comment))
}

func oneLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
