// Package render provides terminal output formatting for the chat client
// and the prefs commands.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/protocol"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
}

// New creates a new renderer. pretty false produces plain, pipe-friendly
// output with no color codes.
func New(pretty bool) *Renderer {
	if !pretty {
		color.NoColor = true
	}
	return &Renderer{pretty: pretty}
}

// Assistant formats assistant output by kind.
func (r *Renderer) Assistant(p *protocol.AssistantOutputPayload) string {
	switch p.Kind {
	case protocol.OutputQuestion:
		return color.YellowString("? ") + p.Text + "\n"
	case protocol.OutputPlan:
		return r.plan(p)
	case protocol.OutputSummary:
		var sb strings.Builder
		sb.WriteString(color.GreenString("Summary\n"))
		if r.pretty {
			sb.WriteString(strings.Repeat("-", 40) + "\n")
		}
		sb.WriteString(p.Text + "\n")
		return sb.String()
	default:
		return p.Text + "\n"
	}
}

func (r *Renderer) plan(p *protocol.AssistantOutputPayload) string {
	var sb strings.Builder
	sb.WriteString(color.CyanString("Plan: ") + p.Text + "\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, s.Title)
	}
	if r.pretty {
		sb.WriteString(color.HiBlackString("(reply 'ok' to run, or describe changes)\n"))
	}
	return sb.String()
}

// Chunk formats streamed command output. Stderr lines go red so failures
// stand out in interleaved output.
func (r *Renderer) Chunk(p *protocol.CommandOutputChunkPayload) string {
	if p.Stream == "stderr" {
		return color.RedString(p.Data)
	}
	return p.Data
}

// Result formats the terminal status of a command.
func (r *Renderer) Result(p *protocol.CommandResultPayload) string {
	dur := FormatDuration(time.Duration(p.DurationMs) * time.Millisecond)

	switch p.Status {
	case protocol.StatusSucceeded:
		return fmt.Sprintf("%s done (%s)\n", color.GreenString("✓"), dur)
	case protocol.StatusTimedOut:
		return fmt.Sprintf("%s timed out (%s)\n", color.RedString("✗"), dur)
	case protocol.StatusCancelled:
		return fmt.Sprintf("%s cancelled (%s)\n", color.YellowString("○"), dur)
	default:
		msg := fmt.Sprintf("exit %d", p.ExitCode)
		if p.Error != "" {
			msg = p.Error
		}
		return fmt.Sprintf("%s failed: %s (%s)\n", color.RedString("✗"), msg, dur)
	}
}

// Event formats a session lifecycle event as a dim one-liner.
func (r *Renderer) Event(p *protocol.SessionEventPayload) string {
	var sb strings.Builder
	sb.WriteString(p.Event)
	if p.Phase != "" {
		sb.WriteString(" → " + p.Phase)
	}
	if p.Reason != "" {
		sb.WriteString(" (" + p.Reason + ")")
	}
	if r.pretty {
		return color.HiBlackString("· "+sb.String()) + "\n"
	}
	return "[" + sb.String() + "]\n"
}

// Error formats a protocol error.
func (r *Renderer) Error(p *protocol.ErrorPayload) string {
	prefix := "error"
	if p.Fatal {
		prefix = "fatal"
	}
	return color.RedString("%s: %s: %s", prefix, p.Code, p.Message) + "\n"
}

// Facts formats the preference facts of an account.
func (r *Renderer) Facts(facts []prefs.Fact) string {
	if len(facts) == 0 {
		return "No preferences stored\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Preferences\n"))
		sb.WriteString(strings.Repeat("-", 60) + "\n")
	}

	for _, f := range facts {
		conf := fmt.Sprintf("%.2f", f.Confidence)
		if r.pretty {
			fmt.Fprintf(&sb, "  %-28s %s  %s\n", f.Key, f.Value, color.HiBlackString(conf))
		} else {
			fmt.Fprintf(&sb, "%s\t%s\t%s\n", f.Key, f.Value, conf)
		}
	}
	return sb.String()
}

// History formats the write history of one preference key, newest first.
func (r *Renderer) History(key string, facts []prefs.Fact) string {
	if len(facts) == 0 {
		return "No history for " + key + "\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("History: "+key) + "\n")
		sb.WriteString(strings.Repeat("-", 60) + "\n")
	}

	for _, f := range facts {
		ts := f.UpdatedAt.Format("2006-01-02 15:04:05")
		if r.pretty {
			fmt.Fprintf(&sb, "  %s  %-20s %s\n", color.HiBlackString(ts), f.Value, f.SourceSession)
		} else {
			fmt.Fprintf(&sb, "%s\t%s\t%s\n", ts, f.Value, f.SourceSession)
		}
	}
	return sb.String()
}

// Status formats the executor status line for `aide status`.
func (r *Renderer) Status(addr string, reachable bool, runtime string) string {
	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("aide status\n"))
		sb.WriteString(strings.Repeat("-", 40) + "\n")
		if reachable {
			fmt.Fprintf(&sb, "  Executor: %s\n", color.GreenString("up"))
		} else {
			fmt.Fprintf(&sb, "  Executor: %s\n", color.RedString("down"))
		}
		fmt.Fprintf(&sb, "  Address:  %s\n", addr)
		fmt.Fprintf(&sb, "  Runtime:  %s\n", runtime)
	} else {
		fmt.Fprintf(&sb, "executor=%v addr=%s runtime=%s\n", reachable, addr, runtime)
	}
	return sb.String()
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
