package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// clipRow is the subset of a clip the list command prints.
type clipRow struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	TriggerType     string     `json:"trigger_type"`
	ClipIndex       int        `json:"clip_index"`
	SizeBytes       int64      `json:"size_bytes"`
	CreatedAt       time.Time  `json:"created_at"`
	TriggeredBy     []string   `json:"triggered_by"`
	Uploaded        bool       `json:"uploaded"`
	UploadAttempts  int        `json:"upload_attempts"`
	NextAttemptAt   *time.Time `json:"next_upload_attempt_at"`
	LastUploadError string     `json:"last_upload_error"`
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeClipRows(w io.Writer, clips []clipRow) {
	for _, c := range clips {
		state := colorize(colorGreen, "uploaded")
		if !c.Uploaded {
			state = colorize(colorYellow, "pending")
			if c.UploadAttempts > 0 {
				state = colorize(colorRed, fmt.Sprintf("retry %d", c.UploadAttempts))
			}
		}
		triggers := strings.Join(c.TriggeredBy, ",")
		if triggers == "" {
			triggers = "-"
		}
		fmt.Fprintf(w, "%s  %s  #%-3d %-9s %-8s %7s  %s  %s\n",
			colorize(colorCyan, shortID(c.ID)),
			c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			c.ClipIndex,
			c.TriggerType,
			shortID(c.SessionID),
			humanBytes(c.SizeBytes),
			state,
			triggers,
		)
		if !c.Uploaded && c.LastUploadError != "" {
			fmt.Fprintf(w, "          last error: %s\n", c.LastUploadError)
		}
	}
}

type sessionRow struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Remote    bool       `json:"remote"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at"`
}

func writeSessionRows(w io.Writer, rows []sessionRow) {
	for _, s := range rows {
		state := s.Status
		switch s.Status {
		case "active":
			state = colorize(colorGreen, s.Status)
		case "failed", "aborted":
			state = colorize(colorRed, s.Status)
		}
		mode := "local"
		if s.Remote {
			mode = "remote"
		}
		dur := "-"
		if s.StoppedAt != nil {
			dur = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %-6s %-8s %s\n",
			colorize(colorCyan, s.ID),
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			mode,
			dur,
			state,
		)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
