// Package report renders job results as plain text for download and copy.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/whisperlens/internal/domain"
)

const rule = "========================================"

// Metadata describes the report header.
type Metadata struct {
	Filename  string
	Generated time.Time
}

// Filename returns the download name for a report generated at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("WhisperLens-%d.txt", t.UnixMilli())
}

// Render produces the full text report for res.
func Render(meta Metadata, res domain.Result) string {
	var b strings.Builder
	b.WriteString("WHISPERLENS TRANSCRIPTION REPORT\n")
	fmt.Fprintf(&b, "Generated: %s\n", meta.Generated.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "File: %s\n", meta.Filename)
	if !res.Complete {
		b.WriteString("Status: post-processing did not complete; only the transcript is available\n")
	}

	section(&b, "FULL TRANSCRIPT", TranscriptText(res.Transcript))
	section(&b, "CLEAN SUMMARY", res.Summary)

	speakers := make([]string, 0, len(res.Speakers))
	for _, s := range res.Speakers {
		if s.Accent != "" {
			speakers = append(speakers, fmt.Sprintf("%s (Detected accent: %s): %d%%", s.Label, s.Accent, s.Percentage))
			continue
		}
		speakers = append(speakers, fmt.Sprintf("%s: %d%%", s.Label, s.Percentage))
	}
	section(&b, "SPEAKERS DETECTED", strings.Join(speakers, "\n"))
	section(&b, "KEY HIGHLIGHTS", Highlights(res.Highlights))
	section(&b, "ACCENT ANALYSIS", res.Accent)
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "\n%s\n%s\n%s\n%s\n", rule, title, rule, body)
}

// TranscriptText formats segments one per line as "[mm:ss] Speaker: text".
func TranscriptText(tr domain.Transcript) string {
	lines := make([]string, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		speaker := ""
		if s.Speaker != "" {
			speaker = s.Speaker + ": "
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s", timestamp(s.Start), speaker, text))
	}
	return strings.Join(lines, "\n")
}

// Highlights formats highlights as bullet lines.
func Highlights(items []string) string {
	lines := make([]string, 0, len(items))
	for _, h := range items {
		lines = append(lines, "• "+h)
	}
	return strings.Join(lines, "\n")
}

func timestamp(sec float64) string {
	d := time.Duration(sec*1000) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
