package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus tracks each pipeline stage for a single transcription job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusSummarizing  JobStatus = "summarizing"
	JobStatusDone         JobStatus = "done"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusTranscribing, JobStatusSummarizing,
		JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidTransition enforces the job state machine edges.
func ValidTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusTranscribing || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusTranscribing:
		return to == JobStatusSummarizing || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusSummarizing:
		return to == JobStatusDone || to == JobStatusFailed || to == JobStatusCancelled
	default:
		return false
	}
}

// Audio references a persisted audio payload.
type Audio struct {
	Path     string        `json:"path"`
	MimeType string        `json:"mime_type"`
	Filename string        `json:"filename,omitempty"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Job stores the identity and lifecycle of one transcription request.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Audio     Audio     `json:"audio"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// FinishedAt is set when the job reaches a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Segment is a time-bounded, optionally speaker-attributed slice of transcript text.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Accent  string  `json:"accent,omitempty"`
	Text    string  `json:"text"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Transcript is the ordered recognizer output for one job.
type Transcript struct {
	Segments   []Segment     `json:"segments"`
	Language   string        `json:"language,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Text joins segment text with single spaces.
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Empty reports whether the transcript carries no spoken text.
func (t Transcript) Empty() bool {
	return t.Text() == ""
}

// ValidateSegments checks that segments are time-ordered and non-overlapping.
func ValidateSegments(segments []Segment) error {
	prevEnd := 0.0
	for i, seg := range segments {
		if seg.Start < 0 || seg.End < seg.Start {
			return fmt.Errorf("segment %d has invalid bounds [%.3f, %.3f]", i, seg.Start, seg.End)
		}
		if i > 0 && seg.Start < prevEnd {
			return fmt.Errorf("segment %d starts at %.3f before previous end %.3f", i, seg.Start, prevEnd)
		}
		prevEnd = seg.End
	}
	return nil
}

// SpeakerShare is the proportion of speech attributed to one speaker.
type SpeakerShare struct {
	Label      string `json:"label"`
	Percentage int    `json:"percentage"`
	Accent     string `json:"accent,omitempty"`
}

// Result is the finished artifact for a job.
type Result struct {
	JobID      string         `json:"job_id"`
	Transcript Transcript     `json:"transcript"`
	Summary    string         `json:"summary"`
	Highlights []string       `json:"highlights"`
	Speakers   []SpeakerShare `json:"speakers"`
	Accent     string         `json:"accent"`
	// Complete is false when only the transcript survived a post-processing failure.
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}
