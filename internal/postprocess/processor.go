// Package postprocess derives summary, highlights, speaker shares and the
// accent annotation from a finished transcript. Every step is a pure
// function of its input so re-running on the same transcript yields the
// same result.
package postprocess

import (
	"context"
	"fmt"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/llm"
)

// NoSpeechSummary is the summary reported for transcripts without speech.
const NoSpeechSummary = "No speech detected."

// Derived holds the post-processing output for one transcript.
type Derived struct {
	Segments   []domain.Segment
	Summary    string
	Highlights []string
	Speakers   []domain.SpeakerShare
	Accent     string
}

// Summarizer turns a transcript into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, tr domain.Transcript) (string, error)
}

// Processor runs the post-processing stage.
type Processor struct {
	summarizer    Summarizer
	maxHighlights int
}

func NewProcessor(summarizer Summarizer, maxHighlights int) *Processor {
	return &Processor{summarizer: summarizer, maxHighlights: maxHighlights}
}

// FromConfig wires the summarizer selected by cfg.Mode.
func FromConfig(cfg config.SummarizerConfig, llmCfg config.LLMConfig) (*Processor, error) {
	var summarizer Summarizer
	switch cfg.Mode {
	case "", "extractive":
		summarizer = NewExtractiveSummarizer(cfg.MaxSummarySentences)
	case "llm":
		gen, err := llm.New(llmCfg)
		if err != nil {
			return nil, err
		}
		summarizer = NewLLMSummarizer(gen, llmCfg, cfg.MaxSummarySentences)
	default:
		return nil, fmt.Errorf("unknown summarizer mode %q", cfg.Mode)
	}
	return NewProcessor(summarizer, cfg.MaxHighlights), nil
}

// Process derives every post-processing field from tr. The input is not modified.
func (p *Processor) Process(ctx context.Context, tr domain.Transcript) (Derived, error) {
	segments := AssignSpeakers(tr.Segments)
	if tr.Empty() {
		return Derived{
			Segments:   segments,
			Summary:    NoSpeechSummary,
			Highlights: []string{},
			Speakers:   []domain.SpeakerShare{},
			Accent:     Accent(tr, nil),
		}, nil
	}

	labelled := tr
	labelled.Segments = segments
	summary, err := p.summarizer.Summarize(ctx, labelled)
	if err != nil {
		return Derived{}, fmt.Errorf("summarize: %w", err)
	}
	speakers := SpeakerAccents(labelled, SpeakerShares(segments))
	return Derived{
		Segments:   segments,
		Summary:    summary,
		Highlights: Highlights(labelled, p.maxHighlights),
		Speakers:   speakers,
		Accent:     Accent(labelled, speakers),
	}, nil
}
