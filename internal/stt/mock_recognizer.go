package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/domain"
)

// mockRecognizer emits one placeholder segment per region of sound in a WAV
// file. Other containers yield an empty transcript. It lets the pipeline run
// end to end without a model.
type mockRecognizer struct {
	speech audio.SpeechConfig
}

func NewMockRecognizer(speech audio.SpeechConfig) Recognizer {
	return &mockRecognizer{speech: speech}
}

func (m *mockRecognizer) Name() string { return "mock" }

func (m *mockRecognizer) Transcribe(ctx context.Context, in domain.Audio) (domain.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transcript{}, err
	}
	pcm, err := audio.DecodeMono(in.Path)
	if err != nil {
		if errors.Is(err, audio.ErrNotWAV) {
			// compressed formats such as browser recordings are accepted but
			// not decoded; they produce an empty transcript instead of failing
			return domain.Transcript{Language: "en", Duration: in.Duration}, nil
		}
		return domain.Transcript{}, domain.Fatal("transcribe", err)
	}

	blocks := audio.DetectSpeech(pcm, m.speech)
	tr := domain.Transcript{
		Language: "en",
		Duration: time.Duration(pcm.Duration() * float64(time.Second)),
	}
	if len(blocks) > 0 {
		tr.Confidence = 1
	}
	for i, b := range blocks {
		tr.Segments = append(tr.Segments, domain.Segment{
			Start: b.Start,
			End:   b.End,
			Text:  fmt.Sprintf("Speech segment %d lasted %.1f seconds.", i+1, b.End-b.Start),
		})
	}
	return checkSegments(m.Name(), tr)
}
