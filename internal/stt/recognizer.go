package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
)

// Recognizer abstracts STT backends. Implementations return
// *domain.TransientBackendError for retryable failures and
// *domain.FatalProcessingError for content they cannot handle.
type Recognizer interface {
	Transcribe(ctx context.Context, in domain.Audio) (domain.Transcript, error)
	Name() string
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(SpeechConfigFrom(cfg)), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// SpeechConfigFrom converts stt settings into energy detection parameters.
func SpeechConfigFrom(cfg config.STTConfig) audio.SpeechConfig {
	sc := audio.DefaultSpeechConfig()
	if cfg.SilenceThreshold > 0 {
		sc.SilenceThreshold = cfg.SilenceThreshold
	}
	if cfg.MinSilenceMS > 0 {
		sc.MinSilence = float64(cfg.MinSilenceMS) / 1000
	}
	if cfg.MinSpeechMS > 0 {
		sc.MinSpeech = float64(cfg.MinSpeechMS) / 1000
	}
	if cfg.MaxSegmentMS > 0 {
		sc.MaxBlock = float64(cfg.MaxSegmentMS) / 1000
	}
	return sc
}

func checkSegments(backend string, tr domain.Transcript) (domain.Transcript, error) {
	if err := domain.ValidateSegments(tr.Segments); err != nil {
		return domain.Transcript{}, domain.Fatal("transcribe", fmt.Errorf("%s returned malformed segments: %w", backend, err))
	}
	return tr, nil
}
