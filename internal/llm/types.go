package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	JobID       string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	Seed        int
}

// Chunk represents streamed model output.
type Chunk struct {
	JobID            string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs gen and concatenates every chunk into one string.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var out []byte
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		out = append(out, chunk.Content...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
