package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/mattn/go-shellwords"
)

// exitUnsupported (EX_DATAERR) tells the pipeline the audio cannot be processed.
const exitUnsupported = 65

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	// sem serialises model processes while still honouring cancellation.
	sem chan struct{}
}

type execSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Accent  string  `json:"accent,omitempty"`
}

type execResult struct {
	Language   string        `json:"language"`
	Confidence float64       `json:"confidence"`
	Duration   float64       `json:"duration"`
	Segments   []execSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, sem: make(chan struct{}, 1)}, nil
}

func (r *execRecognizer) Name() string { return "exec" }

func (r *execRecognizer) Transcribe(ctx context.Context, in domain.Audio) (domain.Transcript, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Transcript{}, ctx.Err()
	}
	defer func() { <-r.sem }()

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", in.Path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Transcript{}, ctxErr
		}
		detail := fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitUnsupported {
			return domain.Transcript{}, domain.Fatal("transcribe", detail)
		}
		return domain.Transcript{}, domain.Transient(r.Name(), detail)
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return domain.Transcript{}, domain.Transient(r.Name(), fmt.Errorf("decode stt response: %w", err))
	}
	tr := domain.Transcript{
		Language:   resp.Language,
		Confidence: resp.Confidence,
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}
	for _, s := range resp.Segments {
		tr.Segments = append(tr.Segments, domain.Segment{
			Start:   s.Start,
			End:     s.End,
			Speaker: s.Speaker,
			Accent:  strings.TrimSpace(s.Accent),
			Text:    strings.TrimSpace(s.Text),
		})
	}
	return checkSegments(r.Name(), tr)
}
