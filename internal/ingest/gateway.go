// Package ingest validates uploaded audio and hands accepted payloads to the
// orchestrator.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
)

// Upload is one audio payload as received from a client.
type Upload struct {
	Reader   io.Reader
	MimeType string
	Filename string
	// Size is the declared length, or -1 when unknown.
	Size int64
}

// Submitter queues accepted audio for processing.
type Submitter interface {
	Submit(ctx context.Context, id string, in domain.Audio) (domain.Job, error)
}

// Gateway is the ingestion entry point.
type Gateway struct {
	cfg       config.IngestConfig
	dir       string
	allowed   map[string]struct{}
	submitter Submitter
	log       *slog.Logger
	newID     func() string
}

func NewGateway(cfg config.IngestConfig, submitter Submitter, log *slog.Logger) (*Gateway, error) {
	dir := filepath.Join(cfg.DataDir, "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[audio.NormalizeMimeType(m)] = struct{}{}
	}
	return &Gateway{
		cfg:       cfg,
		dir:       dir,
		allowed:   allowed,
		submitter: submitter,
		log:       log.With(slog.String("component", "ingest")),
		newID:     uuid.NewString,
	}, nil
}

// Accept validates up, stores the payload and submits a job. Rejected
// payloads leave no file behind and create no job.
func (g *Gateway) Accept(ctx context.Context, up Upload) (domain.Job, error) {
	mimeType := audio.NormalizeMimeType(up.MimeType)
	if mimeType == "" {
		return domain.Job{}, &domain.ValidationError{Field: "mime_type", Message: "content type is required", Unsupported: true}
	}
	if _, ok := g.allowed[mimeType]; !ok {
		return domain.Job{}, &domain.ValidationError{Field: "mime_type", Message: fmt.Sprintf("%s is not supported", mimeType), Unsupported: true}
	}
	if up.Size > g.cfg.MaxBytes {
		return domain.Job{}, tooLarge(g.cfg.MaxBytes)
	}
	if up.Reader == nil || up.Size == 0 {
		return domain.Job{}, &domain.ValidationError{Field: "audio", Message: "payload is empty"}
	}

	id := g.newID()
	path := filepath.Join(g.dir, id+audio.Extension(mimeType))
	size, err := g.write(path+".part", up.Reader)
	if err != nil {
		return domain.Job{}, err
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(path + ".part")
			_ = os.Remove(path)
		}
	}()

	var duration time.Duration
	if g.cfg.SniffContent {
		ok, detected, err := audio.Compatible(path+".part", mimeType)
		if err != nil {
			return domain.Job{}, fmt.Errorf("sniff upload: %w", err)
		}
		if !ok {
			return domain.Job{}, &domain.ValidationError{
				Field:       "audio",
				Message:     fmt.Sprintf("content looks like %s, not %s", detected, mimeType),
				Unsupported: true,
			}
		}
	}
	if mimeType == audio.MimeWAV {
		info, err := audio.Probe(path + ".part")
		if err != nil {
			return domain.Job{}, &domain.ValidationError{Field: "audio", Message: err.Error(), Unsupported: true}
		}
		duration = info.Duration
	}

	if err := os.Rename(path+".part", path); err != nil {
		return domain.Job{}, fmt.Errorf("store upload: %w", err)
	}

	job, err := g.submitter.Submit(ctx, id, domain.Audio{
		Path:     path,
		MimeType: mimeType,
		Filename: filepath.Base(up.Filename),
		Size:     size,
		Duration: duration,
	})
	if err != nil {
		return domain.Job{}, err
	}
	keep = true
	g.log.Info("audio accepted",
		slog.String("job_id", job.ID),
		slog.String("mime_type", mimeType),
		slog.Int64("bytes", size))
	return job, nil
}

// write copies r to path, enforcing the size ceiling while streaming.
func (g *Gateway) write(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create upload file: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, g.cfg.MaxBytes+1))
	closeErr := f.Close()

	var fail error
	switch {
	case copyErr != nil:
		var maxErr *http.MaxBytesError
		if errors.As(copyErr, &maxErr) {
			fail = tooLarge(g.cfg.MaxBytes)
		} else {
			fail = fmt.Errorf("read upload: %w", copyErr)
		}
	case closeErr != nil:
		fail = fmt.Errorf("write upload: %w", closeErr)
	case n > g.cfg.MaxBytes:
		fail = tooLarge(g.cfg.MaxBytes)
	case n == 0:
		fail = &domain.ValidationError{Field: "audio", Message: "payload is empty"}
	}
	if fail != nil {
		_ = os.Remove(path)
		return 0, fail
	}
	return n, nil
}

func tooLarge(limit int64) error {
	return &domain.ValidationError{
		Field:    "audio",
		Message:  fmt.Sprintf("payload exceeds %d bytes", limit),
		TooLarge: true,
	}
}
