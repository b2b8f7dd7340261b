package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
)

// openAIRecognizer talks to any OpenAI-compatible /audio/transcriptions endpoint.
type openAIRecognizer struct {
	endpoint string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

type openAISegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type openAIResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Duration float64         `json:"duration"`
	Segments []openAISegment `json:"segments"`
}

func NewOpenAIRecognizer(cfg config.STTConfig) Recognizer {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if !strings.HasSuffix(endpoint, "/audio/transcriptions") {
		endpoint += "/audio/transcriptions"
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &openAIRecognizer{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		language: cfg.Language,
		client:   &http.Client{},
	}
}

func (o *openAIRecognizer) Name() string { return "openai" }

func (o *openAIRecognizer) Transcribe(ctx context.Context, in domain.Audio) (domain.Transcript, error) {
	file, err := os.Open(in.Path)
	if err != nil {
		return domain.Transcript{}, domain.Fatal("transcribe", fmt.Errorf("open audio: %w", err))
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	name := in.Filename
	if name == "" {
		name = filepath.Base(in.Path)
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return domain.Transcript{}, fmt.Errorf("copy audio to form: %w", err)
	}
	_ = writer.WriteField("model", o.model)
	_ = writer.WriteField("response_format", "verbose_json")
	if o.language != "" {
		_ = writer.WriteField("language", o.language)
	}
	if err := writer.Close(); err != nil {
		return domain.Transcript{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, body)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Transcript{}, ctxErr
		}
		return domain.Transcript{}, domain.Transient(o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if retryableStatus(resp.StatusCode) {
			return domain.Transcript{}, domain.Transient(o.Name(), apiErr)
		}
		return domain.Transcript{}, domain.Fatal("transcribe", apiErr)
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Transcript{}, ctxErr
		}
		return domain.Transcript{}, domain.Transient(o.Name(), fmt.Errorf("decode response: %w", err))
	}
	return checkSegments(o.Name(), parsed.transcript())
}

func (r openAIResponse) transcript() domain.Transcript {
	tr := domain.Transcript{
		Language: r.Language,
		Duration: time.Duration(r.Duration * float64(time.Second)),
	}
	if len(r.Segments) == 0 {
		if text := strings.TrimSpace(r.Text); text != "" {
			tr.Segments = []domain.Segment{{Start: 0, End: r.Duration, Text: text}}
		}
		return tr
	}
	var confidence float64
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, domain.Segment{Start: s.Start, End: s.End, Text: text})
		confidence += math.Exp(s.AvgLogprob)
	}
	if n := len(tr.Segments); n > 0 {
		tr.Confidence = confidence / float64(n)
	}
	return tr
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
