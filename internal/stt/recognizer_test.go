package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/audio/audiotest"
	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
)

func writeClip(t *testing.T, samples []float64) domain.Audio {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audiotest.WriteWAV(path, samples, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return domain.Audio{Path: path, MimeType: audio.MimeWAV, Filename: "clip.wav"}
}

func TestMockRecognizerSilence(t *testing.T) {
	rec := NewMockRecognizer(audio.DefaultSpeechConfig())
	tr, err := rec.Transcribe(context.Background(), writeClip(t, audiotest.Silence(10, 16000)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(tr.Segments) != 0 {
		t.Fatalf("expected empty transcript, got %+v", tr.Segments)
	}
}

func TestMockRecognizerSegments(t *testing.T) {
	samples := append(audiotest.Tone(1, 300, 0.4, 16000), audiotest.Silence(1, 16000)...)
	samples = append(samples, audiotest.Tone(0.5, 300, 0.4, 16000)...)
	rec := NewMockRecognizer(audio.DefaultSpeechConfig())

	tr, err := rec.Transcribe(context.Background(), writeClip(t, samples))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", tr.Segments)
	}
	if err := domain.ValidateSegments(tr.Segments); err != nil {
		t.Fatalf("segments invalid: %v", err)
	}
	if !strings.HasPrefix(tr.Segments[0].Text, "Speech segment 1") {
		t.Fatalf("unexpected text %q", tr.Segments[0].Text)
	}
}

func TestMockRecognizerNonWAVIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.webm")
	if err := os.WriteFile(path, []byte("\x1a\x45\xdf\xa3\x9f\x42\x86\x81\x01"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := NewMockRecognizer(audio.DefaultSpeechConfig())
	tr, err := rec.Transcribe(context.Background(), domain.Audio{Path: path, MimeType: "audio/webm"})
	if err != nil {
		t.Fatalf("webm upload should not fail the mock recognizer: %v", err)
	}
	if !tr.Empty() {
		t.Fatalf("expected empty transcript, got %+v", tr.Segments)
	}
}

func TestMockRecognizerMissingFileIsFatal(t *testing.T) {
	rec := NewMockRecognizer(audio.DefaultSpeechConfig())
	_, err := rec.Transcribe(context.Background(), domain.Audio{Path: filepath.Join(t.TempDir(), "gone.wav"), MimeType: audio.MimeWAV})
	var fatal *domain.FatalProcessingError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestOpenAIRecognizer(t *testing.T) {
	var gotAuth, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotFormat = r.FormValue("response_format")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello there. general","language":"english","duration":3.5,
			"segments":[{"start":0,"end":1.2,"text":" hello there.","avg_logprob":0},
			            {"start":1.5,"end":3.5,"text":" general","avg_logprob":0}]}`))
	}))
	defer srv.Close()

	rec := NewOpenAIRecognizer(config.STTConfig{Endpoint: srv.URL + "/v1", APIKey: "sk-test"})
	tr, err := rec.Transcribe(context.Background(), writeClip(t, audiotest.Silence(0.1, 16000)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotFormat != "verbose_json" {
		t.Fatalf("response_format = %q", gotFormat)
	}
	if len(tr.Segments) != 2 || tr.Segments[0].Text != "hello there." {
		t.Fatalf("unexpected segments %+v", tr.Segments)
	}
	if tr.Language != "english" || tr.Confidence != 1 {
		t.Fatalf("unexpected language/confidence %s %f", tr.Language, tr.Confidence)
	}
}

func TestOpenAIRecognizerClassifiesStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	rec := NewOpenAIRecognizer(config.STTConfig{Endpoint: srv.URL})
	clip := writeClip(t, audiotest.Silence(0.1, 16000))

	_, err := rec.Transcribe(context.Background(), clip)
	if !domain.IsRetryable(err) {
		t.Fatalf("503 should be retryable, got %v", err)
	}

	status = http.StatusUnsupportedMediaType
	_, err = rec.Transcribe(context.Background(), clip)
	var fatal *domain.FatalProcessingError
	if !errors.As(err, &fatal) {
		t.Fatalf("415 should be fatal, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizer(t *testing.T) {
	script := writeScript(t, `echo '{"language":"en","confidence":0.9,"segments":[{"start":0,"end":1,"text":" hi ","speaker":"A"}]}'`)
	rec, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	tr, err := rec.Transcribe(context.Background(), writeClip(t, audiotest.Silence(0.1, 16000)))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hi" || tr.Segments[0].Speaker != "A" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestExecRecognizerExitCodes(t *testing.T) {
	clip := writeClip(t, audiotest.Silence(0.1, 16000))

	unsupported := writeScript(t, "echo unsupported >&2\nexit 65\n")
	rec, _ := NewExecRecognizer(config.STTConfig{Command: unsupported})
	_, err := rec.Transcribe(context.Background(), clip)
	var fatal *domain.FatalProcessingError
	if !errors.As(err, &fatal) {
		t.Fatalf("exit 65 should be fatal, got %v", err)
	}

	flaky := writeScript(t, "exit 1\n")
	rec, _ = NewExecRecognizer(config.STTConfig{Command: flaky})
	_, err = rec.Transcribe(context.Background(), clip)
	if !domain.IsRetryable(err) {
		t.Fatalf("exit 1 should be retryable, got %v", err)
	}
}

func TestExecRecognizerRejectsOverlap(t *testing.T) {
	script := writeScript(t, `echo '{"segments":[{"start":0,"end":2,"text":"a"},{"start":1,"end":3,"text":"b"}]}'`)
	rec, _ := NewExecRecognizer(config.STTConfig{Command: script})
	_, err := rec.Transcribe(context.Background(), writeClip(t, audiotest.Silence(0.1, 16000)))
	var fatal *domain.FatalProcessingError
	if !errors.As(err, &fatal) {
		t.Fatalf("overlapping segments should be fatal, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	rec, err := New(config.STTConfig{Mode: "mock"})
	if err != nil || rec.Name() != "mock" {
		t.Fatalf("expected mock recognizer, got %v %v", rec, err)
	}
	if _, err := New(config.STTConfig{Mode: "nope"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
