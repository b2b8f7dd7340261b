package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "whisperlens.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id string) domain.Job {
	return domain.Job{
		ID:     id,
		Status: domain.JobStatusQueued,
		Audio:  domain.Audio{Path: "/tmp/" + id + ".wav", MimeType: "audio/wav", Filename: "clip.wav", Size: 42},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusQueued || job.Audio.Filename != "clip.wav" || job.Audio.Size != 42 {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := openStore(t, config.StoreConfig{Path: ":memory:"})
	if _, err := s.CreateJob(context.Background(), newJob("mem")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	jobs, err := s.ListJobs(context.Background(), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs: %v %v", jobs, err)
	}
}

func TestTransitionGuards(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := s.Transition(ctx, "job-1", domain.JobStatusDone, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("queued -> done should be rejected, got %v", err)
	}
	for _, to := range []domain.JobStatus{domain.JobStatusTranscribing, domain.JobStatusSummarizing, domain.JobStatusDone} {
		if _, err := s.Transition(ctx, "job-1", to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	job, err := s.Transition(ctx, "job-1", domain.JobStatusFailed, "late")
	if !errors.Is(err, domain.ErrJobTerminal) {
		t.Fatalf("terminal job should be immutable, got %v", err)
	}
	if job.Status != domain.JobStatusDone || job.FinishedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}

	events, err := s.ListEvents(ctx, "job-1", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	since, err := s.ListEvents(ctx, "job-1", events[1].Seq, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(since) != 2 || since[1].Status != domain.JobStatusDone {
		t.Fatalf("unexpected events since %d: %+v", events[1].Seq, since)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("race")); err != nil {
		t.Fatalf("create job: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range []domain.JobStatus{domain.JobStatusCancelled, domain.JobStatusFailed, domain.JobStatusCancelled, domain.JobStatusFailed} {
		wg.Add(1)
		go func(to domain.JobStatus) {
			defer wg.Done()
			if _, err := s.Transition(ctx, "race", to, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", wins)
	}
}

func TestConcurrentJobLifecycles(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()

	const jobs = 32
	for i := 0; i < jobs; i++ {
		if _, err := s.CreateJob(ctx, newJob(fmt.Sprintf("job-%02d", i))); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	steps := []domain.JobStatus{domain.JobStatusTranscribing, domain.JobStatusSummarizing, domain.JobStatusDone}
	errs := make(chan error, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.RecordAttempt(ctx, id, 1); err != nil {
				errs <- fmt.Errorf("%s attempt: %w", id, err)
				return
			}
			for _, to := range steps {
				if to == domain.JobStatusDone {
					tr := domain.Transcript{Segments: []domain.Segment{{Start: 0, End: 1, Text: "hello"}}}
					if err := s.SaveTranscript(ctx, id, tr); err != nil {
						errs <- fmt.Errorf("%s transcript: %w", id, err)
						return
					}
				}
				if _, err := s.Transition(ctx, id, to, ""); err != nil {
					errs <- fmt.Errorf("%s -> %s: %w", id, to, err)
					return
				}
			}
		}(fmt.Sprintf("job-%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := 0; i < jobs; i++ {
		job, err := s.GetJob(ctx, fmt.Sprintf("job-%02d", i))
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status != domain.JobStatusDone {
			t.Fatalf("job %s ended %s", job.ID, job.Status)
		}
	}
}

func TestResultLifecycle(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := s.GetResult(ctx, "job-1"); !errors.Is(err, domain.ErrResultNotReady) {
		t.Fatalf("expected ErrResultNotReady, got %v", err)
	}

	tr := domain.Transcript{Language: "en", Confidence: 0.5, Segments: []domain.Segment{{Start: 0, End: 1, Text: "hi", Speaker: "Speaker 1"}}}
	if err := s.SaveTranscript(ctx, "job-1", tr); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	partial, err := s.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("get partial result: %v", err)
	}
	if partial.Complete || partial.Transcript.Text() != "hi" {
		t.Fatalf("unexpected partial result %+v", partial)
	}

	err = s.SaveResult(ctx, domain.Result{
		JobID:      "job-1",
		Transcript: tr,
		Summary:    "• hi",
		Highlights: []string{"one"},
		Speakers:   []domain.SpeakerShare{{Label: "Speaker 1", Percentage: 100}},
		Accent:     "Detected language: English.",
	})
	if err != nil {
		t.Fatalf("save result: %v", err)
	}
	res, err := s.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if !res.Complete || res.Summary != "• hi" || len(res.Speakers) != 1 || res.Highlights[0] != "one" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Transcript.Segments[0].Speaker != "Speaker 1" {
		t.Fatalf("speaker not persisted: %+v", res.Transcript)
	}
}

func TestRecordAttempt(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.RecordAttempt(ctx, "job-1", 2); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d", job.Attempts)
	}
	if err := s.RecordAttempt(ctx, "missing", 1); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListUnfinished(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.CreateJob(ctx, newJob(id)); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	if _, err := s.Transition(ctx, "b", domain.JobStatusCancelled, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	jobs, err := s.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID == "b" || jobs[1].ID == "b" {
		t.Fatalf("unexpected unfinished jobs %+v", jobs)
	}
}

func TestPruneExpiredJobs(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, config.StoreConfig{Path: filepath.Join(dir, "jobs.db"), RetentionMinutes: 60})
	ctx := context.Background()

	blob := filepath.Join(dir, "old.wav")
	if err := os.WriteFile(blob, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	old := newJob("old")
	old.Audio.Path = blob

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := s.CreateJob(ctx, old); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := s.Transition(ctx, "old", domain.JobStatusFailed, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if _, err := s.CreateJob(ctx, newJob("running")); err != nil {
		t.Fatalf("create job: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC) }
	removed, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned job, got %d", removed)
	}
	if _, err := s.GetJob(ctx, "old"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("old job should be gone, got %v", err)
	}
	if _, err := os.Stat(blob); !os.IsNotExist(err) {
		t.Fatalf("audio blob should be removed, got %v", err)
	}
	if _, err := s.GetJob(ctx, "running"); err != nil {
		t.Fatalf("unfinished job should survive: %v", err)
	}
}
