// Package jobs drives transcription jobs through the pipeline state machine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/postprocess"
	"github.com/loqalabs/whisperlens/internal/protocol"
	"github.com/loqalabs/whisperlens/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/whisperlens/internal/jobs"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator is shut down")

// Store persists jobs and their artifacts.
type Store interface {
	CreateJob(ctx context.Context, job domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	ListUnfinished(ctx context.Context) ([]domain.Job, error)
	Transition(ctx context.Context, id string, to domain.JobStatus, reason string) (domain.Job, error)
	RecordAttempt(ctx context.Context, id string, attempts int) error
	SaveTranscript(ctx context.Context, id string, tr domain.Transcript) error
	SaveResult(ctx context.Context, res domain.Result) error
	GetResult(ctx context.Context, id string) (domain.Result, error)
	ListEvents(ctx context.Context, id string, since int64, limit int) ([]domain.JobEvent, error)
}

// Processor derives the post-processing fields from a transcript.
type Processor interface {
	Process(ctx context.Context, tr domain.Transcript) (postprocess.Derived, error)
}

// Publisher broadcasts job status events.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// Orchestrator owns job lifecycles. Each job runs in its own goroutine and
// at most max_concurrent_jobs run a pipeline stage at once.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	store      Store
	recognizer stt.Recognizer
	processor  Processor
	publisher  Publisher
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics
	clock      func() time.Time

	sem  chan struct{}
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
}

// NewOrchestrator wires the pipeline. publisher may be nil when the bus is disabled.
func NewOrchestrator(cfg config.OrchestratorConfig, store Store, recognizer stt.Recognizer, processor Processor, publisher Publisher, log *slog.Logger) (*Orchestrator, error) {
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create job metrics: %w", err)
	}
	workers := cfg.MaxConcurrentJobs
	if workers <= 0 {
		workers = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		recognizer: recognizer,
		processor:  processor,
		publisher:  publisher,
		log:        log.With(slog.String("component", "orchestrator")),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    m,
		clock:      time.Now,
		sem:        make(chan struct{}, workers),
		ctx:        ctx,
		stop:       stop,
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// Start resumes queued jobs left over from a previous run and fails jobs
// that were interrupted mid-stage.
func (o *Orchestrator) Start(ctx context.Context) error {
	pending, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, job := range pending {
		if job.Status == domain.JobStatusQueued {
			o.dispatch(job)
			continue
		}
		o.finish(job.ID, domain.JobStatusFailed, "interrupted by restart")
	}
	if len(pending) > 0 {
		o.log.Info("recovered unfinished jobs", slog.Int("count", len(pending)))
	}
	return nil
}

// Submit registers a queued job for in and schedules it. An empty id is
// replaced with a fresh one.
func (o *Orchestrator) Submit(ctx context.Context, id string, in domain.Audio) (domain.Job, error) {
	if !o.Healthy() {
		return domain.Job{}, ErrClosed
	}
	if id == "" {
		id = uuid.NewString()
	}
	job, err := o.store.CreateJob(ctx, domain.Job{ID: id, Status: domain.JobStatusQueued, Audio: in})
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	o.metrics.submitted.Add(ctx, 1)
	o.publish(job, false)
	o.log.Info("job queued", slog.String("job_id", job.ID), slog.String("mime_type", in.MimeType))
	o.dispatch(job)
	return job, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, id string) (domain.Job, error) {
	return o.store.GetJob(ctx, id)
}

// List returns recent jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]domain.Job, error) {
	return o.store.ListJobs(ctx, limit)
}

// Result returns the result of a finished job. Failed or cancelled jobs whose
// transcript survived return it with Complete set to false.
func (o *Orchestrator) Result(ctx context.Context, id string) (domain.Result, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	switch job.Status {
	case domain.JobStatusDone:
		return o.store.GetResult(ctx, id)
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		res, err := o.store.GetResult(ctx, id)
		if err != nil {
			return domain.Result{}, err
		}
		res.Complete = false
		return res, nil
	default:
		return domain.Result{}, fmt.Errorf("%w: job is %s", domain.ErrResultNotReady, job.Status)
	}
}

// Events returns status events for a job after sequence number since.
func (o *Orchestrator) Events(ctx context.Context, id string, since int64) ([]domain.JobEvent, error) {
	if _, err := o.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id, since, 0)
}

// Cancel marks a job cancelled and stops any in-flight work for it. A
// cancelled job never reaches done.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := o.transition(ctx, id, domain.JobStatusCancelled, "cancelled by request")
	if err != nil {
		return job, err
	}
	o.mu.Lock()
	cancel := o.active[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.log.Info("job cancelled", slog.String("job_id", id))
	return job, nil
}

// Healthy reports whether the orchestrator accepts new jobs.
func (o *Orchestrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

// Close stops accepting jobs, interrupts running ones and waits for their
// goroutines to finish or ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) dispatch(job domain.Job) {
	ctx, cancel := context.WithTimeout(o.ctx, o.pipelineTimeout())

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.finish(job.ID, domain.JobStatusFailed, "interrupted by shutdown")
		return
	}
	o.active[job.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, job.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(ctx, job)
	}()
}

func (o *Orchestrator) run(ctx context.Context, job domain.Job) {
	log := o.log.With(slog.String("job_id", job.ID))
	ctx, span := o.tracer.Start(ctx, "job", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.fail(ctx, job.ID, ctx.Err(), log)
		return
	}

	if _, err := o.transition(ctx, job.ID, domain.JobStatusTranscribing, ""); err != nil {
		o.fail(ctx, job.ID, err, log)
		return
	}

	tr, attempts, err := o.transcribe(ctx, job, log)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, job.ID, err, log)
		return
	}
	if err := o.store.SaveTranscript(ctx, job.ID, tr); err != nil {
		o.fail(ctx, job.ID, fmt.Errorf("save transcript: %w", err), log)
		return
	}

	if _, err := o.transition(ctx, job.ID, domain.JobStatusSummarizing, ""); err != nil {
		o.fail(ctx, job.ID, err, log)
		return
	}
	derived, err := o.postprocess(ctx, tr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, job.ID, fmt.Errorf("post-processing failed: %w", err), log)
		return
	}

	labelled := tr
	labelled.Segments = derived.Segments
	res := domain.Result{
		JobID:      job.ID,
		Transcript: labelled,
		Summary:    derived.Summary,
		Highlights: derived.Highlights,
		Speakers:   derived.Speakers,
		Accent:     derived.Accent,
		Complete:   true,
		CreatedAt:  o.clock().UTC(),
	}
	if err := o.store.SaveResult(ctx, res); err != nil {
		o.fail(ctx, job.ID, fmt.Errorf("save result: %w", err), log)
		return
	}
	if _, err := o.transition(ctx, job.ID, domain.JobStatusDone, ""); err != nil {
		o.fail(ctx, job.ID, err, log)
		return
	}
	log.Info("job done",
		slog.Int("attempts", attempts),
		slog.Int("segments", len(tr.Segments)),
		slog.Int("speakers", len(derived.Speakers)))
}

// transcribe invokes the recognizer with retries. Each attempt gets its own
// deadline; partial output of a failed attempt is discarded.
func (o *Orchestrator) transcribe(ctx context.Context, job domain.Job, log *slog.Logger) (domain.Transcript, int, error) {
	ctx, span := o.tracer.Start(ctx, "transcribe")
	defer span.End()
	start := time.Now()

	attempts := 0
	operation := func() (domain.Transcript, error) {
		attempts++
		o.metrics.attempts.Add(ctx, 1)
		if err := o.store.RecordAttempt(ctx, job.ID, attempts); err != nil {
			return domain.Transcript{}, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout())
		defer cancel()
		tr, err := o.recognizer.Transcribe(attemptCtx, job.Audio)
		if err == nil {
			return tr, nil
		}
		if ctx.Err() != nil {
			return domain.Transcript{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.Transient(o.recognizer.Name(), fmt.Errorf("attempt timed out after %s: %w", o.attemptTimeout(), err))
		}
		if !domain.IsRetryable(err) {
			return domain.Transcript{}, backoff.Permanent(err)
		}
		log.Warn("transcription attempt failed",
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()))
		return domain.Transcript{}, err
	}

	tr, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(max(o.cfg.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(o.pipelineTimeout()),
	)
	o.metrics.stageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", "transcribe")))
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		if domain.IsRetryable(err) {
			err = fmt.Errorf("transcription failed after %d attempts: %w", attempts, err)
		}
		return domain.Transcript{}, attempts, err
	}
	return tr, attempts, nil
}

func (o *Orchestrator) postprocess(ctx context.Context, tr domain.Transcript) (postprocess.Derived, error) {
	ctx, span := o.tracer.Start(ctx, "postprocess")
	defer span.End()
	start := time.Now()

	stageCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.PostprocessTimeoutMS)*time.Millisecond)
	defer cancel()
	derived, err := o.processor.Process(stageCtx, tr)
	o.metrics.stageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", "postprocess")))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return postprocess.Derived{}, fmt.Errorf("timed out after %dms: %w", o.cfg.PostprocessTimeoutMS, err)
		}
		return postprocess.Derived{}, err
	}
	return derived, nil
}

// fail moves a job to failed. When ctx was cancelled by Cancel the job is
// already terminal and the write is a no-op.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error, log *slog.Logger) {
	reason := cause.Error()
	switch {
	case o.ctx.Err() != nil:
		reason = "interrupted by shutdown"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = fmt.Sprintf("pipeline deadline of %s exceeded", o.pipelineTimeout())
	case errors.Is(cause, domain.ErrJobTerminal), errors.Is(ctx.Err(), context.Canceled):
		log.Debug("job stopped after reaching terminal status")
		return
	}
	log.Warn("job failed", slog.String("error", reason))
	o.finish(id, domain.JobStatusFailed, reason)
}

// finishTimeout bounds how long a terminal write is retried before giving up.
const finishTimeout = 30 * time.Second

// finish writes a terminal status on a fresh context so it survives the
// cancellation of the job context. Store errors are retried until the write
// lands or the job is already terminal.
func (o *Orchestrator) finish(id string, status domain.JobStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (domain.Job, error) {
		job, err := o.transition(ctx, id, status, reason)
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, domain.ErrJobTerminal),
			errors.Is(err, domain.ErrInvalidTransition),
			errors.Is(err, domain.ErrJobNotFound):
			return job, backoff.Permanent(err)
		}
		o.log.Warn("terminal status write failed, retrying",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
		return job, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(finishTimeout))
	if err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		o.log.Error("record terminal status failed",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) transition(ctx context.Context, id string, to domain.JobStatus, reason string) (domain.Job, error) {
	job, err := o.store.Transition(ctx, id, to, reason)
	if err != nil {
		return job, err
	}
	if to.Terminal() {
		o.metrics.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	}
	o.publish(job, to == domain.JobStatusDone)
	return job, nil
}

func (o *Orchestrator) publish(job domain.Job, complete bool) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, 2*time.Second)
	defer cancel()
	evt := protocol.JobStatusEvent{
		JobID:     job.ID,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		Error:     job.Error,
		Complete:  complete,
		Timestamp: job.UpdatedAt,
	}
	if err := o.publisher.PublishJSON(ctx, protocol.SubjectJobStatus(job.ID), evt); err != nil {
		o.log.Warn("publish job status failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(o.cfg.BackoffInitialMS) * time.Millisecond
	b.MaxInterval = time.Duration(o.cfg.BackoffMaxMS) * time.Millisecond
	if o.cfg.BackoffMultiplier >= 1 {
		b.Multiplier = o.cfg.BackoffMultiplier
	}
	b.RandomizationFactor = 0
	return b
}

func (o *Orchestrator) attemptTimeout() time.Duration {
	return time.Duration(o.cfg.AttemptTimeoutMS) * time.Millisecond
}

func (o *Orchestrator) pipelineTimeout() time.Duration {
	return time.Duration(o.cfg.PipelineTimeoutMS) * time.Millisecond
}
