// Package store persists jobs, transcripts and results in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/domain"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed job and result store.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
	locks *keyedMutex
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	memory := cfg.Path == "" || cfg.Path == ":memory:"
	var dsn string
	if memory {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		// writers take the lock at BEGIN so busy_timeout applies; a deferred
		// transaction that upgrades from read to write fails with SQLITE_BUSY at once
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, locks: newKeyedMutex()}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && !memory {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    filename TEXT,
    size_bytes INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
CREATE TABLE IF NOT EXISTS transcripts (
    job_id TEXT PRIMARY KEY,
    language TEXT,
    confidence REAL,
    duration_ns INTEGER,
    segments BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS results (
    job_id TEXT PRIMARY KEY,
    summary TEXT NOT NULL,
    highlights BLOB NOT NULL,
    speakers BLOB NOT NULL,
    accent TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS job_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob inserts a new job and records its initial event.
func (s *Store) CreateJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	now := s.clock().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, status, audio_path, mime_type, filename, size_bytes, duration_ns, attempts, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Audio.Path, job.Audio.MimeType, job.Audio.Filename,
		job.Audio.Size, int64(job.Audio.Duration), job.Attempts, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := appendEvent(ctx, tx, job, now); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

const jobColumns = `job_id, status, audio_path, mime_type, filename, size_bytes, duration_ns, attempts, error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job              domain.Job
		status           string
		filename, errMsg sql.NullString
		duration         int64
		created, updated int64
		finished         sql.NullInt64
	)
	err := row.Scan(&job.ID, &status, &job.Audio.Path, &job.Audio.MimeType, &filename,
		&job.Audio.Size, &duration, &job.Attempts, &errMsg, &created, &updated, &finished)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.Audio.Filename = filename.String
	job.Audio.Duration = time.Duration(duration)
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	if finished.Valid {
		ts := time.Unix(0, finished.Int64).UTC()
		job.FinishedAt = &ts
	}
	return job, nil
}

func getJob(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (domain.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// GetJob returns the job with id or domain.ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListUnfinished returns every job that has not reached a terminal status,
// oldest first.
func (s *Store) ListUnfinished(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE finished_at IS NULL ORDER BY created_at ASC, job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition moves a job to status to. Terminal jobs are immutable and
// illegal edges are rejected, so concurrent writers cannot regress a job.
func (s *Store) Transition(ctx context.Context, id string, to domain.JobStatus, reason string) (domain.Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: %s is %s", domain.ErrJobTerminal, id, job.Status)
	}
	if !domain.ValidTransition(job.Status, to) {
		return job, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, to)
	}

	from := job.Status
	now := s.clock().UTC()
	job.Status = to
	job.UpdatedAt = now
	if reason != "" {
		job.Error = reason
	}
	var finished any
	if to.Terminal() {
		job.FinishedAt = &now
		finished = now.UnixNano()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?, finished_at = COALESCE(?, finished_at)
		 WHERE job_id = ? AND status = ? AND finished_at IS NULL`,
		string(to), nullString(job.Error), now.UnixNano(), finished, id, string(from))
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job, fmt.Errorf("%w: %s", domain.ErrJobTerminal, id)
	}
	if err := appendEvent(ctx, tx, job, now); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// RecordAttempt stores the number of worker attempts made so far.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = ?, updated_at = ? WHERE job_id = ? AND finished_at IS NULL`,
		attempts, s.clock().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrJobTerminal, id)
	}
	return nil
}

// SaveTranscript stores the recognizer output for a job.
func (s *Store) SaveTranscript(ctx context.Context, id string, tr domain.Transcript) error {
	segments := tr.Segments
	if segments == nil {
		segments = []domain.Segment{}
	}
	payload, err := json.Marshal(segments)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts(job_id, language, confidence, duration_ns, segments, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET language=excluded.language, confidence=excluded.confidence,
		   duration_ns=excluded.duration_ns, segments=excluded.segments`,
		id, tr.Language, tr.Confidence, int64(tr.Duration), payload, s.clock().UTC().UnixNano())
	return err
}

// GetTranscript returns the stored transcript for a job.
func (s *Store) GetTranscript(ctx context.Context, id string) (domain.Transcript, error) {
	var (
		tr       domain.Transcript
		language sql.NullString
		duration int64
		payload  []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT language, confidence, duration_ns, segments FROM transcripts WHERE job_id = ?`, id).
		Scan(&language, &tr.Confidence, &duration, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transcript{}, domain.ErrResultNotReady
	}
	if err != nil {
		return domain.Transcript{}, err
	}
	tr.Language = language.String
	tr.Duration = time.Duration(duration)
	if err := json.Unmarshal(payload, &tr.Segments); err != nil {
		return domain.Transcript{}, fmt.Errorf("decode segments: %w", err)
	}
	return tr, nil
}

// SaveResult stores the transcript and derived fields of a finished job.
func (s *Store) SaveResult(ctx context.Context, res domain.Result) error {
	if err := s.SaveTranscript(ctx, res.JobID, res.Transcript); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	highlights, err := json.Marshal(nonNil(res.Highlights))
	if err != nil {
		return err
	}
	speakers := res.Speakers
	if speakers == nil {
		speakers = []domain.SpeakerShare{}
	}
	speakerJSON, err := json.Marshal(speakers)
	if err != nil {
		return err
	}
	created := res.CreatedAt
	if created.IsZero() {
		created = s.clock().UTC()
	}

	unlock := s.locks.Lock(res.JobID)
	defer unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results(job_id, summary, highlights, speakers, accent, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET summary=excluded.summary, highlights=excluded.highlights,
		   speakers=excluded.speakers, accent=excluded.accent`,
		res.JobID, res.Summary, highlights, speakerJSON, res.Accent, created.UnixNano())
	return err
}

// GetResult returns the result of a job. A job whose post-processing failed
// yields its transcript with Complete set to false.
func (s *Store) GetResult(ctx context.Context, id string) (domain.Result, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return domain.Result{}, err
	}
	tr, err := s.GetTranscript(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}

	res := domain.Result{JobID: id, Transcript: tr, Highlights: []string{}, Speakers: []domain.SpeakerShare{}}
	var highlights, speakers []byte
	var created int64
	err = s.db.QueryRowContext(ctx,
		`SELECT summary, highlights, speakers, accent, created_at FROM results WHERE job_id = ?`, id).
		Scan(&res.Summary, &highlights, &speakers, &res.Accent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return res, nil
	}
	if err != nil {
		return domain.Result{}, err
	}
	if err := json.Unmarshal(highlights, &res.Highlights); err != nil {
		return domain.Result{}, fmt.Errorf("decode highlights: %w", err)
	}
	if err := json.Unmarshal(speakers, &res.Speakers); err != nil {
		return domain.Result{}, fmt.Errorf("decode speakers: %w", err)
	}
	res.Complete = true
	res.CreatedAt = time.Unix(0, created).UTC()
	return res, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, db execer, job domain.Job, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, status, attempts, error, created_at) VALUES(?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Attempts, nullString(job.Error), at.UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns events for a job with a sequence number greater than since.
func (s *Store) ListEvents(ctx context.Context, id string, since int64, limit int) ([]domain.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, job_id, status, attempts, error, created_at
		 FROM job_events WHERE job_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, id, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.JobEvent{}
	for rows.Next() {
		var (
			e       domain.JobEvent
			status  string
			errMsg  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.JobID, &status, &e.Attempts, &errMsg, &created); err != nil {
			return nil, err
		}
		e.Status = domain.JobStatus(status)
		e.Error = errMsg.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune removes jobs that finished more than retention_minutes ago along
// with their audio blobs. It returns the number of jobs removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	if s.cfg.RetentionMinutes <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionMinutes) * time.Minute).UTC().UnixNano()

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, audio_path FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	type expired struct{ id, path string }
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.id, &v.path); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	removed := 0
	for _, v := range victims {
		unlock := s.locks.Lock(v.id)
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, v.id)
		unlock()
		if err != nil {
			return removed, fmt.Errorf("delete job %s: %w", v.id, err)
		}
		removed++
		if v.path == "" {
			continue
		}
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove audio blob failed", slog.String("job_id", v.id), slog.String("error", err.Error()))
		}
	}
	return removed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// keyedMutex serialises writers per job id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
