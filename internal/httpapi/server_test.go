package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/ingest"
)

type fakeIngester struct {
	got  ingest.Upload
	body []byte
	err  error
}

func (f *fakeIngester) Accept(_ context.Context, up ingest.Upload) (domain.Job, error) {
	f.got = up
	data, err := io.ReadAll(up.Reader)
	if err != nil {
		return domain.Job{}, fmt.Errorf("read upload: %w", err)
	}
	f.body = data
	if f.err != nil {
		return domain.Job{}, f.err
	}
	return domain.Job{ID: "job-1", Status: domain.JobStatusQueued, Audio: domain.Audio{MimeType: up.MimeType, Filename: up.Filename}}, nil
}

type fakeJobs struct {
	jobs    map[string]domain.Job
	results map[string]domain.Result
}

func (f *fakeJobs) Status(_ context.Context, id string) (domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(context.Context, int) ([]domain.Job, error) {
	out := []domain.Job{}
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) Result(ctx context.Context, id string) (domain.Result, error) {
	if _, err := f.Status(ctx, id); err != nil {
		return domain.Result{}, err
	}
	res, ok := f.results[id]
	if !ok {
		return domain.Result{}, domain.ErrResultNotReady
	}
	return res, nil
}

func (f *fakeJobs) Events(ctx context.Context, id string, since int64) ([]domain.JobEvent, error) {
	if _, err := f.Status(ctx, id); err != nil {
		return nil, err
	}
	all := []domain.JobEvent{{Seq: 1, JobID: id, Status: domain.JobStatusQueued}, {Seq: 2, JobID: id, Status: domain.JobStatusTranscribing}}
	out := []domain.JobEvent{}
	for _, e := range all {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := f.Status(ctx, id)
	if err != nil {
		return job, err
	}
	if job.Status.Terminal() {
		return job, domain.ErrJobTerminal
	}
	job.Status = domain.JobStatusCancelled
	f.jobs[id] = job
	return job, nil
}

func newTestServer(ing *fakeIngester, maxBody int64) (http.Handler, *fakeJobs) {
	jobs := &fakeJobs{
		jobs: map[string]domain.Job{
			"done":    {ID: "done", Status: domain.JobStatusDone, Audio: domain.Audio{Filename: "meeting.wav"}},
			"running": {ID: "running", Status: domain.JobStatusTranscribing},
		},
		results: map[string]domain.Result{
			"done": {
				JobID:      "done",
				Transcript: domain.Transcript{Segments: []domain.Segment{{Start: 0, End: 1, Speaker: "Speaker 1", Text: "Hello."}}},
				Summary:    "• Hello.",
				Highlights: []string{},
				Speakers:   []domain.SpeakerShare{{Label: "Speaker 1", Percentage: 100}},
				Accent:     "Detected language: English.",
				Complete:   true,
			},
		},
	}
	e := New(Options{
		MaxBodyBytes: maxBody,
		Ingester:     ing,
		Jobs:         jobs,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:        func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return e, jobs
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestSubmitRawBody(t *testing.T) {
	ing := &fakeIngester{}
	h, _ := newTestServer(ing, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs?filename=call.wav", bytes.NewReader([]byte("RIFFdata")))
	req.Header.Set("Content-Type", "audio/wav")
	rec := do(h, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ing.got.MimeType != "audio/wav" || ing.got.Filename != "call.wav" || ing.got.Size != 8 {
		t.Fatalf("unexpected upload %+v", ing.got)
	}
	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil || job.ID != "job-1" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
}

func TestSubmitMultipart(t *testing.T) {
	ing := &fakeIngester{}
	h, _ := newTestServer(ing, 1<<20)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "memo.mp3")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("ID3-audio"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := do(h, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ing.got.Filename != "memo.mp3" || ing.got.MimeType != "audio/mpeg" || string(ing.body) != "ID3-audio" {
		t.Fatalf("unexpected upload %+v body=%q", ing.got, ing.body)
	}
}

func TestSubmitMultipartMissingField(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("title", "nothing")
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if rec := do(h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitValidationStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Field: "audio", Message: "too big", TooLarge: true}, http.StatusRequestEntityTooLarge},
		{&domain.ValidationError{Field: "mime_type", Message: "nope", Unsupported: true}, http.StatusUnsupportedMediaType},
		{&domain.ValidationError{Field: "audio", Message: "payload is empty"}, http.StatusBadRequest},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, _ := newTestServer(&fakeIngester{err: tc.err}, 1<<20)
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("x"))
		req.Header.Set("Content-Type", "audio/wav")
		rec := do(h, req)
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
		if errorBody(t, rec) == "" {
			t.Fatalf("%v: missing error message", tc.err)
		}
	}
}

func TestSubmitBodyLimit(t *testing.T) {
	ing := &fakeIngester{}
	h, _ := newTestServer(ing, 16)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(make([]byte, 64)))
	req.Header.Set("Content-Type", "audio/wav")
	rec := do(h, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if errorBody(t, rec) == "" {
		t.Fatal("expected error body")
	}
}

func TestGetJob(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/done", nil)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound || errorBody(t, rec) != domain.ErrJobNotFound.Error() {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListJobs(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=10", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"jobs"`) {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=abc", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestResultNotReady(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/running/result", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/done/result", nil))
	var res domain.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || !res.Complete || res.Summary != "• Hello." {
		t.Fatalf("unexpected result %s", rec.Body.String())
	}
}

func TestReportDownload(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/done/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="WhisperLens-1700000000000.txt"` {
		t.Fatalf("content disposition = %q", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "WHISPERLENS TRANSCRIPTION REPORT") || !strings.Contains(body, "File: meeting.wav") {
		t.Fatalf("unexpected report:\n%s", body)
	}
}

func TestTranscriptAndSummaryText(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/done/transcript", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "[00:00] Speaker 1: Hello." {
		t.Fatalf("transcript = %d %q", rec.Code, rec.Body.String())
	}
	rec = do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/done/summary", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "• Hello." {
		t.Fatalf("summary = %d %q", rec.Code, rec.Body.String())
	}
}

func TestEventsSince(t *testing.T) {
	h, _ := newTestServer(&fakeIngester{}, 1<<20)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/running/events?since=1", nil))
	var body struct {
		Events []domain.JobEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Seq != 2 {
		t.Fatalf("unexpected events %+v", body.Events)
	}
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/v1/jobs/running/events?since=-4", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	h, jobs := newTestServer(&fakeIngester{}, 1<<20)
	rec := do(h, httptest.NewRequest(http.MethodDelete, "/v1/jobs/running", nil))
	if rec.Code != http.StatusOK || jobs.jobs["running"].Status != domain.JobStatusCancelled {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(h, httptest.NewRequest(http.MethodDelete, "/v1/jobs/done", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("cancel of finished job status = %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ready := false
	e := New(Options{
		Ingester: &fakeIngester{},
		Jobs:     &fakeJobs{},
		Ready:    func() bool { return ready },
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if rec := do(e, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := do(e, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", rec.Code)
	}
	ready = true
	if rec := do(e, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	if rec := do(e, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Body.String() != "metrics" {
		t.Fatalf("metrics = %q", rec.Body.String())
	}
}
