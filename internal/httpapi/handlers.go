package httpapi

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/ingest"
	"github.com/loqalabs/whisperlens/internal/report"
)

// JobHandler serves the job endpoints.
type JobHandler struct {
	ingester Ingester
	jobs     Jobs
	clock    func() time.Time
	log      *slog.Logger
}

// Submit accepts audio either as a multipart field named "audio" or as the
// raw request body with its Content-Type.
// POST /v1/jobs
func (h *JobHandler) Submit(c echo.Context) error {
	ctx := c.Request().Context()
	req := c.Request()

	var up ingest.Upload
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	if mediaType == echo.MIMEMultipartForm {
		fh, err := c.FormFile("audio")
		if err != nil {
			if statusFor(err) == http.StatusRequestEntityTooLarge {
				return writeError(c, err)
			}
			return writeError(c, &domain.ValidationError{Field: "audio", Message: "multipart field \"audio\" is required"})
		}
		f, err := fh.Open()
		if err != nil {
			return writeError(c, fmt.Errorf("open upload: %w", err))
		}
		defer f.Close()

		declared := fh.Header.Get(echo.HeaderContentType)
		if declared == "" || declared == echo.MIMEOctetStream {
			if v := c.FormValue("mime_type"); v != "" {
				declared = v
			} else {
				declared = audio.TypeByExtension(fh.Filename)
			}
		}
		up = ingest.Upload{Reader: f, MimeType: declared, Filename: fh.Filename, Size: fh.Size}
	} else {
		up = ingest.Upload{
			Reader:   req.Body,
			MimeType: req.Header.Get(echo.HeaderContentType),
			Filename: c.QueryParam("filename"),
			Size:     req.ContentLength,
		}
	}

	job, err := h.ingester.Accept(ctx, up)
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			h.log.Error("accept upload failed", slog.String("error", err.Error()))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// List returns recent jobs.
// GET /v1/jobs?limit=50
func (h *JobHandler) List(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return writeError(c, &domain.ValidationError{Field: "limit", Message: "must be between 1 and 1000"})
		}
		limit = n
	}
	list, err := h.jobs.List(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": list})
}

// Get returns one job.
// GET /v1/jobs/:id
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// Cancel stops a job.
// DELETE /v1/jobs/:id
func (h *JobHandler) Cancel(c echo.Context) error {
	job, err := h.jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// Result returns the structured result.
// GET /v1/jobs/:id/result
func (h *JobHandler) Result(c echo.Context) error {
	res, err := h.jobs.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Events returns status changes after the given sequence number.
// GET /v1/jobs/:id/events?since=0
func (h *JobHandler) Events(c echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return writeError(c, &domain.ValidationError{Field: "since", Message: "must be a non-negative integer"})
		}
		since = n
	}
	events, err := h.jobs.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// Report downloads the plain-text report.
// GET /v1/jobs/:id/report
func (h *JobHandler) Report(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	job, err := h.jobs.Status(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	res, err := h.jobs.Result(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	now := h.clock()
	name := job.Audio.Filename
	if name == "" {
		name = filepath.Base(job.Audio.Path)
	}
	body := report.Render(report.Metadata{Filename: name, Generated: now}, res)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", report.Filename(now)))
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(body))
}

// Transcript returns the transcript as copyable text.
// GET /v1/jobs/:id/transcript
func (h *JobHandler) Transcript(c echo.Context) error {
	res, err := h.jobs.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.String(http.StatusOK, report.TranscriptText(res.Transcript))
}

// Summary returns the summary as copyable text.
// GET /v1/jobs/:id/summary
func (h *JobHandler) Summary(c echo.Context) error {
	res, err := h.jobs.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !res.Complete {
		return writeError(c, fmt.Errorf("%w: post-processing did not complete", domain.ErrResultNotReady))
	}
	return c.String(http.StatusOK, res.Summary)
}
