// Package httpapi exposes the pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loqalabs/whisperlens/internal/domain"
	"github.com/loqalabs/whisperlens/internal/ingest"
	"github.com/loqalabs/whisperlens/internal/jobs"
)

// Ingester accepts uploads.
type Ingester interface {
	Accept(ctx context.Context, up ingest.Upload) (domain.Job, error)
}

// Jobs is the read and control surface of the orchestrator.
type Jobs interface {
	Status(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.Job, error)
	Result(ctx context.Context, id string) (domain.Result, error)
	Events(ctx context.Context, id string, since int64) ([]domain.JobEvent, error)
	Cancel(ctx context.Context, id string) (domain.Job, error)
}

// Options configures the HTTP surface.
type Options struct {
	MaxBodyBytes int64
	Ingester     Ingester
	Jobs         Jobs
	// Ready reports readiness for /readyz; nil means always ready.
	Ready   func() bool
	Metrics http.Handler
	Logger  *slog.Logger
	Clock   func() time.Time
}

// New builds the echo instance with every route registered.
func New(opts Options) *echo.Echo {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger.With(slog.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if werr := writeError(c, err); werr != nil {
			log.Error("write error response failed", slog.String("error", werr.Error()))
		}
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.Debug("request", attrs...)
			return nil
		},
	}))

	h := &JobHandler{ingester: opts.Ingester, jobs: opts.Jobs, clock: opts.Clock, log: log}

	api := e.Group("/v1")
	upload := []echo.MiddlewareFunc{}
	if opts.MaxBodyBytes > 0 {
		upload = append(upload, middleware.BodyLimit(strconv.FormatInt(opts.MaxBodyBytes, 10)))
	}
	api.POST("/jobs", h.Submit, upload...)
	api.GET("/jobs", h.List)
	api.GET("/jobs/:id", h.Get)
	api.DELETE("/jobs/:id", h.Cancel)
	api.GET("/jobs/:id/result", h.Result)
	api.GET("/jobs/:id/events", h.Events)
	api.GET("/jobs/:id/report", h.Report)
	api.GET("/jobs/:id/transcript", h.Transcript)
	api.GET("/jobs/:id/summary", h.Summary)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/readyz", func(c echo.Context) error {
		if opts.Ready == nil || opts.Ready() {
			return c.String(http.StatusOK, "ready")
		}
		return c.String(http.StatusServiceUnavailable, "not ready")
	})
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return e
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		switch {
		case verr.TooLarge:
			return http.StatusRequestEntityTooLarge
		case verr.Unsupported:
			return http.StatusUnsupportedMediaType
		default:
			return http.StatusBadRequest
		}
	case errors.As(err, &herr):
		return herr.Code
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrResultNotReady):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	status := statusFor(err)
	msg := err.Error()
	var herr *echo.HTTPError
	if errors.As(err, &herr) {
		if m, ok := herr.Message.(string); ok {
			msg = m
		}
	}
	return c.JSON(status, map[string]string{"error": msg})
}
