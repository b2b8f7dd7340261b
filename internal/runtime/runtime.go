package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loqalabs/whisperlens/internal/bus"
	"github.com/loqalabs/whisperlens/internal/config"
	"github.com/loqalabs/whisperlens/internal/httpapi"
	"github.com/loqalabs/whisperlens/internal/ingest"
	"github.com/loqalabs/whisperlens/internal/jobs"
	"github.com/loqalabs/whisperlens/internal/natsserver"
	"github.com/loqalabs/whisperlens/internal/postprocess"
	"github.com/loqalabs/whisperlens/internal/protocol"
	"github.com/loqalabs/whisperlens/internal/store"
	"github.com/loqalabs/whisperlens/internal/stt"
)

// Version is reported in telemetry resources and by the daemon's -version flag.
var Version = "0.1.0-dev"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	store  *store.Store
	orch   *jobs.Orchestrator
	pruner *cron.Cron
	addr   atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the address the HTTP server listens on once started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	handler, err := r.wire(ctx, tel.metrics)
	if err != nil {
		r.shutdown()
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := r.startPruner(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

// wire builds the pipeline components in dependency order.
func (r *Runtime) wire(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = embedded

		client, err := bus.Connect(ctx, r.cfg.Bus, embedded.ClientURL(), r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
		maxAge := time.Duration(r.cfg.Bus.StreamMaxAgeMins) * time.Minute
		if err := client.EnsureStream(protocol.StreamJobs, []string{protocol.SubjectJobsAll}, maxAge); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	processor, err := postprocess.FromConfig(r.cfg.Summarizer, r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create post-processor: %w", err)
	}

	var publisher jobs.Publisher
	if r.bus != nil {
		publisher = r.bus
	}
	orch, err := jobs.NewOrchestrator(r.cfg.Orchestrator, st, recognizer, processor, publisher, r.logger)
	if err != nil {
		return nil, err
	}
	r.orch = orch
	if err := orch.Start(ctx); err != nil {
		return nil, err
	}

	gateway, err := ingest.NewGateway(r.cfg.Ingest, orch, r.logger)
	if err != nil {
		return nil, err
	}
	r.logger.Info("pipeline ready",
		slog.String("stt", recognizer.Name()),
		slog.String("summarizer", r.cfg.Summarizer.Mode),
		slog.Bool("bus", r.bus != nil))

	return httpapi.New(httpapi.Options{
		MaxBodyBytes: r.cfg.HTTP.MaxBodyBytes,
		Ingester:     gateway,
		Jobs:         orch,
		Ready:        r.isReady,
		Metrics:      metricsHandler,
		Logger:       r.logger,
	}), nil
}

// startPruner schedules retention pruning on store.prune_schedule.
func (r *Runtime) startPruner(ctx context.Context) error {
	r.pruner = cron.New()
	_, err := r.pruner.AddFunc(r.cfg.Store.PruneSchedule, func() {
		removed, err := r.store.Prune(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("store prune failed", slog.String("error", err.Error()))
			}
			return
		}
		if removed > 0 {
			r.logger.Info("pruned expired jobs", slog.Int("count", removed))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule store pruning: %w", err)
	}
	r.pruner.Start()
	return nil
}

// shutdown releases components in reverse start order. Nil components are skipped.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.pruner != nil {
		select {
		case <-r.pruner.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if r.orch != nil {
		if err := r.orch.Close(shutdownCtx); err != nil {
			r.logger.Error("orchestrator shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.orch == nil || !r.orch.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.store.Ping(ctx) == nil
}
