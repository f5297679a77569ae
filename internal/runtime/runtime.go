package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribelabs/scribe-core/internal/api"
	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/capture"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/connectivity"
	"github.com/scribelabs/scribe-core/internal/history"
	"github.com/scribelabs/scribe-core/internal/natsserver"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/queue"
	"github.com/scribelabs/scribe-core/internal/session"
	"github.com/scribelabs/scribe-core/internal/syncer"
)

// Runtime wires the capture and delivery subsystem together: telemetry, the
// local broadcast bus, the durable offline queue, connectivity monitoring,
// and the sync coordinator. Sessions are created on top of a started runtime.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *queue.Store
	archive     *history.Store
	apiClient   *api.Client
	monitor     connectivity.Monitor
	coordinator *syncer.Coordinator
	factory     capture.Factory

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every subsystem and blocks until ctx is cancelled, then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		// The bus is a local broadcast convenience; capture and delivery
		// must keep working without it.
		r.logger.Warn("bus unavailable, continuing without broadcast", slog.String("error", err.Error()))
		busClient = nil
	}
	r.busClient = busClient

	store, err := queue.Open(ctx, r.cfg.Queue, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open offline queue: %w", err)
	}
	r.store = store

	archive, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session history: %w", err)
	}
	r.archive = archive

	r.apiClient = api.NewClient(r.cfg.API, r.logger)
	r.monitor = r.newMonitor(ctx)
	r.factory = r.newCaptureFactory()

	r.coordinator = syncer.NewCoordinator(store, r.apiClient, r.monitor, r.logger)
	r.coordinator.Subscribe(func(status protocol.SyncStatus) {
		if err := r.busClient.PublishJSON(protocol.SubjectSyncStatus, status); err != nil {
			r.logger.Warn("failed to publish sync status", slog.String("error", err.Error()))
		}
	})
	if r.cfg.Sync.AutoStart {
		syncer.InitAutoSync(ctx, r.coordinator, r.monitor)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/syncz", r.handleSyncStatus)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.busClient.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("queue close error", slog.String("error", err.Error()))
	}
	if err := r.archive.Close(); err != nil {
		r.logger.Error("history close error", slog.String("error", err.Error()))
	}
	if closer, ok := r.monitor.(*connectivity.ProbeMonitor); ok {
		closer.Close()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// NewSession creates a solo recording session on the started runtime.
func (r *Runtime) NewSession(handlers session.Handlers) *session.Controller {
	ctrl := session.NewController(r.cfg, r.factory, r.apiClient, r.store, r.monitor, r.busClient, handlers, r.logger)
	ctrl.SetArchive(r.archive)
	return ctrl
}

// NewRoom creates a shared-room session on the started runtime. The caller
// still needs to Join before starting.
func (r *Runtime) NewRoom(handlers session.Handlers, roomHandlers session.RoomHandlers) (*session.Controller, *session.RoomController) {
	ctrl := r.NewSession(handlers)
	room := session.NewRoomController(r.cfg, r.apiClient, ctrl, roomHandlers, r.logger)
	return ctrl, room
}

// Coordinator exposes the sync coordinator for manual drains and status
// subscriptions.
func (r *Runtime) Coordinator() *syncer.Coordinator {
	return r.coordinator
}

func (r *Runtime) newMonitor(ctx context.Context) connectivity.Monitor {
	if r.cfg.Connectivity.AssumeOnline {
		return connectivity.AlwaysOnline()
	}
	return connectivity.NewProbeMonitor(ctx, r.cfg.Connectivity, r.logger)
}

func (r *Runtime) newCaptureFactory() capture.Factory {
	switch r.cfg.Capture.Engine {
	case "exec":
		factory, err := capture.NewExecFactory(r.cfg.Capture)
		if err != nil {
			r.logger.Error("invalid capture command", slog.String("error", err.Error()))
			break
		}
		return factory
	case "mock":
		return capture.NewMockFactory(500 * time.Millisecond)
	}
	return func() (capture.Engine, error) { return nil, capture.ErrUnavailable }
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	if r.coordinator == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.coordinator.Status())
}
