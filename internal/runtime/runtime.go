package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/bus"
	"github.com/loqalabs/loqa-dialog/internal/cache"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/eventstore"
	"github.com/loqalabs/loqa-dialog/internal/gateway"
	"github.com/loqalabs/loqa-dialog/internal/natsserver"
	"github.com/loqalabs/loqa-dialog/internal/pipeline"
	"github.com/loqalabs/loqa-dialog/internal/tools"
)

// Runtime owns every long-lived component of the dialog server. Nothing is shared
// through package state; each component receives what it needs from here.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
	addr        atomic.Value

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *tools.Bridge
	store    *eventstore.Store
	gateway  *gateway.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}

	pipe, err := r.buildPipeline()
	if err != nil {
		r.stopComponents()
		return err
	}
	r.gateway, err = gateway.NewServer(r.cfg.Gateway, pipe, r.store, r.logger)
	if err != nil {
		r.stopComponents()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle(r.cfg.Gateway.Path, r.gateway)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.stopComponents()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	// Sessions inherit this context, so cancelling it ends hijacked websocket connections.
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sessionCtx },
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("ws_path", r.cfg.Gateway.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancelSessions()
	r.gateway.Wait()
	r.wg.Wait()

	r.stopComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if !r.cfg.Bus.Enabled {
		r.logger.Warn("command bus disabled, tool calls will not be dispatched")
		return nil
	}

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		r.embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.bridge, err = tools.NewBridge(r.bus, r.cfg.Tools, r.logger)
	if err != nil {
		return err
	}
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start tool bridge: %w", err)
	}
	return nil
}

func (r *Runtime) buildPipeline() (*pipeline.Pipeline, error) {
	recognizer, err := NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("stt backend: %w", err)
	}
	generator, err := NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	synth, err := NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts backend: %w", err)
	}

	deps := pipeline.Deps{Recognizer: recognizer, Generator: generator, Synthesizer: synth}
	if r.bridge != nil {
		deps.Tools = r.bridge
	}
	if r.cfg.Cache.Enabled {
		deps.Cache, err = cache.New(r.cfg.Cache.Capacity)
		if err != nil {
			return nil, err
		}
	}
	r.logger.Info("pipeline configured",
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Bool("tools", deps.Tools != nil),
		slog.Bool("cache", deps.Cache != nil))
	return pipeline.New(r.cfg, deps, r.logger)
}

func (r *Runtime) stopComponents() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := r.readiness(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) readiness() error {
	if !r.ready.Load() {
		return errors.New("not ready")
	}
	if r.bus != nil && !r.bus.Healthy() {
		return errors.New("bus disconnected")
	}
	return nil
}
