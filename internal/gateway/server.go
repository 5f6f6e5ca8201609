// Package gateway serves dialog clients over a websocket: one Session per connection,
// each running at most one pipeline at a time.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/eventstore"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Runner executes one admitted request. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, audio []byte) pipeline.Result
}

type Server struct {
	cfg   config.GatewayConfig
	pipe  Runner
	store *eventstore.Store
	log   *slog.Logger

	active   atomic.Int64
	sessions sync.WaitGroup

	activeGauge metric.Int64UpDownCounter
	busyCount   metric.Int64Counter
	turnCount   metric.Int64Counter
}

// NewServer builds the gateway. store may be nil.
func NewServer(cfg config.GatewayConfig, pipe Runner, store *eventstore.Store, log *slog.Logger) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("gateway: pipeline is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = framing.DefaultChunkSize
	}
	s := &Server{
		cfg:   cfg,
		pipe:  pipe,
		store: store,
		log:   log.With(slog.String("component", "gateway")),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Server) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dialog/internal/gateway")
	var err error
	if s.activeGauge, err = meter.Int64UpDownCounter("loqa_dialog_sessions_active",
		metric.WithDescription("Open client connections")); err != nil {
		return err
	}
	if s.busyCount, err = meter.Int64Counter("loqa_dialog_busy_total",
		metric.WithDescription("Requests rejected because one was already running")); err != nil {
		return err
	}
	s.turnCount, err = meter.Int64Counter("loqa_dialog_turns_total",
		metric.WithDescription("END commands handled, by outcome"))
	return err
}

// Active is the number of open sessions.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every session has finished, including in-flight pipelines.
func (s *Server) Wait() {
	s.sessions.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer ws.CloseNow()
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(int64(s.cfg.MaxMessageSize))
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx := r.Context()
	sess := newSession(uuid.NewString(), r.RemoteAddr, framing.NewConn(ws), s)

	s.active.Add(1)
	s.addActive(ctx, 1)
	defer func() {
		s.active.Add(-1)
		s.addActive(context.WithoutCancel(ctx), -1)
	}()

	if err := s.store.OpenSession(ctx, sess.id, sess.remote); err != nil {
		sess.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
	sess.log.Info("session opened", slog.String("remote", sess.remote))

	err = sess.serve(ctx)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		sess.log.Info("session closed")
	case err != nil:
		sess.log.Info("session ended", slog.String("error", err.Error()))
	}

	if err := s.store.CloseSession(context.WithoutCancel(ctx), sess.id); err != nil {
		sess.log.Warn("failed to record session close", slog.String("error", err.Error()))
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) addActive(ctx context.Context, n int64) {
	if s.activeGauge != nil {
		s.activeGauge.Add(ctx, n)
	}
}

func (s *Server) countTurn(ctx context.Context, outcome string) {
	if s.turnCount != nil {
		s.turnCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if outcome == outcomeBusy && s.busyCount != nil {
		s.busyCount.Add(ctx, 1)
	}
}
