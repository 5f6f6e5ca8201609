package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/eventstore"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/pipeline"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

const (
	outcomeBusy     = "busy"
	outcomeNoAudio  = "no_audio"
	outcomeOverflow = "overflow"
	outcomePanic    = "panic"
)

// Session owns one connection. The read loop appends binary units to buf; an END hands
// the buffer to a pipeline goroutine when the gate is free and answers BUSY otherwise.
// Either way the buffer starts empty again.
type Session struct {
	id     string
	remote string
	conn   *framing.Conn
	srv    *Server
	log    *slog.Logger

	buf  []byte
	busy atomic.Bool

	// writeMu keeps status replies out of the middle of a framed audio sequence.
	writeMu sync.Mutex
	running sync.WaitGroup
}

func newSession(id, remote string, conn *framing.Conn, srv *Server) *Session {
	return &Session{
		id:     id,
		remote: remote,
		conn:   conn,
		srv:    srv,
		log:    srv.log.With(slog.String("session_id", id)),
	}
}

// serve reads until the connection fails. An in-flight pipeline is cancelled and waited
// for before returning.
func (s *Session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.running.Wait()
	}()

	if interval := config.Millis(s.srv.cfg.PingInterval); interval > 0 {
		go s.keepAlive(ctx, cancel, interval)
	}

	for {
		unit, err := s.conn.ReadUnit(ctx)
		if err != nil {
			return err
		}
		switch {
		case unit.Kind == framing.Binary:
			s.appendAudio(ctx, unit.Data)
		case protocol.IsEnd(unit.Text()):
			s.end(ctx)
		default:
			s.sendText(ctx, protocol.ReplyAck)
		}
	}
}

func (s *Session) appendAudio(ctx context.Context, data []byte) {
	limit := s.srv.cfg.MaxBufferBytes
	if limit > 0 && len(s.buf)+len(data) > limit {
		dropped := len(s.buf) + len(data)
		s.buf = nil
		s.log.Warn("audio buffer limit exceeded", slog.Int("bytes", dropped), slog.Int("limit", limit))
		s.sendText(ctx, protocol.ErrorText(fmt.Sprintf("audio buffer exceeds %d bytes", limit)))
		s.record(ctx, eventstore.Turn{Outcome: outcomeOverflow, AudioBytes: dropped})
		return
	}
	s.buf = append(s.buf, data...)
}

func (s *Session) end(ctx context.Context) {
	audio := s.buf
	s.buf = nil

	if !s.busy.CompareAndSwap(false, true) {
		s.log.Info("request rejected, pipeline busy", slog.Int("bytes", len(audio)))
		s.sendText(ctx, protocol.ReplyBusy)
		s.record(ctx, eventstore.Turn{Outcome: outcomeBusy, AudioBytes: len(audio)})
		return
	}
	if len(audio) == 0 {
		s.busy.Store(false)
		s.sendText(ctx, protocol.ErrNoAudioMessage)
		s.record(ctx, eventstore.Turn{Outcome: outcomeNoAudio})
		return
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.process(ctx, audio)
	}()
}

// process runs the pipeline and writes its reply. The gate is released while holding the
// write lock, so a client that resubmits as soon as the reply arrives is never refused.
func (s *Session) process(ctx context.Context, audio []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("pipeline panic", slog.Any("panic", r))
			_ = s.reply(func() error {
				return s.conn.WriteUnit(ctx, framing.TextUnit(protocol.ErrorText("internal error")))
			})
			s.record(ctx, eventstore.Turn{Outcome: outcomePanic, AudioBytes: len(audio)})
		}
	}()

	res := s.srv.pipe.Run(ctx, audio)

	if err := s.reply(func() error { return s.writeResult(ctx, res) }); err != nil {
		s.log.Warn("failed to send reply", slog.String("error", err.Error()))
	}

	s.log.Info("request completed",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("audio_in", len(audio)),
		slog.Int("audio_out", len(res.Speech.Audio)),
		slog.Duration("latency", res.Latency))
	s.record(ctx, eventstore.Turn{
		Outcome:    string(res.Outcome),
		Transcript: res.Transcript,
		Reply:      res.Reply,
		Tools:      res.Tools,
		AudioBytes: len(audio),
		Latency:    res.Latency,
	})
}

// reply opens the gate and runs write under the write lock. The lock is released even
// when write panics.
func (s *Session) reply(write func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.busy.Store(false)
	return write()
}

func (s *Session) writeResult(ctx context.Context, res pipeline.Result) error {
	switch res.Outcome {
	case pipeline.OutcomeSpoken:
		return framing.Write(ctx, s.conn, res.Speech.Audio, s.srv.cfg.ChunkSize)
	case pipeline.OutcomeNoSpeech:
		return s.conn.WriteUnit(ctx, framing.TextUnit(protocol.ReplyNoSpeech))
	default:
		reason := "request failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return s.conn.WriteUnit(ctx, framing.TextUnit(protocol.ErrorText(reason)))
	}
}

func (s *Session) sendText(ctx context.Context, text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteUnit(ctx, framing.TextUnit(text)); err != nil {
		s.log.Debug("failed to send status", slog.String("status", text), slog.String("error", err.Error()))
	}
}

func (s *Session) keepAlive(ctx context.Context, cancel context.CancelFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, stop := context.WithTimeout(ctx, interval)
			err := s.conn.WS().Ping(pingCtx)
			stop()
			if err != nil && ctx.Err() == nil {
				s.log.Info("keep-alive failed", slog.String("error", err.Error()))
				cancel()
				return
			}
		}
	}
}

func (s *Session) record(ctx context.Context, turn eventstore.Turn) {
	ctx = context.WithoutCancel(ctx)
	s.srv.countTurn(ctx, turn.Outcome)
	turn.SessionID = s.id
	if err := s.srv.store.AppendTurn(ctx, turn); err != nil {
		s.log.Warn("failed to record turn", slog.String("error", err.Error()))
	}
}
