package stage

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// Handler turns one request unit into one reply unit.
type Handler func(ctx context.Context, req framing.Unit) (framing.Unit, error)

// Server answers the stage sub-protocol. Every request on a connection gets exactly one
// reply; handler errors are sent back as ERROR text.
type Server struct {
	name      string
	handler   Handler
	log       *slog.Logger
	readLimit int64
}

func NewServer(name string, handler Handler, log *slog.Logger) *Server {
	return &Server{
		name:      name,
		handler:   handler,
		log:       log.With(slog.String("stage", name)),
		readLimit: DefaultReadLimit,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("stage accept failed", slog.String("error", err.Error()))
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.readLimit)

	ctx := r.Context()
	conn := framing.NewConn(ws)
	for {
		req, err := conn.ReadUnit(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.log.Debug("stage connection closed", slog.String("error", err.Error()))
			}
			return
		}
		reply, err := s.handler(ctx, req)
		if err != nil {
			s.log.Warn("stage request failed", slog.String("error", err.Error()))
			reply = framing.TextUnit(protocol.ErrorText(err.Error()))
		}
		if err := conn.WriteUnit(ctx, reply); err != nil {
			s.log.Warn("stage reply failed", slog.String("error", err.Error()))
			return
		}
	}
}
