package framing

import (
	"context"

	"github.com/coder/websocket"
)

// Conn adapts a websocket connection to unit reads and writes.
type Conn struct {
	ws *websocket.Conn
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) WriteUnit(ctx context.Context, u Unit) error {
	typ := websocket.MessageText
	if u.Kind == Binary {
		typ = websocket.MessageBinary
	}
	return c.ws.Write(ctx, typ, u.Data)
}

func (c *Conn) ReadUnit(ctx context.Context) (Unit, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Unit{}, err
	}
	if typ == websocket.MessageBinary {
		return BinaryUnit(data), nil
	}
	return Unit{Kind: Text, Data: data}, nil
}

// WS returns the underlying connection.
func (c *Conn) WS() *websocket.Conn {
	return c.ws
}
