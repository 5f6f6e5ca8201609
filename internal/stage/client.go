// Package stage implements the one-request, one-reply websocket exchange used to reach
// the transcription, reasoning and synthesis services.
package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// Error is a failure reported by the remote stage itself (an ERROR-prefixed text reply).
type Error struct {
	Stage   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s", e.Stage, e.Message)
}

// DefaultReadLimit bounds a single stage reply.
const DefaultReadLimit = 8 << 20

// Client dials a fresh connection for every exchange.
type Client struct {
	name      string
	endpoint  string
	timeout   time.Duration
	readLimit int64
}

func NewClient(name, endpoint string, timeout time.Duration) *Client {
	return &Client{name: name, endpoint: endpoint, timeout: timeout, readLimit: DefaultReadLimit}
}

// Name is the stage label used in errors and metrics.
func (c *Client) Name() string { return c.name }

// Exchange sends req and returns the single reply unit. A text reply starting with
// ERROR is returned as *Error.
func (c *Client) Exchange(ctx context.Context, req framing.Unit) (framing.Unit, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(ctx, c.endpoint, nil)
	if err != nil {
		return framing.Unit{}, fmt.Errorf("dial %s stage: %w", c.name, err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(c.readLimit)

	conn := framing.NewConn(ws)
	if err := conn.WriteUnit(ctx, req); err != nil {
		return framing.Unit{}, fmt.Errorf("send to %s stage: %w", c.name, err)
	}
	reply, err := conn.ReadUnit(ctx)
	if err != nil {
		return framing.Unit{}, fmt.Errorf("read from %s stage: %w", c.name, err)
	}
	ws.Close(websocket.StatusNormalClosure, "")

	if reply.Kind == framing.Text && protocol.IsError(reply.Text()) {
		msg := strings.TrimSpace(strings.TrimPrefix(reply.Text(), protocol.ErrorPrefix))
		msg = strings.TrimSpace(strings.TrimPrefix(msg, ":"))
		return framing.Unit{}, &Error{Stage: c.name, Message: msg}
	}
	return reply, nil
}

// ExchangeText sends text and expects a text reply.
func (c *Client) ExchangeText(ctx context.Context, text string) (string, error) {
	reply, err := c.Exchange(ctx, framing.TextUnit(text))
	if err != nil {
		return "", err
	}
	if reply.Kind != framing.Text {
		return "", fmt.Errorf("%s stage replied with binary, want text", c.name)
	}
	return reply.Text(), nil
}
