// Package client is the microphone side of a dialog: it submits speech segments to the
// gateway and reassembles the replies.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/segmenter"
)

const readLimit = 8 << 20

var errSourceClosed = errors.New("client: segment source closed")

// Reply is the gateway's answer to one submission: audio, or a status text such as
// BUSY, NO_SPEECH or an ERROR line.
type Reply struct {
	Audio   []byte
	Status  string
	Latency time.Duration
}

func (r Reply) IsAudio() bool { return r.Status == "" }

// Conn is one gateway connection. Submissions on a Conn must not overlap.
type Conn struct {
	ws      *websocket.Conn
	conn    *framing.Conn
	timeout time.Duration
}

// Dial opens a gateway connection.
func Dial(ctx context.Context, url string, replyTimeout time.Duration) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, conn: framing.NewConn(ws), timeout: replyTimeout}, nil
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Submit sends pcm followed by END and waits for the complete reply.
func (c *Conn) Submit(ctx context.Context, pcm []byte) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	for off := 0; off < len(pcm); off += framing.DefaultChunkSize {
		end := min(off+framing.DefaultChunkSize, len(pcm))
		if err := c.conn.WriteUnit(ctx, framing.BinaryUnit(pcm[off:end])); err != nil {
			return Reply{}, fmt.Errorf("send audio: %w", err)
		}
	}
	if err := c.conn.WriteUnit(ctx, framing.TextUnit(protocol.CommandEnd)); err != nil {
		return Reply{}, fmt.Errorf("send end: %w", err)
	}

	var r framing.Reassembler
	for {
		u, err := c.conn.ReadUnit(ctx)
		if err != nil {
			return Reply{}, fmt.Errorf("read reply: %w", err)
		}
		msg, ok := r.Push(u)
		if !ok || msg.Status == protocol.ReplyAck {
			continue
		}
		if msg.IsAudio() {
			return Reply{Audio: msg.Audio, Latency: time.Since(start)}, nil
		}
		return Reply{Status: msg.Status, Latency: time.Since(start)}, nil
	}
}

// Client keeps a gateway connection open and submits segments as they arrive. While a
// reply is pending, new segments are skipped.
type Client struct {
	cfg config.ClientConfig
	log *slog.Logger

	inFlight atomic.Bool
	skipped  atomic.Int64
}

func New(cfg config.ClientConfig, log *slog.Logger) *Client {
	return &Client{cfg: cfg, log: log.With(slog.String("component", "dialog-client"))}
}

// Skipped counts segments dropped because a reply was pending.
func (c *Client) Skipped() int64 {
	return c.skipped.Load()
}

// Run submits segments until the source closes or ctx ends. A transport failure closes
// the connection and a new one is dialed after the reconnect delay.
func (c *Client) Run(ctx context.Context, segments <-chan segmenter.Segment, handle func(Reply)) error {
	delay := config.Millis(c.cfg.ReconnectMS)
	for {
		c.log.Info("connecting", slog.String("url", c.cfg.URL))
		conn, err := Dial(ctx, c.cfg.URL, config.Millis(c.cfg.ReplyTimeoutMS))
		if err == nil {
			err = c.serve(ctx, conn, segments, handle)
			_ = conn.Close()
		}
		if errors.Is(err, errSourceClosed) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *Conn, segments <-chan segmenter.Segment, handle func(Reply)) error {
	failed := make(chan error, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-failed:
			return err
		case seg, ok := <-segments:
			if !ok {
				wg.Wait()
				select {
				case err := <-failed:
					return err
				default:
				}
				return errSourceClosed
			}
			if !c.inFlight.CompareAndSwap(false, true) {
				c.skipped.Add(1)
				c.log.Info("reply pending, skipping segment", slog.Int("bytes", len(seg.PCM)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.inFlight.Store(false)
				reply, err := conn.Submit(ctx, seg.PCM)
				if err != nil {
					select {
					case failed <- err:
					default:
					}
					return
				}
				c.log.Info("reply received",
					slog.Int("audio_bytes", len(reply.Audio)),
					slog.String("status", reply.Status),
					slog.Duration("latency", reply.Latency))
				handle(reply)
			}()
		}
	}
}
