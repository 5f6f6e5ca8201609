package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialog/internal/bus"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrUnknownTool = errors.New("unknown tool")

// Bus is the slice of the command bus the bridge needs.
type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, handler bus.Handler) (*nats.Subscription, error)
}

// Outcome says where a tool result came from.
type Outcome string

const (
	OutcomeReplied  Outcome = "replied"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFallback Outcome = "fallback"
	OutcomeUnknown  Outcome = "unknown"
)

// Result is the text produced for one tool call. Text is always speakable; Err explains
// a non-replied outcome.
type Result struct {
	Text    string
	Outcome Outcome
	Err     error
}

type slot struct {
	filled  bool
	payload []byte
}

// Bridge turns asynchronous bus replies into synchronous tool results. Each call
// registers a slot under a fresh request id before publishing, then polls it until it is
// filled or the timeout passes. The slot is removed on either path.
type Bridge struct {
	bus     Bus
	subject string
	poll    time.Duration
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*slot
	sub     *nats.Subscription

	calls metric.Int64Counter
}

func NewBridge(b Bus, cfg config.ToolsConfig, log *slog.Logger) (*Bridge, error) {
	if b == nil {
		return nil, errors.New("tools: bus is required")
	}
	if cfg.PollIntervalMS <= 0 {
		return nil, fmt.Errorf("tools: poll interval must be positive, got %dms", cfg.PollIntervalMS)
	}
	if cfg.TimeoutMS <= 0 {
		return nil, fmt.Errorf("tools: timeout must be positive, got %dms", cfg.TimeoutMS)
	}
	calls, err := otel.Meter("github.com/loqalabs/loqa-dialog/internal/tools").
		Int64Counter("loqa_dialog_tool_calls_total")
	if err != nil {
		return nil, err
	}
	return &Bridge{
		bus:     b,
		subject: cfg.IntentSubject,
		poll:    config.Millis(cfg.PollIntervalMS),
		timeout: config.Millis(cfg.TimeoutMS),
		log:     log.With(slog.String("component", "tool-bridge")),
		now:     time.Now,
		pending: make(map[string]*slot),
		calls:   calls,
	}, nil
}

// Start subscribes to every response subject under the intent subject.
func (b *Bridge) Start() error {
	sub, err := b.bus.Subscribe(protocol.ResponseWildcard(b.subject), b.handleResponse)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Close() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Pending is the number of calls currently waiting for a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) handleResponse(subject string, data []byte) {
	id := protocol.RequestIDFromSubject(subject)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[id]
	if !ok {
		b.log.Debug("dropping reply for unknown request", slog.String("request_id", id))
		return
	}
	if s.filled {
		return
	}
	s.filled = true
	s.payload = append([]byte(nil), data...)
}

// Invoke runs one tool call and always yields speakable text.
func (b *Bridge) Invoke(ctx context.Context, name string, args Args) Result {
	tool, ok := Lookup(name)
	if !ok {
		b.record(ctx, name, OutcomeUnknown)
		return Result{
			Text:    fmt.Sprintf("tool %s not found", name),
			Outcome: OutcomeUnknown,
			Err:     fmt.Errorf("%w: %s", ErrUnknownTool, name),
		}
	}
	if args == nil {
		args = Args{}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.pending[id] = &slot{}
	b.mu.Unlock()

	if err := b.bus.PublishJSON(b.subject, tool.Command(args, id)); err != nil {
		b.remove(id)
		b.log.Warn("tool publish failed", slog.String("tool", name), slog.String("error", err.Error()))
		b.record(ctx, name, OutcomeFallback)
		return Result{Text: tool.Fallback(args, b.now()), Outcome: OutcomeFallback, Err: err}
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if payload, ok := b.take(id); ok {
				b.record(ctx, name, OutcomeReplied)
				return Result{Text: replyText(payload, tool, args), Outcome: OutcomeReplied}
			}
		case <-deadline.C:
			b.remove(id)
			b.log.Warn("tool reply timed out", slog.String("tool", name), slog.String("request_id", id))
			b.record(ctx, name, OutcomeTimeout)
			return Result{Text: tool.Fallback(args, b.now()), Outcome: OutcomeTimeout, Err: context.DeadlineExceeded}
		case <-ctx.Done():
			b.remove(id)
			b.record(ctx, name, OutcomeFallback)
			return Result{Text: tool.Fallback(args, b.now()), Outcome: OutcomeFallback, Err: ctx.Err()}
		}
	}
}

// take removes and returns a filled slot.
func (b *Bridge) take(id string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[id]
	if !ok || !s.filled {
		return nil, false
	}
	delete(b.pending, id)
	return s.payload, true
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) record(ctx context.Context, name string, outcome Outcome) {
	b.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", string(outcome)),
	))
}

// replyText reads a bus reply: a JSON object's "text" field, or the raw payload.
func replyText(payload []byte, tool Tool, args Args) string {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var resp protocol.IntentResponse
		if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
			if resp.Text != "" {
				return resp.Text
			}
			return tool.ReplyDefault(args)
		}
	}
	return trimmed
}
