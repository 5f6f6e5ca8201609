package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/framing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestExchangeEcho(t *testing.T) {
	srv := httptest.NewServer(NewServer("echo", func(_ context.Context, req framing.Unit) (framing.Unit, error) {
		return framing.TextUnit("got " + req.Text()), nil
	}, newLogger()))
	defer srv.Close()

	c := NewClient("echo", wsURL(srv), 5*time.Second)
	reply, err := c.ExchangeText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if reply != "got hello" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestExchangeBinary(t *testing.T) {
	srv := httptest.NewServer(NewServer("tts", func(_ context.Context, req framing.Unit) (framing.Unit, error) {
		return framing.BinaryUnit([]byte{1, 2, 3}), nil
	}, newLogger()))
	defer srv.Close()

	reply, err := NewClient("tts", wsURL(srv), 5*time.Second).Exchange(context.Background(), framing.TextUnit("speak"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if reply.Kind != framing.Binary || len(reply.Data) != 3 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestErrorReplyIsStageError(t *testing.T) {
	srv := httptest.NewServer(NewServer("stt", func(context.Context, framing.Unit) (framing.Unit, error) {
		return framing.Unit{}, errors.New("model not loaded")
	}, newLogger()))
	defer srv.Close()

	_, err := NewClient("stt", wsURL(srv), 5*time.Second).Exchange(context.Background(), framing.BinaryUnit([]byte{0, 0}))
	var stageErr *Error
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if stageErr.Stage != "stt" || stageErr.Message != "model not loaded" {
		t.Fatalf("unexpected stage error %+v", stageErr)
	}
}

func TestExchangeTimesOut(t *testing.T) {
	srv := httptest.NewServer(NewServer("slow", func(ctx context.Context, _ framing.Unit) (framing.Unit, error) {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return framing.TextUnit("late"), nil
	}, newLogger()))
	defer srv.Close()

	start := time.Now()
	_, err := NewClient("slow", wsURL(srv), 100*time.Millisecond).ExchangeText(context.Background(), "x")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var stageErr *Error
	if errors.As(err, &stageErr) {
		t.Fatalf("timeout must be a transport error, got stage error %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestDialFailure(t *testing.T) {
	_, err := NewClient("llm", "ws://127.0.0.1:1", time.Second).ExchangeText(context.Background(), "x")
	if err == nil {
		t.Fatal("expected dial error")
	}
}
