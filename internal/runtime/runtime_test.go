package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/client"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.STT.Mode = "mock"
	cfg.LLM.Mode = "mock"
	cfg.TTS.Mode = "mock"
	cfg.Tools.TimeoutMS = 200
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, string) {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for rt.Addr() == "" {
		select {
		case err := <-done:
			t.Fatalf("runtime failed to start: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return rt, rt.Addr()
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRuntimeServesDialog(t *testing.T) {
	_, addr := startRuntime(t, mockConfig(t))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if code := get(t, "http://"+addr+path); code != http.StatusOK {
			t.Fatalf("%s returned %d", path, code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, "ws://"+addr+"/ws", 10*time.Second)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Submit(ctx, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !reply.IsAudio() || !client.IsWAV(reply.Audio) {
		t.Fatalf("expected wav reply, got status %q", reply.Status)
	}

	reply, err = conn.Submit(ctx, make([]byte, 64))
	if err != nil || reply.Status != protocol.ReplyNoSpeech {
		t.Fatalf("silence should yield NO_SPEECH, got %+v err=%v", reply, err)
	}

	reply, err = conn.Submit(ctx, nil)
	if err != nil || reply.Status != protocol.ErrNoAudioMessage {
		t.Fatalf("empty submit should be rejected, got %+v err=%v", reply, err)
	}
}

func TestRuntimeWithoutBus(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Bus.Enabled = false
	cfg.Cache.Enabled = false
	_, addr := startRuntime(t, cfg)
	if code := get(t, "http://"+addr+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz returned %d", code)
	}
}

func TestBackendSelection(t *testing.T) {
	cfg := config.Default()
	if _, err := NewRecognizer(cfg.STT); err != nil {
		t.Fatalf("ws recognizer: %v", err)
	}
	if _, err := NewGenerator(cfg.LLM); err != nil {
		t.Fatalf("ws generator: %v", err)
	}
	if _, err := NewSynthesizer(cfg.TTS); err != nil {
		t.Fatalf("ws synthesizer: %v", err)
	}
	cfg.STT.Mode = "vosk"
	if _, err := NewRecognizer(cfg.STT); err == nil {
		t.Fatal("expected unsupported mode error")
	}
	cfg.LLM.Mode = "exec"
	cfg.LLM.Command = ""
	if _, err := NewGenerator(cfg.LLM); err == nil {
		t.Fatal("expected empty command error")
	}
}
