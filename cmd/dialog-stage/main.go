package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/llm"
	"github.com/loqalabs/loqa-dialog/internal/runtime"
	"github.com/loqalabs/loqa-dialog/internal/stage"
	"github.com/loqalabs/loqa-dialog/internal/stt"
	"github.com/loqalabs/loqa-dialog/internal/tts"
)

func main() {
	var (
		configPath string
		name       string
		listen     string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&name, "stage", "", "Stage to serve: stt, llm or tts")
	flag.StringVar(&listen, "listen", "", "Listen address (defaults to the port of the stage endpoint)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))

	handler, defaultListen, err := buildHandler(cfg, name, logger)
	if err != nil {
		logger.Error("failed to build stage", slog.String("stage", name), slog.String("error", err.Error()))
		os.Exit(2)
	}
	if listen == "" {
		listen = defaultListen
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           stage.NewServer(name, handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("stage server started", slog.String("stage", name), slog.String("addr", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("stage server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildHandler serves the local backend of a stage. A ws mode would only forward to
// itself, so it falls back to mock.
func buildHandler(cfg config.Config, name string, logger *slog.Logger) (stage.Handler, string, error) {
	switch name {
	case "stt":
		c := cfg.STT
		if c.Mode == "ws" {
			c.Mode = "mock"
		}
		rec, err := runtime.NewRecognizer(c)
		if err != nil {
			return nil, "", err
		}
		return stt.NewStageHandler(c, rec, logger), ":8778", nil
	case "llm":
		c := cfg.LLM
		if c.Mode == "ws" {
			c.Mode = "mock"
		}
		gen, err := runtime.NewGenerator(c)
		if err != nil {
			return nil, "", err
		}
		return llm.NewStageHandler(c, gen, logger), ":8779", nil
	case "tts":
		c := cfg.TTS
		if c.Mode == "ws" {
			c.Mode = "mock"
		}
		synth, err := runtime.NewSynthesizer(c)
		if err != nil {
			return nil, "", err
		}
		return tts.NewStageHandler(c, synth, logger), ":8777", nil
	default:
		return nil, "", fmt.Errorf("unknown stage %q (want stt, llm or tts)", name)
	}
}
