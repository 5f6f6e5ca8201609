package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/capture"
	"github.com/loqalabs/loqa-dialog/internal/client"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/segmenter"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		wavPath    string
		realtime   bool
		url        string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&wavPath, "wav", "", "Read a 16-bit mono WAV file instead of raw PCM on stdin")
	flag.BoolVar(&realtime, "realtime", false, "Pace input at capture speed")
	flag.StringVar(&url, "url", "", "Gateway websocket URL (overrides client.url)")

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if url != "" {
		cfg.Client.URL = url
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))

	if err := run(cfg, wavPath, realtime, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dialog client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, wavPath string, realtime bool, logger *slog.Logger) error {
	opts := segmenter.OptionsFromConfig(cfg.Segmenter)
	seg, err := segmenter.New(segmenter.EnergyClassifier{Threshold: cfg.Segmenter.EnergyThreshold}, opts)
	if err != nil {
		return err
	}

	frames := capture.NewFrameReader(os.Stdin, opts.FrameBytes)
	if wavPath != "" {
		frames, err = capture.OpenWAV(wavPath, cfg.Segmenter.SampleRate, opts.FrameBytes)
		if err != nil {
			return err
		}
	}

	sink, err := client.NewFileSink(cfg.Client.OutputDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pace time.Duration
	if realtime {
		pace = config.Millis(cfg.Segmenter.FrameDurationMS)
	}
	segments := capture.Segments(ctx, frames, seg, pace, logger)

	c := client.New(cfg.Client, logger)
	return c.Run(ctx, segments, func(r client.Reply) {
		if !r.IsAudio() {
			logger.Info("status reply", slog.String("status", r.Status))
			return
		}
		path, err := sink.Save(r.Audio)
		if err != nil {
			logger.Warn("failed to save reply", slog.String("error", err.Error()))
			return
		}
		logger.Info("reply saved", slog.String("path", path), slog.Int("bytes", len(r.Audio)))
	})
}
