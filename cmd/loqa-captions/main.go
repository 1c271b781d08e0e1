package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/runtime"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-captions.yaml"

func main() {
	var (
		configPath  string
		showVersion bool
		device      string
		sampleRate  int
		outputPath  string
	)

	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&device, "device", "", "Input device (overrides audio.device)")
	flag.StringVar(&device, "d", "", "Shorthand for -device")
	flag.IntVar(&sampleRate, "samplerate", 0, "Sampling rate in Hz (overrides audio.sample_rate)")
	flag.IntVar(&sampleRate, "r", 0, "Shorthand for -samplerate")
	flag.StringVar(&outputPath, "filename", "", "File to append raw audio to (overrides audio.output_path)")
	flag.StringVar(&outputPath, "f", "", "Shorthand for -filename")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if device != "" {
		cfg.Audio.Device = device
	}
	if sampleRate != 0 {
		cfg.Audio.SampleRate = sampleRate
	}
	if outputPath != "" {
		cfg.Audio.OutputPath = outputPath
	}
	if err := config.Validate(cfg); err != nil {
		bootLogger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	slog.SetDefault(logger)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// loadConfig tolerates a missing file only at the default path.
func loadConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Load("")
		}
	}
	return config.Load(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
