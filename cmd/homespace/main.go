package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/device"
	"github.com/homespace/homespace/pkg/engine"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/scene"
	"github.com/homespace/homespace/pkg/server"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/twofactor"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	clk := clock.Configured()
	s := storage.Configured()
	eng := engine.Configured(s, clk)
	tg := device.New(s, eng)
	executor := scene.NewExecutor(s, tg)
	scheduler := scene.ConfiguredScheduler(s, executor, clk)
	tf := twofactor.Configured(s, clk)

	// init server
	srv := server.Configured(s, tg, executor, tf, clk)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// time-triggered scenes run alongside the HTTP server
	go scheduler.Run(ctx)

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
