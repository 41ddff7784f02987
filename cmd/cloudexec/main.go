package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crepererum/cloudexec/internal/logging"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := notifyContext(context.Background(), logger)
	defer stop()

	a := newApp(logger, &levelVar)
	code := a.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// notifyContext cancels the returned context on the first SIGINT or SIGTERM.
// Later signals are logged and otherwise ignored so that teardown can finish.
func notifyContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-signals:
				if ctx.Err() == nil {
					logger.Warn("received signal, shutting down", "signal", sig)
					cancel()
					continue
				}
				logger.Warn("ignoring signal while shutting down", "signal", sig)
			case <-done:
				return
			}
		}
	}()

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		signal.Stop(signals)
		close(done)
		cancel()
	}
	return ctx, stop
}
