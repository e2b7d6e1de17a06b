// Command studysync drains and monitors the base-study consistency outboxes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	if v := os.Getenv("STUDYSYNC_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid STUDYSYNC_LOG_LEVEL %q, using info\n", v)
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		logger.Error("command failed", "error", err, "exit_code", code)
		return code
	}
	return exitSuccess
}
