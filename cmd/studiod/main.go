// Package main is the entrypoint for the studio job engine. The same binary
// runs the HTTP-facing process (serve) and the background workers (worker).
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "studiod",
		Short:         "Job orchestration and notification engine for the studio backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())

	if err := root.Execute(); err != nil {
		slog.Error("studiod failed", "error", err)
		os.Exit(1)
	}
}
