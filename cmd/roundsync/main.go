package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/roundsync/cli"
	"github.com/spf13/cobra"
)

const envConfig = "ROUNDSYNC_CONFIG"

var logLevel slog.Level

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:   "roundsync",
		Short: "Synchronous data-parallel training coordinator",
		Long: `roundsync trains one model across a fixed group of workers in lock-step
rounds: the coordinator broadcasts the consensus weights, every worker trains
on its own shard, and the coordinator averages the results.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv(envConfig), "Path to the TOML config file")

	rootCmd.AddCommand(cli.NewTrainCmd(configureLogger))
	rootCmd.AddCommand(cli.NewPrepareCmd())
	rootCmd.AddCommand(cli.NewDescribeCmd())
	rootCmd.AddCommand(cli.NewConfigCmd())

	return rootCmd.ExecuteContext(ctx)
}

func configureLogger(level string) *slog.Logger {
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	return logger
}
