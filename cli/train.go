package cli

import (
	"context"
	"log/slog"

	"github.com/absmach/roundsync"
	"github.com/spf13/cobra"
)

// LoggerFunc builds the process logger for a configured level.
type LoggerFunc func(level string) *slog.Logger

func NewTrainCmd(newLogger LoggerFunc) *cobra.Command {
	cmd := cobra.Command{
		Use:   "train",
		Short: "Run synchronous data-parallel training",
		Long: `Train one model on a fixed group of workers. With the local transport every
worker runs in this process; with the MQTT transport this process is one rank
and the others join through the broker under the same run id.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			if rank, _ := cmd.Flags().GetInt("rank"); rank >= 0 {
				cfg.Transport.Rank = rank
				if err := cfg.Validate(); err != nil {
					logErrorCmd(*cmd, err)
					return
				}
			}

			logger := newLogger(cfg.Run.LogLevel)
			runner, err := NewRunner(cfg, logger)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			res, err := runner.Run(commandContext(cmd))
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logJSONCmd(*cmd, res)
		},
	}

	cmd.Flags().IntP("rank", "r", -1, "Rank of this process with the MQTT transport (overrides the config)")

	return &cmd
}

// loadConfig reads the file named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (roundsync.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	return roundsync.LoadConfig(path)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}
