package cli

import (
	"fmt"
	"strconv"

	"github.com/absmach/roundsync"
	"github.com/absmach/roundsync/pkg/crypto"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var configCmd = []cobra.Command{
	{
		Use:   "init <path>",
		Short: "Write a config file, asking for the main settings",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := roundsync.DefaultConfig()

			if defaults, _ := cmd.Flags().GetBool("defaults"); !defaults {
				if err := configForm(&cfg).Run(); err != nil {
					logErrorCmd(*cmd, err)
					return
				}
			}
			if err := cfg.Validate(); err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			if err := roundsync.WriteConfig(args[0], cfg); err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logOKCmd(*cmd)
		},
	},
	{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			cfg.MQTT.Password = redact(cfg.MQTT.Password)
			cfg.Checkpoint.Registry.Password = redact(cfg.Checkpoint.Registry.Password)
			cfg.Transport.WorkloadKey = redact(cfg.Transport.WorkloadKey)
			logJSONCmd(*cmd, cfg)
		},
	},
	{
		Use:   "keygen",
		Short: "Generate a workload key for sealing MQTT payloads",
		Run: func(cmd *cobra.Command, _ []string) {
			key, err := crypto.GenerateKey()
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
		},
	},
}

func NewConfigCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "config",
		Short: "Create and inspect configuration",
	}

	for i := range configCmd {
		cmd.AddCommand(&configCmd[i])
	}

	initCmd := &configCmd[0]
	initCmd.Flags().BoolP("defaults", "d", false, "Write the defaults without asking")

	return &cmd
}

func configForm(cfg *roundsync.Config) *huh.Form {
	workers := strconv.Itoa(cfg.Run.Workers)
	rounds := strconv.Itoa(cfg.Run.Rounds)
	epochs := strconv.Itoa(cfg.Run.Epochs)

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Run name").Placeholder("generated when empty").Value(&cfg.Run.Name),
			huh.NewInput().Title("Workers").Value(&workers).Validate(positiveInt(&cfg.Run.Workers)),
			huh.NewInput().Title("Rounds").Value(&rounds).Validate(positiveInt(&cfg.Run.Rounds)),
			huh.NewInput().Title("Epochs per round").Value(&epochs).Validate(positiveInt(&cfg.Run.Epochs)),
			huh.NewSelect[string]().Title("Aggregation").
				Options(huh.NewOptions("mean", "weighted")...).
				Value(&cfg.Run.Algorithm),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Dataset").
				Options(huh.NewOptions(roundsync.SourceCIFAR10, roundsync.SourceChunks, roundsync.SourceSynthetic)...).
				Value(&cfg.Dataset.Source),
			huh.NewInput().Title("Dataset directory").Value(&cfg.Dataset.Dir),
			huh.NewConfirm().Title("Normalize contrast?").Value(&cfg.Dataset.Normalize),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Transport").
				Options(huh.NewOptions(roundsync.TransportLocal, roundsync.TransportMQTT)...).
				Value(&cfg.Transport.Kind),
			huh.NewInput().Title("MQTT broker URL").Value(&cfg.MQTT.URL),
			huh.NewSelect[string]().Title("Checkpoint store").
				Options(huh.NewOptions(roundsync.CheckpointFile, roundsync.CheckpointOCI, roundsync.CheckpointNone)...).
				Value(&cfg.Checkpoint.Kind),
			huh.NewInput().Title("Checkpoint directory").Value(&cfg.Checkpoint.Dir),
			huh.NewInput().Title("Status API address").Placeholder("disabled when empty").Value(&cfg.HTTP.Addr),
		),
	)
}

// positiveInt validates s and stores it in dst.
func positiveInt(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return fmt.Errorf("%q is not a positive integer", s)
		}
		*dst = n

		return nil
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}
