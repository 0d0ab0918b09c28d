package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [INTENT_PATH...]",
		Short: "Validate the configuration and intent files",
		Long: `Validate the configuration given with --config and any intent files or
directories given as arguments. Nothing is sent to devices.`,
		Example: `  flowkeeper validate --config flowkeeper.cue intents/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("✓ Configuration valid (%d devices, gateway %s)\n", len(cfg.Devices()), cfg.Gateway.Kind)

			if len(args) == 0 {
				return nil
			}

			docs, err := loadIntents(args)
			if err != nil {
				return err
			}

			n := 0
			for _, d := range docs {
				n += len(d.Intents)
			}
			fmt.Printf("✓ %d intent documents valid (%d intents)\n", len(docs), n)
			return nil
		},
	}

	return cmd
}
