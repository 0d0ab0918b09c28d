package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowkeeper",
		Short: "Flowkeeper - OpenFlow flow-state reconciliation",
		Long: `Flowkeeper keeps the forwarding table of every managed switch in line
with the flows the operator asked for.

Features:
  - Persistent flow intent in SQLite
  - Per-device reconciliation on connect, flow removal and a fixed interval
  - Discovery and colouring flows provisioned from the topology
  - Open vSwitch gateway over ovs-ofctl, locally or over SSH
  - Declarative intent files, watched for changes`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newFlowsCommand())
	rootCmd.AddCommand(newTagsCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
