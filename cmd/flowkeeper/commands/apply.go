package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowkeeper/pkg/intents"
)

func newApplyCommand() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit intent files",
		Long: `Submit install and delete intents from files or directories.

Intents are applied in order and the affected devices are reconciled
immediately. Flows that could not be installed are reported per device.`,
		Example: `  # Apply one intent file
  flowkeeper apply -f intents/edge.yaml

  # Apply every intent file in a directory
  flowkeeper apply -f intents/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := loadIntents(files)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := intents.Apply(ctx, a.intentManager(), a.logger, docs...)
			if jsonOutput {
				if perr := printJSON(summary); perr != nil {
					return perr
				}
			} else if summary != nil {
				printIntentSummary(summary)
			}
			if err != nil {
				return err
			}

			if len(summary.Failures) > 0 {
				return fmt.Errorf("%d device(s) reported failures", len(summary.Failures))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "intent file or directory (repeatable)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// loadIntents reads intent documents from files and directories in order.
func loadIntents(paths []string) ([]*intents.Document, error) {
	var docs []*intents.Document
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}

		if info.IsDir() {
			dirDocs, err := intents.LoadDir(p)
			if err != nil {
				return nil, err
			}
			docs = append(docs, dirDocs...)
			continue
		}

		doc, err := intents.LoadFile(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func printIntentSummary(s *intents.Summary) {
	fmt.Printf("Applied %d intents, %d flow messages sent\n", s.Intents, s.Sent)

	devices := make([]string, 0, len(s.Failures))
	for d := range s.Failures {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	for _, d := range devices {
		fmt.Printf("\n%s:\n", d)
		for _, f := range s.Failures[d] {
			fmt.Printf("  %s %s: %s\n", f.Op, f.Key, f.Reason)
		}
	}
}
