package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowkeeper/pkg/engine"
)

func newSweepCommand() *cobra.Command {
	var devices []string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile devices once and print the result",
		Example: `  # Reconcile every known device
  flowkeeper sweep

  # Reconcile two devices, resending their reserved flows
  flowkeeper sweep --device s1 --device s2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var summary engine.SweepSummary
			if len(devices) == 0 {
				summary = a.sweep.SweepAll(ctx, engine.ReasonManual)
			} else {
				summary = engine.SweepSummary{Reason: engine.ReasonManual}
				for _, id := range devices {
					summary.Devices = append(summary.Devices, a.sweep.Trigger(ctx, id, engine.ReasonManual, engine.ProvisionForce))
				}
			}

			if jsonOutput {
				return printJSON(summary)
			}
			printSweep(summary)

			if summary.Totals().Failed > 0 {
				return fmt.Errorf("%d flow operations failed", summary.Totals().Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "device to reconcile (repeatable)")

	return cmd
}

func printSweep(s engine.SweepSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tADDED\tREMOVED\tUNCHANGED\tFAILED\tSTATUS")
	for _, r := range s.Devices {
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped: " + r.SkipReason
		case r.Error != "":
			status = "error: " + r.Error
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", r.DeviceID, r.Added, r.Removed, r.Unchanged, r.Failed, status)
	}
	w.Flush()

	t := s.Totals()
	fmt.Printf("\n%d devices, %d added, %d removed, %d failed in %s\n",
		len(s.Devices), t.Added, t.Removed, t.Failed, s.Duration)
}
