package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		device string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the reconcile log",
		Long: `Show per-device reconcile results recorded by past sweeps, newest first.`,
		Example: `  flowkeeper events --device s1 --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			var deviceID *string
			if device != "" {
				deviceID = &device
			}

			events, err := a.store.ListEvents(cmd.Context(), deviceID, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSWEEP\tREASON\tDEVICE\tADDED\tREMOVED\tFAILED\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.SweepID, e.Reason, e.DeviceID,
					e.Added, e.Removed, e.Failed, e.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "only show this device")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
