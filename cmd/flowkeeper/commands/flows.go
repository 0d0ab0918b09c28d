package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
	"github.com/openfroyo/flowkeeper/pkg/gateway/ovs"
)

func newFlowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Install, delete and inspect flows",
	}

	cmd.AddCommand(newFlowsInstallCommand())
	cmd.AddCommand(newFlowsDeleteCommand())
	cmd.AddCommand(newFlowsListCommand())
	cmd.AddCommand(newFlowsDumpCommand())

	return cmd
}

// parseFlowArgs reads flows written in ovs-ofctl syntax.
func parseFlowArgs(args []string) ([]flows.Flow, error) {
	fs := make([]flows.Flow, 0, len(args))
	for _, arg := range args {
		o, err := ovs.ParseFlowLine(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid flow %q: %w", arg, err)
		}
		fs = append(fs, o.Flow)
	}
	return fs, nil
}

func newFlowsInstallCommand() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "install FLOW...",
		Short: "Install flows on one device or on every known device",
		Example: `  flowkeeper flows install --device s1 'priority=100,in_port=1,actions=output:2'
  flowkeeper flows install 'priority=10,dl_type=0x0806,actions=NORMAL'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			fs, err := parseFlowArgs(args)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			m := a.intentManager()
			var res *engine.IntentResult
			if device == "" {
				res, err = m.InstallAll(ctx, fs)
			} else {
				res, err = m.Install(ctx, device, fs)
			}
			return printIntentResult(res, err)
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "target device (default: every known device)")

	return cmd
}

func newFlowsDeleteCommand() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "delete [FLOW...]",
		Short: "Delete flows; with no flows given, delete all of them",
		Example: `  flowkeeper flows delete --device s1 'priority=100,in_port=1,actions=output:2'
  flowkeeper flows delete --device s1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var fs []flows.Flow
			if len(args) > 0 {
				var err error
				if fs, err = parseFlowArgs(args); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			m := a.intentManager()
			var res *engine.IntentResult
			if device == "" {
				res, err = m.DeleteAll(ctx, fs)
			} else {
				res, err = m.Delete(ctx, device, fs)
			}
			return printIntentResult(res, err)
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "target device (default: every device with stored flows)")

	return cmd
}

func printIntentResult(res *engine.IntentResult, err error) error {
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		devices := make([]string, 0, len(res.Records))
		for d := range res.Records {
			devices = append(devices, d)
		}
		sort.Strings(devices)

		for _, d := range devices {
			fmt.Printf("%s: %d records\n", d, len(res.Records[d]))
			for _, f := range res.Failures[d] {
				fmt.Printf("  failed %s %s: %s\n", f.Op, f.Key, f.Reason)
			}
		}
		fmt.Printf("%d flow messages sent\n", res.Sent)
	}

	return res.Partial()
}

func newFlowsListCommand() *cobra.Command {
	var (
		devices []string
		states  []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flow records (reserved flows are only shown by dump)",
		Example: `  flowkeeper flows list --device s1 --state error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := flows.Filter{DeviceIDs: devices}
			for _, s := range states {
				filter.States = append(filter.States, flows.State(s))
			}

			grouped, err := a.manager.ListStored(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(grouped)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tID\tSTATE\tFLOW\tERROR")
			for _, d := range sortedKeys(grouped) {
				for _, r := range grouped[d] {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d, r.ID, r.State, ovs.FormatFlow(r.Flow), r.Error)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "filter by device (repeatable)")
	cmd.Flags().StringArrayVar(&states, "state", nil, "filter by state: pending, installed, error, deleted (repeatable)")

	return cmd
}

func newFlowsDumpCommand() *cobra.Command {
	var devices []string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Show the flows live on devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			live, err := a.manager.ListLive(ctx, devices)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(live)
			}

			for _, d := range sortedKeys(live) {
				fmt.Printf("%s:\n", d)
				for _, o := range live[d] {
					fmt.Printf("  duration=%s, n_packets=%d, n_bytes=%d, %s\n",
						o.Duration, o.PacketCount, o.ByteCount, ovs.FormatFlow(o.Flow))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "device to dump (default: every connected device)")

	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
