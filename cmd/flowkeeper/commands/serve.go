package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flowkeeper/pkg/intents"
	"github.com/openfroyo/flowkeeper/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		noMetrics   bool
		eventLevel  string
		eventDevice string
		eventTypes  []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation controller",
		Long: `Run the consistency sweep, the gateway probe loop and the intent
directory watcher until interrupted.

With the memory gateway every configured device is simulated and connects
at startup, which is useful to try intent files without switches.`,
		Example: `  # Run against the switches in the config
  flowkeeper serve --config /etc/flowkeeper/flowkeeper.yaml

  # Log every failed reconcile of s1
  flowkeeper serve --event-level info --event-device s1 --event-type device.failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter, err := eventFilter(eventLevel, eventDevice, eventTypes)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Telemetry.Events.Enabled {
				events := a.logger.With().Str("component", "events").Logger()
				a.tel.Events.Subscribe(telemetry.LogEvents(events), filter)
			}

			if !noMetrics && a.cfg.Telemetry.Metrics.Enabled {
				if err := a.tel.StartMetricsServer(); err != nil {
					return err
				}
			}

			log.Info().
				Str("gateway", a.cfg.Gateway.Kind).
				Str("store", a.cfg.Store.Path).
				Dur("interval", a.cfg.Engine.SweepInterval).
				Msg("Starting flowkeeper")

			g, ctx := errgroup.WithContext(ctx)

			observed := a.gateway.(*observedGateway)
			g.Go(func() error { return observed.forward(ctx) })
			g.Go(func() error { return a.sweep.Run(ctx) })

			if a.ovs != nil {
				g.Go(func() error { return a.ovs.Run(ctx) })
			}

			if dir := a.cfg.Intents.Dir; dir != "" {
				w := intents.NewWatcher(dir, a.intentManager(), a.cfg.Intents.Debounce, a.logger)
				g.Go(func() error { return w.Run(ctx) })
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("Flowkeeper stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve Prometheus metrics")
	cmd.Flags().StringVar(&eventLevel, "event-level", telemetry.EventLevelWarning, "lowest event level to log (info, warning, error)")
	cmd.Flags().StringVar(&eventDevice, "event-device", "", "only log events of this device")
	cmd.Flags().StringSliceVar(&eventTypes, "event-type", nil, "only log events of these types (e.g. device.failed)")

	return cmd
}

// eventFilter builds the subscriber filter for the serve event log.
func eventFilter(level, device string, types []string) (telemetry.EventFilter, error) {
	switch level {
	case telemetry.EventLevelInfo, telemetry.EventLevelWarning, telemetry.EventLevelError:
	default:
		return nil, fmt.Errorf("unknown event level %q", level)
	}

	filters := []telemetry.EventFilter{telemetry.FilterByLevel(level)}
	if device != "" {
		filters = append(filters, telemetry.FilterByDevice(device))
	}
	if len(types) > 0 {
		filters = append(filters, telemetry.FilterByType(types...))
	}
	return telemetry.MatchAll(filters...), nil
}
