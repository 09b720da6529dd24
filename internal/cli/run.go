package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memgov"
)

type runFlags struct {
	duration time.Duration
	interval time.Duration
	metrics  bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop and print status snapshots",
		Long: "Starts the governor with the configured pools and cache layers and prints one " +
			"JSON status line per interval until interrupted or --for elapses.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGovernor(cmd, root, f)
		},
	}
	cmd.Flags().DurationVar(&f.duration, "for", 0, "Stop after this duration (0 runs until interrupted)")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Status print interval (default: pressure_check_interval)")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "Print collected metrics on exit")
	return cmd
}

func runGovernor(cmd *cobra.Command, root *rootFlags, f *runFlags) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger, err := root.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	layers, err := openLayers(ctx, cfg.Layers)
	if err != nil {
		return err
	}

	metrics := &memgov.BasicMetricsCollector{}
	opts := []memgov.Option{
		memgov.WithConfig(cfg),
		memgov.WithLogger(logger),
		memgov.WithMetricsCollector(metrics),
	}
	for _, l := range layers {
		opts = append(opts, memgov.WithLayer(l))
	}
	g, err := memgov.New(opts...)
	if err != nil {
		closeLayers(layers)
		return err
	}
	defer g.Close()

	if err := g.Start(ctx); err != nil {
		return err
	}

	interval := f.interval
	if interval <= 0 {
		interval = cfg.PressureCheckInterval.Std()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			g.Stop()
			if err := printJSON(out, g.GetOptimizationStatus(), false); err != nil {
				return err
			}
			if f.metrics {
				return printJSON(out, metrics.GetStats(), true)
			}
			return nil
		case <-ticker.C:
			if err := printJSON(out, g.GetOptimizationStatus(), false); err != nil {
				return err
			}
		}
	}
}
