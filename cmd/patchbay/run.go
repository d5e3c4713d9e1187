package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/patchbay/pkg/patchbay"
	"github.com/randalmurphal/patchbay/pkg/patchbay/config"
	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/patch"
	"github.com/randalmurphal/patchbay/pkg/patchbay/reconcile"
	"github.com/randalmurphal/patchbay/pkg/patchbay/runtime/memrt"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Config string
	For    time.Duration
	Ticks  int
}

// InstanceResult is one instance in the json output of the run command.
type InstanceResult struct {
	ID        string         `json:"id"`
	Outputs   map[string]any `json:"outputs"`
	Error     string         `json:"error,omitempty"`
	UnitError string         `json:"unit_error,omitempty"`
	Logs      []string       `json:"logs,omitempty"`
}

// RunResult is the json output of the run command.
type RunResult struct {
	Instances []InstanceResult `json:"instances"`
	Routes    []string         `json:"routes"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <patch>",
		Short: "Run a patch against the in-memory runtime",
		Long: `Load a patch, enable audio and run the control loop.

With --ticks the loop is stepped that many times and exits. Otherwise it runs
for --for, or until interrupted. Committed outputs, errors and active routes
are printed at the end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "engine config file (yaml or json)")
	cmd.Flags().DurationVar(&opts.For, "for", 0, "run the loop for this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "step this many ticks instead of running the loop")
	return cmd
}

func runPatch(cmd *cobra.Command, rootOpts *RootOptions, opts *RunOptions, path string) error {
	if opts.Ticks < 0 {
		return errors.New("--ticks cannot be negative")
	}
	settings := config.DefaultEngine()
	if opts.Config != "" {
		var err error
		if settings, err = config.LoadEngine(opts.Config); err != nil {
			return err
		}
	}

	store, _, err := patch.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := memrt.New(memrt.WithSampleRate(settings.SampleRate), memrt.WithTempo(settings.Tempo))
	engine, err := patchbay.New(store, rt,
		patchbay.WithConfig(settings),
		patchbay.WithLogger(rootOpts.logger(cmd.ErrOrStderr())),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	var routes map[string]reconcile.Route
	if opts.Ticks > 0 {
		// Step manually: enable audio for unit builds but keep the loop off.
		if err := engine.Manager().SetAudioEnabled(ctx, true); err != nil {
			return err
		}
		if err := engine.Sync(ctx); err != nil {
			return err
		}
		for i := 0; i < opts.Ticks; i++ {
			engine.Tick(ctx)
		}
		routes = engine.ActiveRoutes()
	} else {
		if err := engine.SetAudioEnabled(ctx, true); err != nil {
			return err
		}
		if opts.For > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.For)
			defer cancel()
		}
		<-ctx.Done()
		// Teardown empties the routing table, so report what was live.
		routes = engine.ActiveRoutes()
		if err := engine.SetAudioEnabled(context.Background(), false); err != nil {
			return err
		}
	}

	return report(cmd, rootOpts, engine, store, routes)
}

func report(cmd *cobra.Command, rootOpts *RootOptions, engine *patchbay.Engine, store *graph.Store, routes map[string]reconcile.Route) error {
	var res RunResult
	for _, id := range store.Instances() {
		inst, ok := store.Instance(id)
		if !ok {
			continue
		}
		ir := InstanceResult{
			ID:        id,
			Outputs:   inst.Outputs.Any(),
			Error:     inst.Error,
			UnitError: inst.UnitError,
		}
		for _, line := range engine.Logs(id) {
			ir.Logs = append(ir.Logs, line.Message)
		}
		res.Instances = append(res.Instances, ir)
	}
	for id, route := range routes {
		res.Routes = append(res.Routes, fmt.Sprintf("%s: %s -> %s", id, route.Source.NodeID(), route.Dest.NodeID()))
	}
	sort.Strings(res.Routes)

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, res)
	}
	for _, ir := range res.Instances {
		inst, _ := store.Instance(ir.ID)
		fmt.Fprintf(out, "%s %s\n", ir.ID, inst.Outputs)
		if ir.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", ir.Error)
		}
		if ir.UnitError != "" {
			fmt.Fprintf(out, "  unit error: %s\n", ir.UnitError)
		}
		for _, line := range ir.Logs {
			fmt.Fprintf(out, "  log: %s\n", line)
		}
	}
	if len(res.Routes) > 0 {
		fmt.Fprintln(out, "routes:")
		for _, r := range res.Routes {
			fmt.Fprintf(out, "  %s\n", r)
		}
	}
	return nil
}
