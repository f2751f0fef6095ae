package commands

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xilenv/bbwatch/internal/config"
	"github.com/xilenv/bbwatch/internal/health"
	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/internal/sim"
	"github.com/xilenv/bbwatch/internal/watch"
	"github.com/xilenv/bbwatch/pkg/blackboard"
	"github.com/xilenv/bbwatch/pkg/observer"
)

var (
	demoOutputFormat string
	demoDuration     time.Duration
	demoInterval     time.Duration
	demoRedis        bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the dispatch layer against a simulated blackboard",
	Long: `Run bbwatch against simulated signals (speed, rpm, coolant) that are
rewritten on a fixed interval, while the configured panels stream the
resulting changes.

By default the blackboard is in memory and Redis is not needed. With
--redis the signals are created in and written to the configured Redis
instance, and changes arrive over its notification feed.

Without --config a built-in panel layout is used.

Examples:
  # Ten seconds of simulated activity
  bbwatch demo --duration 10s

  # Use your own panel layout
  bbwatch demo -c bbwatch.yml

  # Drive a Redis blackboard
  bbwatch demo --redis -c bench.yml`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVarP(&demoOutputFormat, "output", "o", "default", "Output format (default or json)")
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	demoCmd.Flags().DurationVar(&demoInterval, "interval", 250*time.Millisecond, "Simulation sample interval")
	demoCmd.Flags().BoolVar(&demoRedis, "redis", false, "Drive the configured Redis blackboard instead of an in-memory one")
	rootCmd.AddCommand(demoCmd)
}

// demoVariables are created on the bench, each driven by one signal.
var demoVariables = []struct {
	variable blackboard.Variable
	waveform sim.Waveform
	period   time.Duration
}{
	{blackboard.Variable{Name: "speed", Unit: "km/h", Max: 250, Precision: 1}, sim.WaveformRamp, 10 * time.Second},
	{blackboard.Variable{Name: "rpm", Min: 800, Max: 6000}, sim.WaveformSine, 4 * time.Second},
	{blackboard.Variable{Name: "coolant", DisplayName: "Coolant", Unit: "°C", Min: 80, Max: 95}, sim.WaveformSquare, 6 * time.Second},
}

// demoBench is the blackboard a demo runs against.
type demoBench struct {
	registrar observer.Registrar
	writer    sim.Writer
	resolve   watch.Resolver
	describer watch.Describer
	pinger    health.Pinger
	signals   []sim.Signal
	close     func()
}

func signalFor(vid blackboard.VID, v blackboard.Variable, waveform sim.Waveform, period time.Duration) sim.Signal {
	return sim.Signal{VID: vid, Waveform: waveform, Period: period, Min: v.Min, Max: v.Max}
}

// newMemoryBench populates an in-memory store with the demo variables.
func newMemoryBench() (*demoBench, error) {
	store := blackboard.NewStore()
	b := &demoBench{
		registrar: store,
		writer:    store,
		resolve: func(name string) (blackboard.VID, error) {
			vid, ok := store.Lookup(name)
			if !ok {
				return 0, fmt.Errorf("%w: %s", blackboard.ErrUnknownVariable, name)
			}
			return vid, nil
		},
		describer: watch.DescriberFunc(func(_ context.Context, vid blackboard.VID) *blackboard.Variable {
			v, err := store.Get(vid)
			if err != nil {
				return nil
			}
			return &v
		}),
		close: func() {},
	}
	for _, dv := range demoVariables {
		v := dv.variable
		vid, err := store.Add(&v)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", v.Name, err)
		}
		b.signals = append(b.signals, signalFor(vid, dv.variable, dv.waveform, dv.period))
	}
	return b, nil
}

// newRedisBench creates the demo variables in client's instance and starts
// its notification feed. Variables that already exist are reused.
func newRedisBench(ctx context.Context, client *blackboard.Client) (*demoBench, error) {
	b := &demoBench{
		registrar: client,
		writer:    sim.ClientWriter(ctx, client),
		resolve: func(name string) (blackboard.VID, error) {
			return client.LookupVariable(ctx, name)
		},
		describer: watch.DescriberFunc(func(ctx context.Context, vid blackboard.VID) *blackboard.Variable {
			v, err := client.GetVariable(ctx, vid)
			if err != nil {
				return nil
			}
			return v
		}),
		pinger: client,
	}
	for _, dv := range demoVariables {
		v := dv.variable
		vid, err := client.CreateVariable(ctx, &v)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", v.Name, err)
		}
		b.signals = append(b.signals, signalFor(vid, dv.variable, dv.waveform, dv.period))
	}

	// Created first so the feed loads them and they can be armed.
	sub, err := client.StartObserving(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start observing: %w", err)
	}
	go func() {
		for err := range sub.Errors() {
			log.Printf("[Demo] Feed error: %v", err)
		}
	}()
	b.close = func() { sub.Close() }
	return b, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	outputFormat, err := parseOutputFormat(demoOutputFormat)
	if err != nil {
		return err
	}

	cfg := config.Demo()
	if cmd.Flags().Changed("config") {
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if demoDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, demoDuration)
		defer cancel()
	}

	var bench *demoBench
	if demoRedis {
		client, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		if bench, err = newRedisBench(ctx, client); err != nil {
			return err
		}
	} else if bench, err = newMemoryBench(); err != nil {
		return err
	}
	defer bench.close()

	return runDemoPipeline(ctx, cfg, bench, demoInterval, outputFormat, os.Stdout)
}

// runDemoPipeline drives bench's signals and streams the panels' changes to w
// until ctx is done or writing fails.
func runDemoPipeline(ctx context.Context, cfg *config.Config, bench *demoBench, interval time.Duration, format watch.OutputFormat, w io.Writer) error {
	driver, err := sim.NewDriver(bench.writer, interval, bench.signals...)
	if err != nil {
		return printer.Error("invalid simulation settings", err.Error(), []string{"--interval must be positive"})
	}

	table := observer.NewTable(bench.registrar)
	table.Start()
	defer table.Stop()

	panels, err := watch.NewPanels(table, cfg, bench.resolve)
	if err != nil {
		return printer.Error(
			"panel setup failed",
			err.Error(),
			[]string{"The demo creates: speed, rpm, coolant"},
		)
	}
	defer panels.Close()

	stopHealth := startHealth(cfg, table, bench.pinger)
	defer stopHealth()

	// The stream can end on a write error while ctx is still live.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	driverDone := make(chan error, 1)
	go func() { driverDone <- driver.Run(ctx) }()

	printer.Success("Demo running with %d simulated variables and %d panels\n", len(bench.signals), len(panels.List()))
	err = watch.StreamActivity(ctx, panels, bench.describer, format, w)

	cancel()
	<-driverDone
	printSummary(table, panels)
	return err
}
