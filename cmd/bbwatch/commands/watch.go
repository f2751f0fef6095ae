package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xilenv/bbwatch/internal/config"
	"github.com/xilenv/bbwatch/internal/health"
	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/internal/watch"
	"github.com/xilenv/bbwatch/pkg/blackboard"
	"github.com/xilenv/bbwatch/pkg/observer"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live variable changes from a Redis blackboard",
	Long: `Stream live changes of the variables named in bbwatch.yml.

Each panel subscribes to its variables (or the whole table) for the
properties listed under 'observe'. Changes are printed as they arrive
until interrupted.

Output Formats:
  default - Human-readable colored lines with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch using ./bbwatch.yml
  bbwatch watch

  # Export changes as JSON
  bbwatch watch -c bench.yml --output=json > changes.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	outputFormat, err := parseOutputFormat(watchOutputFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	// The feed must be live before panels arm, so the client knows which
	// variables exist.
	sub, err := client.StartObserving(ctx)
	if err != nil {
		return fmt.Errorf("failed to start observing: %w", err)
	}
	defer sub.Close()
	go func() {
		for err := range sub.Errors() {
			log.Printf("[Watch] Feed error: %v", err)
		}
	}()

	table := observer.NewTable(client)
	table.Start()
	defer table.Stop()

	panels, err := watch.NewPanels(table, cfg, func(name string) (blackboard.VID, error) {
		return client.LookupVariable(ctx, name)
	})
	if err != nil {
		if blackboard.IsNotFound(err) {
			return printer.ErrorWithContext(
				"variable not found",
				err.Error(),
				map[string]string{"Instance": cfg.Instance},
				[]string{"Create it first:\n  bbwatch set NAME VALUE"},
			)
		}
		return fmt.Errorf("failed to build panels: %w", err)
	}
	defer panels.Close()

	stopHealth := startHealth(cfg, table, client)
	defer stopHealth()

	printer.Success("Watching instance '%s' with %d panels\n", cfg.Instance, len(panels.List()))
	err = watch.StreamActivity(ctx, panels, watch.DescriberFunc(func(ctx context.Context, vid blackboard.VID) *blackboard.Variable {
		v, err := client.GetVariable(ctx, vid)
		if err != nil {
			return nil
		}
		return v
	}), outputFormat, os.Stdout)

	printSummary(table, panels)
	return err
}

// startHealth starts the health server when configured and returns its stop
// function. pinger may be nil.
func startHealth(cfg *config.Config, table *observer.Table, pinger health.Pinger) func() {
	if cfg.Health == nil || cfg.Health.Addr == "" {
		return func() {}
	}
	server := health.NewHealthServer(cfg.Health.Addr, table, pinger)
	server.Start()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}
