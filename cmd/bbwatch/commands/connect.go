package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/xilenv/bbwatch/internal/config"
	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/internal/watch"
	"github.com/xilenv/bbwatch/pkg/blackboard"
	"github.com/xilenv/bbwatch/pkg/observer"
)

// loadConfig reads configPath, rendering failures for the user.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Check the file against the example in the README, or pass --config"},
		)
	}
	return cfg, nil
}

// connect opens a blackboard client for cfg and verifies Redis is reachable.
func connect(ctx context.Context, cfg *config.Config) (*blackboard.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, printer.Error(
			"invalid Redis URL",
			fmt.Sprintf("Could not parse %q: %v", cfg.Redis.URL, err),
			[]string{"Use the form redis://host:port[/db]"},
		)
	}

	client, err := blackboard.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create blackboard client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Redis.URL),
			map[string]string{"Instance": cfg.Instance, "Error": err.Error()},
			[]string{
				"Check that Redis is running and reachable",
				"Try the in-memory demo instead:\n  bbwatch demo",
			},
		)
	}
	return client, nil
}

// parseOutputFormat validates the --output flag.
func parseOutputFormat(s string) (watch.OutputFormat, error) {
	switch s {
	case "default":
		return watch.OutputFormatDefault, nil
	case "json":
		return watch.OutputFormatJSON, nil
	default:
		return "", printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", s),
			[]string{"Valid formats: default, json"},
		)
	}
}

// printSummary reports dispatch counters once streaming ends.
func printSummary(table *observer.Table, panels *watch.Panels) {
	s := table.Stats()
	printer.Info("\n")
	printer.Step("%s notifications, %s deliveries, %s dropped, %s stale\n",
		humanize.Comma(int64(s.Notifications)),
		humanize.Comma(int64(s.Deliveries)),
		humanize.Comma(int64(panels.Dropped())),
		humanize.Comma(int64(s.StaleDrops)),
	)
	if n := panels.Dropped(); n > 0 {
		printer.Warning("%s changes were dropped by full panel queues; raise queue_size\n", humanize.Comma(int64(n)))
	}
}
