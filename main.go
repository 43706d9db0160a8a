package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/mgazza/dorm-energy-sync/internal/config"
)

// parseFlags overlays command line flags on cfg, which already carries the
// environment values, and validates the result.
func parseFlags(args []string, cfg config.Config) (config.Config, error) {
	fs := pflag.NewFlagSet("dorm-energy-sync", pflag.ContinueOnError)
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "Telemetry API client id")
	fs.StringVar(&cfg.ClientSecret, "client-secret", cfg.ClientSecret, "Telemetry API client secret")
	fs.StringVar(&cfg.Organization, "organization", cfg.Organization, "Organization name, hosted domain or base URL")
	fs.StringVar(&cfg.EntitiesFile, "entities", cfg.EntitiesFile, "YAML file listing the monitored dorms")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "How long aggregated data is served without refetching")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "Interval between scheduled refreshes")
	fs.DurationVar(&cfg.RotateInterval, "rotate-interval", cfg.RotateInterval, "Interval between displayed dorm rotations")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout for each upstream request")
	fs.BoolVar(&cfg.IntegrateHistory, "integrate-history", cfg.IntegrateHistory, "Integrate yesterday's readings instead of estimating")
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP API listen address")
	fs.StringVar(&cfg.CacheDirectory, "cache", cfg.CacheDirectory, "Directory for HTTP record/replay ('disable' to disable, empty for temporary directory)")
	fs.BoolVar(&cfg.Once, "once", cfg.Once, "Run one aggregation cycle, write the CSV and exit")
	fs.StringVar(&cfg.OutputCSV, "out", cfg.OutputCSV, "Output CSV file for --once")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func main() {
	cfg, err := parseFlags(os.Args[1:], config.Load())
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Once {
		if err := runOnce(context.Background(), cfg); err != nil {
			log.Fatalf("Application error: %v", err)
		}
		return
	}

	newApp(cfg).Run()
}
