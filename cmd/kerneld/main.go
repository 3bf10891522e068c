// Command kerneld is the kernel daemon: it assembles the kernel over the
// configured storage backend, exposes the control-plane HTTP API and the
// vat-worker gRPC service, and runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (defaults apply when omitted)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if path := cfg.Observability.Logging.CrankLogPath; path != "" {
		if err := logging.DefaultCrankLog().SetOutput(path); err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: open crank log: %v\n", err)
			os.Exit(1)
		}
	}
	if dir := cfg.Observability.Logging.VatOutputDir; dir != "" {
		if err := logging.InitVatOutputStore(dir, 10<<20, 24*3600); err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: init vat output store: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: init tracing: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		logging.Op().Error("kerneld exited with error", "error", err)
		os.Exit(1)
	}
}
