package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ingest/internal/config"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/metrics/prompush"
	"ingest/internal/pipeline"
	"ingest/internal/report"
	"ingest/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "ingest/internal/storage/all"
)

// main is the entry point for the ingest binary. It loads the run config,
// optionally initializes a metrics backend, and executes the pipeline.
func main() {
	var (
		cfgPath           string
		sourceName        string
		initDB            bool
		validateOnly      bool
		metricsBackendFlg string
		pushGatewayURLFlg string
		statsdAddrFlg     string
	)

	flag.StringVar(&cfgPath, "config", "configs/ingest.yaml", "run config YAML path")
	flag.StringVar(&sourceName, "source", "", "run only the named source")
	flag.BoolVar(&initDB, "init-db", false, "drop and recreate target tables, then exit")
	flag.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (none, prometheus, datadog)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&statsdAddrFlg, "statsd-addr", "", "DogStatsD address (overrides env STATSD_ADDR)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	// Validate run config.
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}

	// If validate flag is set, only validate the configuration and exit
	if validateOnly {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	setupMetrics(metricsBackendFlg, pushGatewayURLFlg, statsdAddrFlg, *verbose)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	ctx := context.Background()
	start := time.Now()

	repo, err := storage.New(ctx, storage.Config{
		Kind:             cfg.Defaults.Driver,
		DSN:              cfg.Defaults.DBURL,
		StatementTimeout: cfg.Defaults.StatementTimeoutOrDefault(),
	})
	if err != nil {
		fatalf("connect storage (%s): %v", cfg.Defaults.Driver, err)
	}
	defer repo.Close()

	p := pipeline.New(cfg, repo)

	if initDB {
		if err := p.InitSchemas(ctx); err != nil {
			fatalf("init-db: %v", err)
		}
		log.Printf("init-db: done in %s", time.Since(start).Truncate(time.Millisecond))
		return
	}

	rep, err := p.Run(ctx, sourceName)
	if err != nil {
		fatalf("%v", err)
	}
	rep.Log()

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	if rep.Status() == report.StatusFailed {
		os.Exit(1)
	}
}

// setupMetrics installs the selected metrics backend. Resolution for each
// setting is flag → env → default; a backend that fails to initialize
// degrades to the nop backend with a logged warning.
func setupMetrics(backendName, gatewayURL, statsdAddr string, verbose bool) {
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}

	switch backendName {
	case "prometheus", "pushgateway":
		if gatewayURL == "" {
			gatewayURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend("ingest", gatewayURL)
		if err != nil {
			log.Printf("metrics: failed to init pushgateway backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=%v url=%v", backendName, gatewayURL)
		metrics.SetBackend(b)

	case "datadog":
		if statsdAddr == "" {
			statsdAddr = os.Getenv("STATSD_ADDR")
		}
		if statsdAddr == "" {
			statsdAddr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: statsdAddr, Namespace: "ingest."})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=datadog addr=%v", statsdAddr)
		metrics.SetBackend(b)

	case "none":
		// metrics disabled; nop backend remains
		if verbose {
			log.Printf("metrics: disabled")
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
