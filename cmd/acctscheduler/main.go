// Command acctscheduler runs the cron loop and object-store pollers that
// submit runs to the agent API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"acctagent/objstore"
	"acctagent/observability/logging"
	telemetry "acctagent/observability/otel"
	"acctagent/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acctscheduler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "scheduler.yaml", "path to scheduler configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ACCT_ENV"))
	logger := logging.Setup("acctscheduler", env, logging.Options{
		FilePath: strings.TrimSpace(os.Getenv("ACCT_LOG_FILE")),
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "acctscheduler",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := scheduler.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	client := scheduler.NewAgentClient(cfg.AgentBaseURL, cfg.APIKey)
	objects := objstore.NewFS(getEnvDefault("ACCT_OBJECT_STORE_ROOT", "acct-data-local/objects"))
	sched := scheduler.New(cfg, client, objects, scheduler.WithLogger(logger))

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(stopCtx); err != nil {
		return err
	}
	logger.Info("acctscheduler started",
		"schedules", len(cfg.Schedules), "pollers", len(cfg.Pollers))

	<-stopCtx.Done()
	logger.Info("shutdown signal received")
	sched.Stop()
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
