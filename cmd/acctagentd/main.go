// Command acctagentd runs the accounting agent API and dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"acctagent/approval"
	"acctagent/config"
	"acctagent/dispatch"
	"acctagent/erp"
	"acctagent/objstore"
	"acctagent/observability/logging"
	telemetry "acctagent/observability/otel"
	"acctagent/parallel"
	"acctagent/refine"
	"acctagent/server"
	"acctagent/store"
	"acctagent/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acctagentd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("acctagentd", cfg.Environment, logging.Options{FilePath: cfg.LogFilePath})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "acctagentd",
		Environment: cfg.Environment,
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

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := st.Migrate(); err != nil {
		return err
	}

	erpClient := erp.NewClient(erp.Config{
		BaseURL:     cfg.ERP.BaseURL,
		APIKey:      cfg.ERP.APIKey,
		Timeout:     cfg.ERP.Timeout,
		QPS:         cfg.ERP.QPS,
		MaxAttempts: cfg.ERP.MaxAttempts,
		BackoffBase: cfg.ERP.BackoffBase,
		BackoffMax:  cfg.ERP.BackoffMax,
	})

	env := workflow.Env{
		Store:      st,
		ERP:        erpClient,
		Mapper:     parallel.Concurrent{Workers: cfg.Dispatcher.Workers},
		Objects:    objstore.NewFS(getEnvDefault("ACCT_OBJECT_STORE_ROOT", "acct-data-local/objects")),
		ReportDir:  cfg.Reports.OutputDir,
		LLMEnabled: cfg.LLM.Enable,
		LLMTimeout: cfg.LLM.Timeout,
	}
	if cfg.LLM.Enable && cfg.LLM.Endpoint != "" {
		env.Refiner = refine.New(cfg.LLM.Endpoint, cfg.LLM.Model,
			refine.WithAPIKey(os.Getenv("ACCT_LLM_API_KEY")))
	}
	engine := workflow.NewEngine(env, cfg.Dispatcher.StepTimeout)

	dispatcher := dispatch.New(st, engine, dispatch.Config{
		Workers:     cfg.Dispatcher.Workers,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Backoff:     cfg.Dispatcher.Backoff,
		QueueSize:   cfg.Dispatcher.QueueSize,
	}, dispatch.WithLogger(logger))

	approvals := approval.New(st, approval.WithLogger(logger))

	srv := server.New(server.Config{
		Store:      st,
		Dispatcher: dispatcher,
		Engine:     engine,
		Approvals:  approvals,
		APIKey:     cfg.APIKey,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("acctagentd listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	dispatcher.Close()
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
