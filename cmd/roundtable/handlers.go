package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/roundtable/internal/backoff"
	"github.com/haasonsaas/roundtable/internal/bundler"
	"github.com/haasonsaas/roundtable/internal/config"
	"github.com/haasonsaas/roundtable/internal/edge"
	"github.com/haasonsaas/roundtable/internal/merger"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/internal/orchestrator"
	"github.com/haasonsaas/roundtable/internal/persist"
	"github.com/haasonsaas/roundtable/internal/providers"
	"github.com/haasonsaas/roundtable/internal/tools"
)

// runServe implements the serve command: wire every tier, start the HTTP
// surfaces and block until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:  "roundtable",
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	providerRegistry, err := buildProviders(cfg, metrics)
	if err != nil {
		return err
	}
	if len(providerRegistry.Names()) == 0 {
		logger.Warn(ctx, "no provider credentials configured, streaming requests will fail")
	}

	toolRegistry, closeSources, err := buildTools(ctx, cfg, logger)
	if err != nil {
		return err
	}
	executor := tools.NewExecutor(toolRegistry, tools.ExecutorConfig{
		PoolSize:       cfg.Tool.PoolSize,
		PerCallTimeout: cfg.Tool.PerCallTimeout,
	}, metrics, logger)

	store, err := openStore(cfg.Persist.Store)
	if err != nil {
		return err
	}
	overflow, err := persist.NewOverflowLog(cfg.Persist.OverflowDir, logger)
	if err != nil {
		return err
	}
	pipeline := persist.NewPipeline(store, overflow, pipelineConfig(cfg), metrics, logger)
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start persistence pipeline: %w", err)
	}

	o := orchestrator.New(orchestrator.Config{
		IdleTimeout: cfg.Stream.IdleTimeout,
	}, orchestrator.Deps{
		Providers: providerRegistry,
		Executor:  executor,
		Metrics:   metrics,
		Logger:    logger,
		Tracer:    tracer,
	})

	edgeServer := edge.NewServer(sessionConfig(cfg), edge.Deps{
		Orchestrator: o,
		Pipeline:     pipeline,
		Metrics:      metrics,
		Logger:       logger,
	})

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           edgeServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info(ctx, "roundtable started",
		"addr", cfg.Server.Addr, "metrics_addr", cfg.Server.MetricsAddr,
		"providers", providerRegistry.Names(), "tools", toolRegistry.Names(),
		"store", cfg.Persist.Store.Driver)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "api server shutdown", "error", err.Error())
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "metrics server shutdown", "error", err.Error())
	}

	// Drain in dependency order: no new sessions, then the pipeline queue,
	// then the durable backends.
	pipeline.Close()
	executor.Close()
	closeSources()
	if err := overflow.Close(); err != nil {
		logger.Warn(shutdownCtx, "overflow log close", "error", err.Error())
	}
	if err := store.Close(); err != nil {
		logger.Warn(shutdownCtx, "store close", "error", err.Error())
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown", "error", err.Error())
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// runValidateKey checks one provider credential against the live API.
func runValidateKey(ctx context.Context, configPath, providerName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry, err := buildProviders(cfg, nil)
	if err != nil {
		return err
	}
	provider, err := registry.Get(providerName)
	if err != nil {
		return fmt.Errorf("provider %q is not configured (missing API key?)", providerName)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ok, err := provider.ValidateKey(ctx)
	if err != nil {
		return fmt.Errorf("validate %s key: %w", providerName, err)
	}
	if !ok {
		return fmt.Errorf("%s rejected the configured API key", providerName)
	}
	fmt.Fprintf(os.Stdout, "%s key is valid\n", providerName)
	return nil
}

// runReplayOverflow drains the overflow backlog into the store and exits.
func runReplayOverflow(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store, err := openStore(cfg.Persist.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	overflow, err := persist.NewOverflowLog(cfg.Persist.OverflowDir, logger)
	if err != nil {
		return err
	}
	defer overflow.Close()

	if !overflow.HasBacklog() {
		fmt.Fprintln(os.Stdout, "overflow log is empty")
		return nil
	}

	// Pipeline.Start replays the backlog before returning; Close flushes
	// the queue through the store writers.
	pipeline := persist.NewPipeline(store, overflow, pipelineConfig(cfg), nil, logger)
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	pipeline.Close()

	if overflow.HasBacklog() {
		return errors.New("overflow backlog remains, store may still be failing")
	}
	fmt.Fprintln(os.Stdout, "overflow backlog replayed")
	return nil
}

// buildProviders registers every provider with a configured credential.
func buildProviders(cfg *config.Config, metrics *observability.Metrics) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
			Metrics:      metrics,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
			Metrics:      metrics,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	return registry, nil
}

// buildTools registers every configured MCP server's tools and freezes the
// registry. The returned closer shuts down the MCP client connections.
func buildTools(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*tools.Registry, func(), error) {
	registry := tools.NewRegistry()
	var sources []*tools.MCPSource
	for _, server := range cfg.Tool.MCPServers {
		source, err := tools.NewMCPSource(ctx, server.Name, server.URL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mcp server %q: %w", server.Name, err)
		}
		if err := source.RegisterAll(ctx, registry); err != nil {
			return nil, nil, fmt.Errorf("register tools from %q: %w", server.Name, err)
		}
		sources = append(sources, source)
	}
	registry.Freeze()
	return registry, func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}, nil
}

func openStore(cfg config.StoreConfig) (persist.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return persist.NewSQLiteStore(cfg.DSN)
	case "postgres":
		return persist.NewPostgresStore(cfg.DSN)
	case "memory":
		return persist.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func pipelineConfig(cfg *config.Config) persist.PipelineConfig {
	pc := persist.DefaultPipelineConfig()
	pc.QueueCapacity = cfg.Persist.QueueCapacity
	pc.WorkerCount = cfg.Persist.WorkerCount
	pc.WriteTimeout = cfg.Persist.WriteTimeout
	pc.RetryAttempts = cfg.Persist.Retry.MaxAttempts
	if cfg.Persist.Retry.BackoffBase > 0 {
		pc.RetryPolicy = backoff.Policy{
			Base:   cfg.Persist.Retry.BackoffBase,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: 0.2,
		}
	}
	return pc
}

func sessionConfig(cfg *config.Config) edge.Config {
	return edge.Config{
		Bundle: bundler.Config{
			Client:  sinkConfig(cfg.Bundle.Client),
			Persist: sinkConfig(cfg.Bundle.Persist),
		},
		Merger: merger.Config{
			MaxConsecutive: cfg.Merger.MaxConsecutive,
		},
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		TotalTimeout:      cfg.Stream.TotalTimeout,
	}
}

func sinkConfig(cfg config.SinkBundleConfig) bundler.SinkConfig {
	return bundler.SinkConfig{
		MaxTokens:  cfg.MaxTokens,
		MaxBytes:   cfg.MaxBytes,
		MaxLatency: cfg.MaxLatency,
	}
}
