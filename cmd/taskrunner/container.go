package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/config"
	"taskrunner/internal/infra/observability"
	"taskrunner/internal/infra/stream"
	"taskrunner/internal/infra/taskstore"
	"taskrunner/internal/shared/logging"
)

// Container holds the wired runtime for one CLI invocation.
type Container struct {
	Config       config.Config
	Logger       logging.Logger
	Tracer       *observability.TracerProvider
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
	Store        *taskstore.Gateway
	Orchestrator *orchestrator.Orchestrator
}

func buildContainer(cfg config.Config) (*Container, error) {
	logging.Configure(cfg.Observability.Logging)
	logger := logging.NewComponentLogger("taskrunner")

	tracer := observability.NoopTracerProvider()
	if cfg.Observability.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		tracer = tp
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.MustNewMetrics(registry)
	}

	store, err := taskstore.New(taskstore.Config{
		BaseURL:          cfg.Store.BaseURL,
		Timeout:          cfg.Store.Timeout,
		MaxResponseBytes: cfg.Store.MaxResponseBytes,
		Retry:            cfg.Store.Retry,
		Breaker:          cfg.Store.Breaker,
	}, nil, logging.NewComponentLogger("taskstore"))
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}

	agent := stream.NewClient(stream.Config{
		BaseURL:       cfg.Agent.BaseURL,
		HeaderTimeout: cfg.Agent.HeaderTimeout,
	}, nil, logging.NewComponentLogger("stream"))

	orch := orchestrator.New(store, agent, orchestrator.Config{
		SystemPrompt:            cfg.Agent.SystemPrompt,
		OnlyNMostRecentImages:   cfg.Agent.OnlyNMostRecentImages,
		ToolVersion:             cfg.Agent.ToolVersion,
		MaxTokens:               cfg.Agent.MaxTokens,
		Thinking:                cfg.Agent.Thinking,
		ThinkingBudget:          cfg.Agent.ThinkingBudget,
		TokenEfficientToolsBeta: cfg.Agent.TokenEfficientToolsBeta,
		CleanupSettleDelay:      cfg.Runner.CleanupSettleDelay,
		Cooldown:                cfg.Runner.Cooldown,
		TaskTimeout:             cfg.Runner.TaskTimeout,
		PersistProgress:         cfg.Runner.PersistProgress,
	},
		orchestrator.WithLogger(logging.NewComponentLogger("orchestrator")),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracer),
	)

	return &Container{
		Config:       cfg,
		Logger:       logger,
		Tracer:       tracer,
		Metrics:      metrics,
		Registry:     registry,
		Store:        store,
		Orchestrator: orch,
	}, nil
}

// Cleanup flushes spans. It does not stop a running orchestrator.
func (c *Container) Cleanup() error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Tracer.Shutdown(ctx)
}
