package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/billing"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/gateway"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/generation"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/lock"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/orchestrator"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/prompt"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/store/sqlite"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools/calendar"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/pkg/llm"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/pkg/llm/openai"
)

// tokenizerModel picks the BPE encoding used for prompt budgets. Every
// shipped OpenAI chat model shares it.
const tokenizerModel = "gpt-4o"

// app is the wired service shared by serve and the conversation commands.
type app struct {
	cfg       *config.Config
	store     *sqlite.Store
	registry  *tools.Registry
	generator *generation.Client
	gateway   *gateway.Gateway
	metrics   *metrics.Metrics
	closers   []func() error
	pings     []func(context.Context) error
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := sqlite.Open(cfg.Database())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func newRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	if cfg.Calendar.BaseURL != "" {
		client := calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.APIKey, cfg.Calendar.Deadline.Std())
		registry.Register(calendar.NewTool(client, cfg.Calendar.Deadline.Std()))
	}
	return registry
}

func newCounter(cfg *config.Config, logger *slog.Logger) prompt.Counter {
	if cfg.LLM.Tokenizer == "approx" {
		return prompt.ApproxCounter{}
	}
	counter, err := prompt.NewTiktokenCounter(tokenizerModel)
	if err != nil {
		logger.Warn("tiktoken unavailable, estimating tokens from length", "error", err)
		return prompt.ApproxCounter{}
	}
	return counter
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, metrics: metrics.New(reg)}
	a.closers = append(a.closers, store.Close)
	a.pings = append(a.pings, store.Ping)

	builder, err := prompt.New(newCounter(cfg, logger), cfg.LLM.ContextWindow, cfg.LLM.OutputReserve)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create prompt builder: %w", err)
	}

	a.registry = newRegistry(cfg)
	dispatcher := tools.NewDispatcher(a.registry,
		tools.WithMaxDeadline(cfg.Tools.MaxDeadline.Std()),
		tools.WithObserver(func(r tools.Result) {
			a.metrics.RecordToolCall(r.Name, r.Outcome, r.FinishedAt.Sub(r.StartedAt))
		}),
		tools.WithLogger(logger),
	)

	provider := openai.New(&llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout.Std(),
	})
	a.generator = generation.New(builder, a.registry,
		generation.WithProvider(provider),
		generation.WithTimeout(cfg.LLM.Timeout.Std()),
		generation.WithLogger(logger),
	)

	meter := billing.NewMeter(store, cfg.PriceTable(),
		billing.WithRecorded(a.metrics.RecordUsage),
		billing.WithMeterLogger(logger),
	)

	policy := gateway.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.InitialDelay = cfg.Retry.InitialDelay.Std()
	policy.MaxDelay = cfg.Retry.MaxDelay.Std()
	policy.Multiplier = cfg.Retry.Multiplier

	orch := orchestrator.New(store, a.generator, dispatcher, meter,
		orchestrator.WithRetryPolicy(policy),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(logger),
	)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.URL != "" {
		r, err := lock.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.LockExpiry.Std())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		a.pings = append(a.pings, r.Ping)
		locker = r
		logger.Info("using redis conversation locks")
	}

	queue := gateway.NewQueue(int64(cfg.MaxConcurrent),
		gateway.WithLocker(locker),
		gateway.WithQueueLogger(logger),
	)
	queue.SetProcessor(orch.ProcessRun)

	a.gateway = gateway.New(store, store, queue,
		gateway.WithTurnTimeout(cfg.TurnTimeout.Std()),
		gateway.WithLogger(logger),
	)
	a.gateway.Start(ctx)
	return a, nil
}

// health reports the store and, when configured, redis.
func (a *app) health(ctx context.Context) error {
	for _, ping := range a.pings {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() error {
	if a.gateway != nil {
		a.gateway.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
