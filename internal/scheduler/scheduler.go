package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/metrics"
)

// IdleStore closes conversations with no activity since a cutoff.
type IdleStore interface {
	CloseIdle(ctx context.Context, idleSince time.Time) (int64, error)
}

// Scheduler periodically closes conversations that have been idle for
// longer than After. A turn racing the closer fails its commit with
// ErrConversationClosed rather than writing to a closed conversation.
type Scheduler struct {
	store    IdleStore
	after    time.Duration
	schedule string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates schedule and returns a stopped Scheduler.
func New(store IdleStore, after time.Duration, schedule string, opts ...Option) (*Scheduler, error) {
	if after <= 0 {
		return nil, fmt.Errorf("idle close duration must be positive, got %s", after)
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid idle close schedule %q: %w", schedule, err)
	}
	s := &Scheduler{
		store:    store,
		after:    after,
		schedule: schedule,
		logger:   slog.Default(),
		now:      time.Now,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the idle sweep and starts the cron ticker.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("idle close failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled idle close", "schedule", s.schedule, "after", s.after)
	s.cron.Start()
	return nil
}

// RunOnce closes every conversation idle for longer than After.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.after)
	n, err := s.store.CloseIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close idle conversations: %w", err)
	}
	if n > 0 {
		s.logger.Info("closed idle conversations", "count", n, "idle_since", cutoff)
	}
	s.metrics.RecordClosedIdle(n)
	return n, nil
}

// Stop stops the cron ticker and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
