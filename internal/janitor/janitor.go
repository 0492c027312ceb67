package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/fluxion/internal/store"
)

// Config configures the maintenance janitor.
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string `yaml:"schedule"`
	// Retention is how long invalid event rows are kept before purging.
	Retention time.Duration `yaml:"retention"`
	// Vacuum reclaims database space after a purge that removed rows.
	Vacuum bool `yaml:"vacuum"`
}

// DefaultConfig purges nightly, keeping invalid rows for a week.
func DefaultConfig() Config {
	return Config{
		Schedule:  "0 3 * * *",
		Retention: 7 * 24 * time.Hour,
		Vacuum:    true,
	}
}

// Janitor periodically purges superseded event rows. Invalid rows keep the
// audit trail readable for a while after a replay but have no runtime
// purpose, so they age out.
type Janitor struct {
	store    store.Store
	schedule cron.Schedule
	cfg      Config
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// New creates a Janitor, parsing the cron schedule up front.
func New(s store.Store, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}

	return &Janitor{
		store:    s,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Start launches the background maintenance loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(runCtx)
	j.logger.Info("janitor started", slog.String("schedule", j.cfg.Schedule))
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.run(ctx)
		}
	}
}

func (j *Janitor) run(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.cfg.Retention)
	removed, err := j.store.PurgeInvalidEvents(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge invalid events", slog.String("error", err.Error()))
		return
	}
	j.logger.Info("purged invalid events",
		slog.Int64("removed", removed),
		slog.Time("cutoff", cutoff))

	if j.cfg.Vacuum && removed > 0 {
		if err := j.store.Vacuum(ctx); err != nil {
			j.logger.Error("vacuum failed", slog.String("error", err.Error()))
		}
	}
}

// Stop gracefully shuts down the maintenance loop.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
