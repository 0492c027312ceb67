package redriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/fluxion/internal/store"
)

// TaskRedriver is the interface the sweeper uses to re-dispatch a stalled
// state. Satisfied by the execution controller (avoids import cycle).
type TaskRedriver interface {
	RedriveTask(ctx context.Context, machineID string, stateID, executionVersion int64) error
}

// Registry persists armed watchdog entries. Arming an already-armed state
// replaces its pending entry, so the deadline always reflects the latest
// dispatch.
type Registry struct {
	store store.Store
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register arms the watchdog for (machine, state) to fire after delay.
func (r *Registry) Register(ctx context.Context, machineID string, stateID int64, delay time.Duration, executionVersion int64) error {
	now := time.Now().UTC()
	return r.store.RegisterRedrive(ctx, &store.RedriveEntry{
		StateMachineID:   machineID,
		StateID:          stateID,
		ExecutionVersion: executionVersion,
		RedriveAt:        now.Add(delay),
		CreatedAt:        now,
	})
}

// Deregister disarms the watchdog for (machine, state). Disarming an entry
// that is not armed is a no-op.
func (r *Registry) Deregister(ctx context.Context, machineID string, stateID, executionVersion int64) error {
	return r.store.DeregisterRedrive(ctx, machineID, stateID, executionVersion)
}

// Sweeper polls the registry for due entries and redrives them through a
// bounded pool. The sweep is at-least-once: an entry stays registered until
// the redriver itself deregisters it, so a crash mid-sweep only delays the
// redrive to the next tick.
type Sweeper struct {
	store    store.Store
	redriver TaskRedriver
	interval time.Duration
	batch    int
	pool     *pool
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // machineID/stateID currently redriving (dedup)
}

// NewSweeper creates a Sweeper. interval is the poll period, batch the max
// due entries fetched per tick, workers the redrive concurrency.
func NewSweeper(s store.Store, tr TaskRedriver, interval time.Duration, batch, workers int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		redriver: tr,
		interval: interval,
		batch:    batch,
		pool:     newPool(workers),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("redriver sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("redriver sweeper started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately so entries due across a restart are
	// picked up without waiting a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	due, err := s.store.ListDueRedrives(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		s.logger.Error("failed to list due redrives", slog.String("error", err.Error()))
		return
	}

	for _, entry := range due {
		key := fmt.Sprintf("%s/%d", entry.StateMachineID, entry.StateID)
		if !s.tryAcquire(key) {
			continue // previous tick still redriving this state
		}
		entry := entry
		err := s.pool.submit(ctx, func(ctx context.Context) error {
			defer s.release(key)
			if err := s.redriver.RedriveTask(ctx, entry.StateMachineID, entry.StateID, entry.ExecutionVersion); err != nil {
				s.logger.Error("redrive failed",
					slog.String("machine_id", entry.StateMachineID),
					slog.Int64("state_id", entry.StateID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil {
			s.release(key)
			if err == ErrPoolShutdown || ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Sweeper) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Sweeper) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Stop gracefully shuts down the sweep loop and waits for in-flight redrives.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.pool.shutdown()
	s.cancel = nil
	s.done = nil

	s.logger.Info("redriver sweeper stopped")
	return nil
}

// PoolMetrics reports the sweeper's pool counters.
func (s *Sweeper) PoolMetrics() PoolMetrics {
	return s.pool.snapshot()
}
