package redriver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/fluxion/internal/store"
	"github.com/rendis/fluxion/pkg/schema"
)

// entryStore implements only the redrive portion of store.Store that the
// Registry and Sweeper touch.
type entryStore struct {
	store.Store

	mu      sync.Mutex
	entries map[string]*store.RedriveEntry
	listErr error
}

func newEntryStore() *entryStore {
	return &entryStore{entries: make(map[string]*store.RedriveEntry)}
}

func (s *entryStore) key(machineID string, stateID int64) string {
	return fmt.Sprintf("%s/%d", machineID, stateID)
}

func (s *entryStore) RegisterRedrive(_ context.Context, entry *store.RedriveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.key(entry.StateMachineID, entry.StateID)] = entry
	return nil
}

func (s *entryStore) DeregisterRedrive(_ context.Context, machineID string, stateID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, s.key(machineID, stateID))
	return nil
}

func (s *entryStore) ListDueRedrives(_ context.Context, now time.Time, limit int) ([]*store.RedriveEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []*store.RedriveEntry
	for _, e := range s.entries {
		if !e.RedriveAt.After(now) {
			due = append(due, e)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

type recordingRedriver struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{} // when non-nil, RedriveTask blocks until closed
}

func (r *recordingRedriver) RedriveTask(_ context.Context, machineID string, stateID, _ int64) error {
	r.mu.Lock()
	r.calls = append(r.calls, machineID)
	block := r.block
	err := r.err
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (r *recordingRedriver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRegistryRegisterSetsDeadline(t *testing.T) {
	es := newEntryStore()
	reg := NewRegistry(es)

	before := time.Now().UTC()
	require.NoError(t, reg.Register(context.Background(), "m1", 1, 40*time.Second, 3))

	entry := es.entries["m1/1"]
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.ExecutionVersion)
	assert.False(t, entry.RedriveAt.Before(before.Add(40*time.Second)))
}

func TestRegistryRegisterReplacesEntry(t *testing.T) {
	es := newEntryStore()
	reg := NewRegistry(es)

	require.NoError(t, reg.Register(context.Background(), "m1", 1, time.Hour, 0))
	require.NoError(t, reg.Register(context.Background(), "m1", 1, time.Minute, 1))

	require.Len(t, es.entries, 1)
	assert.Equal(t, int64(1), es.entries["m1/1"].ExecutionVersion)
}

func TestRegistryDeregisterUnknownIsNoOp(t *testing.T) {
	es := newEntryStore()
	reg := NewRegistry(es)
	assert.NoError(t, reg.Deregister(context.Background(), "m1", 9, 0))
}

func TestSweeperRedrivesDueEntries(t *testing.T) {
	es := newEntryStore()
	rr := &recordingRedriver{}
	past := time.Now().UTC().Add(-time.Second)
	es.entries["m1/1"] = &store.RedriveEntry{StateMachineID: "m1", StateID: 1, RedriveAt: past}
	es.entries["m2/1"] = &store.RedriveEntry{StateMachineID: "m2", StateID: 1, RedriveAt: past}
	// Not yet due.
	es.entries["m3/1"] = &store.RedriveEntry{StateMachineID: "m3", StateID: 1, RedriveAt: time.Now().Add(time.Hour)}

	sw := NewSweeper(es, rr, time.Hour, 10, 2, nil)
	require.NoError(t, sw.Start(context.Background()))
	defer sw.Stop()

	require.Eventually(t, func() bool { return sw.PoolMetrics().Completed == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, rr.callCount())
}

func TestSweeperDedupsInflightEntries(t *testing.T) {
	es := newEntryStore()
	rr := &recordingRedriver{block: make(chan struct{})}
	es.entries["m1/1"] = &store.RedriveEntry{StateMachineID: "m1", StateID: 1, RedriveAt: time.Now().UTC().Add(-time.Second)}

	sw := NewSweeper(es, rr, 20*time.Millisecond, 10, 2, nil)
	require.NoError(t, sw.Start(context.Background()))

	// Several ticks elapse while the first redrive is still blocked; the entry
	// must not be picked up again.
	require.Eventually(t, func() bool { return rr.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rr.callCount())

	close(rr.block)
	require.NoError(t, sw.Stop())
}

func TestSweeperKeepsEntryOnFailure(t *testing.T) {
	es := newEntryStore()
	rr := &recordingRedriver{err: schema.NewError(schema.ErrCodeStore, "transient")}
	es.entries["m1/1"] = &store.RedriveEntry{StateMachineID: "m1", StateID: 1, RedriveAt: time.Now().UTC().Add(-time.Second)}

	sw := NewSweeper(es, rr, 20*time.Millisecond, 10, 1, nil)
	require.NoError(t, sw.Start(context.Background()))

	// A failed redrive releases the inflight slot, so the next tick retries.
	require.Eventually(t, func() bool { return rr.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sw.Stop())

	assert.Contains(t, es.entries, "m1/1")
	assert.GreaterOrEqual(t, sw.PoolMetrics().Failed, int64(2))
}

func TestSweeperStartTwiceFails(t *testing.T) {
	sw := NewSweeper(newEntryStore(), &recordingRedriver{}, time.Hour, 10, 1, nil)
	require.NoError(t, sw.Start(context.Background()))
	assert.Error(t, sw.Start(context.Background()))
	require.NoError(t, sw.Stop())
}

func TestSweeperStopWithoutStart(t *testing.T) {
	sw := NewSweeper(newEntryStore(), &recordingRedriver{}, time.Hour, 10, 1, nil)
	assert.NoError(t, sw.Stop())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := newPool(2)
	var active, peak int64
	release := make(chan struct{})

	for i := 0; i < 2; i++ {
		err := p.submit(context.Background(), func(context.Context) error {
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			<-release
			atomic.AddInt64(&active, -1)
			return nil
		})
		require.NoError(t, err)
	}

	// Pool is full; a submission with an expired context must not block forever.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.submit(ctx, func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	p.shutdown()
	assert.Equal(t, int64(2), atomic.LoadInt64(&peak))
	assert.Equal(t, int64(2), p.snapshot().Completed)
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := newPool(1)
	p.shutdown()
	err := p.submit(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, ErrPoolShutdown, err)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := newPool(1)
	require.NoError(t, p.submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	p.shutdown()

	m := p.snapshot()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}
