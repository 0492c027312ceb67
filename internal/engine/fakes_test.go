package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/fluxion/internal/store"
	"github.com/rendis/fluxion/pkg/schema"
)

// --- in-memory store ---

type memMachine struct {
	sm     *schema.StateMachine
	events []*schema.Event
	paths  map[int64]*schema.StateTraversalPath
	audits []*schema.AuditRecord
}

type memStore struct {
	mu       sync.Mutex
	machines map[string]*memMachine
	redrives map[string]*store.RedriveEntry
	eventSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		machines: make(map[string]*memMachine),
		redrives: make(map[string]*store.RedriveEntry),
	}
}

func redriveKey(machineID string, stateID int64) string {
	return fmt.Sprintf("%s/%d", machineID, stateID)
}

func (m *memStore) machine(id string) (*memMachine, error) {
	mm, ok := m.machines[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "state machine %s not found", id)
	}
	return mm, nil
}

func (m *memStore) CreateStateMachine(_ context.Context, sm *schema.StateMachine, paths []*schema.StateTraversalPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm := &memMachine{sm: sm, paths: make(map[int64]*schema.StateTraversalPath)}
	for _, p := range paths {
		mm.paths[p.StateID] = p
	}
	seen := make(map[string]struct{})
	addPending := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		m.eventSeq++
		mm.events = append(mm.events, &schema.Event{
			ID:             m.eventSeq,
			StateMachineID: sm.ID,
			Name:           name,
			Status:         schema.EventPending,
		})
	}
	for _, st := range sm.States {
		for _, dep := range st.Dependencies {
			addPending(dep)
		}
		if st.OutputEvent != "" {
			if def, err := schema.ParseEventDefinition(st.OutputEvent); err == nil {
				addPending(def.Name)
			}
		}
	}
	m.machines[sm.ID] = mm
	return nil
}

func (m *memStore) GetStateMachine(_ context.Context, id string) (*schema.StateMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(id)
	if err != nil {
		return nil, err
	}
	return mm.sm, nil
}

func (m *memStore) UpdateMachineStatus(_ context.Context, id string, status schema.MachineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(id)
	if err != nil {
		return err
	}
	mm.sm.Status = status
	return nil
}

func (m *memStore) FindValidEvent(_ context.Context, machineID, name string, executionVersion int64) (*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	for _, ev := range mm.events {
		if ev.Name == name && ev.ExecutionVersion == executionVersion && ev.Status != schema.EventInvalid {
			return ev, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindTriggeredOrCancelledEventNames(_ context.Context, machineID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := make(map[string]struct{})
	for _, ev := range mm.events {
		if ev.Status != schema.EventTriggered && ev.Status != schema.EventCancelled {
			continue
		}
		if _, dup := seen[ev.Name]; dup {
			continue
		}
		seen[ev.Name] = struct{}{}
		names = append(names, ev.Name)
	}
	return names, nil
}

func (m *memStore) FindValidReplayEventNames(_ context.Context, machineID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ev := range mm.events {
		if ev.Type == schema.EventTypeReplay && ev.Status != schema.EventInvalid {
			names = append(names, ev.Name)
		}
	}
	return names, nil
}

func (m *memStore) FindEventsByNames(_ context.Context, machineID string, names []string) ([]schema.VersionedEventData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	var out []schema.VersionedEventData
	for _, name := range names {
		for _, ev := range mm.events {
			if ev.Name == name && ev.Status != schema.EventInvalid {
				out = append(out, schema.VersionedEventData{
					Name:             ev.Name,
					Type:             ev.Type,
					Data:             ev.Data,
					Source:           ev.Source,
					ExecutionVersion: ev.ExecutionVersion,
					Cancelled:        ev.Status == schema.EventCancelled,
				})
			}
		}
	}
	return out, nil
}

func (m *memStore) FindEventsByName(_ context.Context, machineID, name string) ([]*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	var out []*schema.Event
	for _, ev := range mm.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) EventStatusSnapshot(_ context.Context, machineID string) (map[string]schema.EventStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]schema.EventStatus)
	version := make(map[string]int64)
	for _, ev := range mm.events {
		if ev.Status == schema.EventInvalid {
			continue
		}
		if v, ok := version[ev.Name]; ok && v > ev.ExecutionVersion {
			continue
		}
		version[ev.Name] = ev.ExecutionVersion
		snapshot[ev.Name] = ev.Status
	}
	return snapshot, nil
}

func (m *memStore) UpdateEvent(_ context.Context, machineID string, ev *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateEventLocked(machineID, ev)
}

func (m *memStore) updateEventLocked(machineID string, ev *schema.Event) error {
	mm, err := m.machine(machineID)
	if err != nil {
		return err
	}
	for _, row := range mm.events {
		if row.Name == ev.Name && row.ExecutionVersion == ev.ExecutionVersion {
			row.Status = ev.Status
			row.Data = ev.Data
			row.Source = ev.Source
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "event %q not found", ev.Name)
}

func (m *memStore) MarkEventCancelled(_ context.Context, machineID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return err
	}
	for _, ev := range mm.events {
		if ev.Name == name && ev.Status != schema.EventInvalid {
			ev.Status = schema.EventCancelled
		}
	}
	return nil
}

func (m *memStore) DeleteInvalidEvents(_ context.Context, machineID string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	kept := mm.events[:0]
	for _, ev := range mm.events {
		if _, ok := drop[ev.Name]; ok && ev.Status == schema.EventInvalid {
			continue
		}
		kept = append(kept, ev)
	}
	mm.events = kept
	return nil
}

func (m *memStore) GetState(_ context.Context, machineID string, stateID int64) (*schema.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(machineID, stateID)
}

func (m *memStore) stateLocked(machineID string, stateID int64) (*schema.State, error) {
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	for _, st := range mm.sm.States {
		if st.ID == stateID {
			return st, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "state %d not found", stateID)
}

func (m *memStore) FindStateIDByDependentEvent(_ context.Context, machineID, eventName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return 0, err
	}
	for _, st := range mm.sm.States {
		for _, dep := range st.Dependencies {
			if dep == eventName {
				return st.ID, nil
			}
		}
	}
	return 0, nil
}

func (m *memStore) GetStatesByIDs(_ context.Context, machineID string, ids []int64) ([]*schema.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*schema.State
	for _, st := range mm.sm.States {
		if _, ok := want[st.ID]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStateStatus(_ context.Context, machineID string, stateID int64, status schema.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stateLocked(machineID, stateID)
	if err != nil {
		return err
	}
	st.Status = status
	return nil
}

func (m *memStore) UpdateState(_ context.Context, machineID string, state *schema.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stateLocked(machineID, state.ID)
	if err != nil {
		return err
	}
	*st = *state
	return nil
}

func (m *memStore) IncrementRetryCount(_ context.Context, machineID string, stateID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stateLocked(machineID, stateID)
	if err != nil {
		return err
	}
	st.AttemptedRetries++
	return nil
}

func (m *memStore) UpdateReplayableRetries(_ context.Context, machineID string, stateID int64, retries int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stateLocked(machineID, stateID)
	if err != nil {
		return err
	}
	st.AttemptedReplayableRetries = retries
	return nil
}

func (m *memStore) UpdateStatusWithAudit(_ context.Context, machineID string, stateID int64, status schema.Status,
	retryAttempt int64, errorMessage string, executionVersion int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusWithAuditLocked(machineID, stateID, status, retryAttempt, errorMessage, executionVersion, note)
}

func (m *memStore) updateStatusWithAuditLocked(machineID string, stateID int64, status schema.Status,
	retryAttempt int64, errorMessage string, executionVersion int64, note string) error {
	st, err := m.stateLocked(machineID, stateID)
	if err != nil {
		return err
	}
	st.Status = status
	mm := m.machines[machineID]
	mm.audits = append(mm.audits, &schema.AuditRecord{
		StateMachineID:   machineID,
		StateID:          stateID,
		RetryAttempt:     retryAttempt,
		Status:           status,
		ErrorMessage:     errorMessage,
		ExecutionVersion: executionVersion,
		Note:             note,
	})
	return nil
}

func (m *memStore) UpdateTaskStatusAndPersistEvent(_ context.Context, machineID string,
	upd *store.TaskStatusUpdate, ev *schema.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.stateLocked(machineID, upd.StateID)
	if err != nil {
		return false, err
	}
	if st.ExecutionVersion != upd.ExecutionVersion {
		return true, nil
	}
	if err := m.updateStatusWithAuditLocked(machineID, upd.StateID, upd.Status,
		upd.RetryAttempt, upd.ErrorMessage, upd.ExecutionVersion, upd.Note); err != nil {
		return false, err
	}
	return false, m.updateEventLocked(machineID, ev)
}

func (m *memStore) CancelStateWithAudit(_ context.Context, machineID string, state *schema.State, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusWithAuditLocked(machineID, state.ID, schema.StatusCancelled,
		state.AttemptedRetries, "", state.ExecutionVersion, note)
}

func (m *memStore) PersistReplayEvent(_ context.Context, machineID string, data schema.EventData,
	pathStateIDs []int64, invalidEventNames []string, stateID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.stateLocked(machineID, stateID)
	if err != nil {
		return err
	}
	newVersion := root.ExecutionVersion + 1
	mm := m.machines[machineID]

	for _, name := range invalidEventNames {
		for _, ev := range mm.events {
			if ev.Name == name && ev.Status != schema.EventInvalid {
				ev.Status = schema.EventInvalid
			}
		}
	}
	for _, id := range pathStateIDs {
		if id == stateID {
			continue
		}
		if st, err := m.stateLocked(machineID, id); err == nil {
			st.Status = schema.StatusInvalid
			st.ExecutionVersion++
		}
	}
	for _, ev := range mm.events {
		if ev.Name == data.Name && ev.Status != schema.EventInvalid {
			ev.Status = schema.EventInvalid
		}
	}
	eventType := data.Type
	if eventType == "" {
		eventType = schema.EventTypeReplay
	}
	m.eventSeq++
	mm.events = append(mm.events, &schema.Event{
		ID:               m.eventSeq,
		StateMachineID:   machineID,
		Name:             data.Name,
		Type:             eventType,
		Status:           schema.EventTriggered,
		ExecutionVersion: newVersion,
		Data:             data.Data,
		Source:           data.Source,
	})

	root.Status = schema.StatusInitialized
	root.ExecutionVersion = newVersion
	root.AttemptedRetries = 0
	root.AttemptedReplayableRetries = 0
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, machineID string, rec *schema.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return err
	}
	mm.audits = append(mm.audits, rec)
	return nil
}

func (m *memStore) GetTraversalPath(_ context.Context, machineID string, stateID int64) (*schema.StateTraversalPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, err := m.machine(machineID)
	if err != nil {
		return nil, err
	}
	return mm.paths[stateID], nil
}

func (m *memStore) RegisterRedrive(_ context.Context, entry *store.RedriveEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redrives[redriveKey(entry.StateMachineID, entry.StateID)] = entry
	return nil
}

func (m *memStore) DeregisterRedrive(_ context.Context, machineID string, stateID, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.redrives, redriveKey(machineID, stateID))
	return nil
}

func (m *memStore) ListDueRedrives(_ context.Context, now time.Time, limit int) ([]*store.RedriveEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RedriveEntry
	for _, e := range m.redrives {
		if !e.RedriveAt.After(now) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) PurgeInvalidEvents(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) Vacuum(context.Context) error { return nil }
func (m *memStore) Close() error                 { return nil }

var _ store.Store = (*memStore)(nil)

// --- dispatcher / registry fakes ---

type fakeDispatch struct {
	mu     sync.Mutex
	accept bool
	sent   []*schema.TaskExecutionMessage
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{accept: true}
}

func (f *fakeDispatch) Dispatch(_ context.Context, _ string, msg *schema.TaskExecutionMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.accept
}

func (f *fakeDispatch) sentStates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, msg := range f.sent {
		names = append(names, msg.StateName)
	}
	return names
}

type registered struct {
	machineID        string
	stateID          int64
	delay            time.Duration
	executionVersion int64
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []registered
	deregistered []registered
}

func (f *fakeRegistry) Register(_ context.Context, machineID string, stateID int64, delay time.Duration, executionVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, registered{machineID, stateID, delay, executionVersion})
	return nil
}

func (f *fakeRegistry) Deregister(_ context.Context, machineID string, stateID, executionVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, registered{machineID, stateID, 0, executionVersion})
	return nil
}

// --- machine builders ---

func outputEvent(name string) string {
	raw, _ := json.Marshal(schema.EventDefinition{Name: name})
	return string(raw)
}

func testState(id int64, name, output string, deps ...string) *schema.State {
	st := &schema.State{
		ID:           id,
		Name:         name,
		Task:         "com.acme.tasks_" + name + "_run",
		Dependencies: deps,
		RetryCount:   3,
		Timeout:      1000,
		Status:       schema.StatusInitialized,
	}
	if output != "" {
		st.OutputEvent = outputEvent(output)
	}
	return st
}

// chainMachine is x -> eX -> y -> eY -> z.
func chainMachine() *schema.StateMachine {
	return &schema.StateMachine{
		ID:            "m-chain",
		Name:          "chain",
		Status:        schema.MachineRunning,
		ClientFleetID: "fleet-1",
		States: []*schema.State{
			testState(1, "x", "eX"),
			testState(2, "y", "eY", "eX"),
			testState(3, "z", "", "eY"),
		},
	}
}

func newTestController(sm *schema.StateMachine) (*Controller, *memStore, *fakeDispatch, *fakeRegistry) {
	ms := newMemStore()
	if sm != nil {
		if err := ms.CreateStateMachine(context.Background(), sm, nil); err != nil {
			panic(err)
		}
		for _, st := range sm.States {
			st.StateMachineID = sm.ID
		}
	}
	fd := newFakeDispatch()
	fr := &fakeRegistry{}
	ctrl := NewController(ms, fd, fr, nil, nil, DefaultBackoffConfig())
	return ctrl, ms, fd, fr
}
