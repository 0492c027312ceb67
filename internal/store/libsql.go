package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/fluxion/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// PurgeInvalidEvents deletes invalid event rows not touched since cutoff.
func (s *LibSQLStore) PurgeInvalidEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE status = ? AND updated_at < ?`,
		string(schema.EventInvalid), cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- State machines ---

// CreateStateMachine persists the machine, its states, a pending event row
// for every declared event name, and the precomputed traversal paths, in one
// transaction. The state set is immutable after this point.
func (s *LibSQLStore) CreateStateMachine(ctx context.Context, sm *schema.StateMachine, paths []*schema.StateTraversalPath) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create state machine: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_machines (id, version, name, description, status, client_fleet_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.Version, sm.Name, nullStr(sm.Description), string(sm.Status),
		sm.ClientFleetID, timeOrNow(sm.CreatedAt), timeOrNow(sm.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert state machine: %w", err)
	}

	eventNames := make(map[string]struct{})
	for _, st := range sm.States {
		deps, err := json.Marshal(st.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies for state %d: %w", st.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO states (state_machine_id, id, name, task, dependencies, output_event, retry_count, timeout,
			 status, execution_version, attempted_retries, attempted_replayable_retries, replayable)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sm.ID, st.ID, st.Name, st.Task, string(deps), nullStr(st.OutputEvent),
			st.RetryCount, st.Timeout, string(st.Status), st.ExecutionVersion,
			st.AttemptedRetries, st.AttemptedReplayableRetries, boolInt(st.Replayable),
		)
		if err != nil {
			return fmt.Errorf("insert state %d: %w", st.ID, err)
		}
		for _, dep := range st.Dependencies {
			eventNames[dep] = struct{}{}
		}
		if st.OutputEvent != "" {
			def, err := schema.ParseEventDefinition(st.OutputEvent)
			if err != nil {
				return err
			}
			eventNames[def.Name] = struct{}{}
		}
	}

	for name := range eventNames {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (state_machine_id, name, status, execution_version)
			 VALUES (?, ?, ?, 0)`,
			sm.ID, name, string(schema.EventPending),
		)
		if err != nil {
			return fmt.Errorf("insert pending event %q: %w", name, err)
		}
	}

	for _, p := range paths {
		next, err := json.Marshal(p.NextDependentStates)
		if err != nil {
			return fmt.Errorf("marshal traversal path for state %d: %w", p.StateID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO state_traversal_paths (state_machine_id, state_id, next_dependent_states)
			 VALUES (?, ?, ?)`,
			sm.ID, p.StateID, string(next),
		)
		if err != nil {
			return fmt.Errorf("insert traversal path for state %d: %w", p.StateID, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetStateMachine(ctx context.Context, id string) (*schema.StateMachine, error) {
	sm := &schema.StateMachine{}
	var description sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, description, status, client_fleet_id, created_at, updated_at
		 FROM state_machines WHERE id = ?`, id,
	).Scan(&sm.ID, &sm.Version, &sm.Name, &description, &status, &sm.ClientFleetID, &sm.CreatedAt, &sm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("state machine", id)
	}
	if err != nil {
		return nil, err
	}
	sm.Description = description.String
	sm.Status = schema.MachineStatus(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, task, dependencies, output_event, retry_count, timeout, status,
		 execution_version, attempted_retries, attempted_replayable_retries, replayable
		 FROM states WHERE state_machine_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanState(rows, id)
		if err != nil {
			return nil, err
		}
		sm.States = append(sm.States, st)
	}
	return sm, rows.Err()
}

func (s *LibSQLStore) UpdateMachineStatus(ctx context.Context, id string, status schema.MachineStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_machines SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "state machine", id)
}

// --- Event ledger ---

func (s *LibSQLStore) FindValidEvent(ctx context.Context, machineID, name string, executionVersion int64) (*schema.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state_machine_id, name, type, status, execution_version, data, source, created_at, updated_at
		 FROM events WHERE state_machine_id = ? AND name = ? AND execution_version = ? AND status != ?`,
		machineID, name, executionVersion, string(schema.EventInvalid),
	)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *LibSQLStore) FindTriggeredOrCancelledEventNames(ctx context.Context, machineID string) ([]string, error) {
	return s.eventNames(ctx,
		`SELECT DISTINCT name FROM events WHERE state_machine_id = ? AND status IN (?, ?)`,
		machineID, string(schema.EventTriggered), string(schema.EventCancelled))
}

func (s *LibSQLStore) FindValidReplayEventNames(ctx context.Context, machineID string) ([]string, error) {
	return s.eventNames(ctx,
		`SELECT DISTINCT name FROM events WHERE state_machine_id = ? AND type = ? AND status != ?`,
		machineID, schema.EventTypeReplay, string(schema.EventInvalid))
}

func (s *LibSQLStore) eventNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *LibSQLStore) FindEventsByNames(ctx context.Context, machineID string, names []string) ([]schema.VersionedEventData, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(names)+2)
	args = append(args, machineID)
	for _, n := range names {
		args = append(args, n)
	}
	args = append(args, string(schema.EventInvalid))

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, data, source, execution_version FROM events
		 WHERE state_machine_id = ? AND name IN (`+placeholders+`) AND status != ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.VersionedEventData
	for rows.Next() {
		var v schema.VersionedEventData
		var typ, source, data sql.NullString
		if err := rows.Scan(&v.Name, &typ, &data, &source, &v.ExecutionVersion); err != nil {
			return nil, err
		}
		v.Type = typ.String
		v.Source = source.String
		v.Data = rawOrNil(data)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) FindEventsByName(ctx context.Context, machineID, name string) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state_machine_id, name, type, status, execution_version, data, source, created_at, updated_at
		 FROM events WHERE state_machine_id = ? AND name = ? ORDER BY execution_version`,
		machineID, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventStatusSnapshot returns the status of the newest non-invalid row per
// event name. Used by path cancellation to classify a whole machine's events
// in one read.
func (s *LibSQLStore) EventStatusSnapshot(ctx context.Context, machineID string) (map[string]schema.EventStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status FROM events
		 WHERE state_machine_id = ? AND status != ?
		 ORDER BY execution_version`,
		machineID, string(schema.EventInvalid),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make(map[string]schema.EventStatus)
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return nil, err
		}
		snapshot[name] = schema.EventStatus(status) // later (higher) versions win
	}
	return snapshot, rows.Err()
}

func (s *LibSQLStore) UpdateEvent(ctx context.Context, machineID string, ev *schema.Event) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, data = ?, source = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state_machine_id = ? AND name = ? AND execution_version = ?`,
		string(ev.Status), nullRaw(ev.Data), nullStr(ev.Source),
		machineID, ev.Name, ev.ExecutionVersion,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "event", ev.Name)
}

// MarkEventCancelled flips every non-invalid row of the named event to
// cancelled. Pending and triggered rows alike: a cancellation cascade
// overrides a prior trigger for downstream bookkeeping.
func (s *LibSQLStore) MarkEventCancelled(ctx context.Context, machineID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state_machine_id = ? AND name = ? AND status != ?`,
		string(schema.EventCancelled), machineID, name, string(schema.EventInvalid),
	)
	return err
}

func (s *LibSQLStore) DeleteInvalidEvents(ctx context.Context, machineID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(names)+2)
	args = append(args, machineID, string(schema.EventInvalid))
	for _, n := range names {
		args = append(args, n)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE state_machine_id = ? AND status = ? AND name IN (`+placeholders+`)`,
		args...,
	)
	return err
}

// --- State ledger ---

func (s *LibSQLStore) GetState(ctx context.Context, machineID string, stateID int64) (*schema.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, task, dependencies, output_event, retry_count, timeout, status,
		 execution_version, attempted_retries, attempted_replayable_retries, replayable
		 FROM states WHERE state_machine_id = ? AND id = ?`,
		machineID, stateID,
	)
	st, err := scanState(row, machineID)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("state", fmt.Sprintf("%d", stateID))
	}
	return st, err
}

// FindStateIDByDependentEvent returns the id of the single state listing the
// event among its dependencies, or 0 when none does. Submission validation
// guarantees at most one state depends on a replay event.
func (s *LibSQLStore) FindStateIDByDependentEvent(ctx context.Context, machineID, eventName string) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dependencies FROM states WHERE state_machine_id = ?`, machineID,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			return 0, err
		}
		var deps []string
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			return 0, fmt.Errorf("unmarshal dependencies of state %d: %w", id, err)
		}
		for _, d := range deps {
			if d == eventName {
				return id, rows.Close()
			}
		}
	}
	return 0, rows.Err()
}

func (s *LibSQLStore) GetStatesByIDs(ctx context.Context, machineID string, ids []int64) ([]*schema.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, machineID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, task, dependencies, output_event, retry_count, timeout, status,
		 execution_version, attempted_retries, attempted_replayable_retries, replayable
		 FROM states WHERE state_machine_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*schema.State
	for rows.Next() {
		st, err := scanState(rows, machineID)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) UpdateStateStatus(ctx context.Context, machineID string, stateID int64, status schema.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE states SET status = ? WHERE state_machine_id = ? AND id = ?`,
		string(status), machineID, stateID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "state", fmt.Sprintf("%d", stateID))
}

// UpdateState rewrites every mutable column of a state row. Used by replay
// and unsideline to reset counters and execution version in one statement.
func (s *LibSQLStore) UpdateState(ctx context.Context, machineID string, state *schema.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE states SET status = ?, execution_version = ?, attempted_retries = ?,
		 attempted_replayable_retries = ? WHERE state_machine_id = ? AND id = ?`,
		string(state.Status), state.ExecutionVersion, state.AttemptedRetries,
		state.AttemptedReplayableRetries, machineID, state.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "state", fmt.Sprintf("%d", state.ID))
}

func (s *LibSQLStore) IncrementRetryCount(ctx context.Context, machineID string, stateID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE states SET attempted_retries = attempted_retries + 1 WHERE state_machine_id = ? AND id = ?`,
		machineID, stateID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "state", fmt.Sprintf("%d", stateID))
}

func (s *LibSQLStore) UpdateReplayableRetries(ctx context.Context, machineID string, stateID int64, retries int16) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE states SET attempted_replayable_retries = ? WHERE state_machine_id = ? AND id = ?`,
		retries, machineID, stateID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "state", fmt.Sprintf("%d", stateID))
}

// --- Composite atomic units ---

// UpdateStatusWithAudit updates a state's status and appends the audit record
// in a single transaction: the unit of consistency for every status change.
func (s *LibSQLStore) UpdateStatusWithAudit(ctx context.Context, machineID string, stateID int64,
	status schema.Status, retryAttempt int64, errorMessage string, executionVersion int64, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE states SET status = ? WHERE state_machine_id = ? AND id = ?`,
		string(status), machineID, stateID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "state", fmt.Sprintf("%d", stateID)); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_records (state_machine_id, state_id, retry_attempt, status, error_message, execution_version, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		machineID, stateID, retryAttempt, string(status), nullStr(errorMessage), executionVersion, nullStr(note),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	return tx.Commit()
}

// CancelStateWithAudit is UpdateStatusWithAudit specialized for cancellation,
// taking the counters from the in-memory state snapshot.
func (s *LibSQLStore) CancelStateWithAudit(ctx context.Context, machineID string, state *schema.State, note string) error {
	return s.UpdateStatusWithAudit(ctx, machineID, state.ID, schema.StatusCancelled,
		state.AttemptedRetries, "", state.ExecutionVersion, note)
}

// UpdateTaskStatusAndPersistEvent applies an executor status report and the
// event it produced in one transaction, guarded by the execution version
// fence inside the same transaction.
func (s *LibSQLStore) UpdateTaskStatusAndPersistEvent(ctx context.Context, machineID string,
	upd *TaskStatusUpdate, ev *schema.Event) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin task status update: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT execution_version FROM states WHERE state_machine_id = ? AND id = ?`,
		machineID, upd.StateID,
	).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		return false, storeNotFound("state", fmt.Sprintf("%d", upd.StateID))
	}
	if err != nil {
		return false, err
	}
	if currentVersion != upd.ExecutionVersion {
		return true, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE states SET status = ? WHERE state_machine_id = ? AND id = ?`,
		string(upd.Status), machineID, upd.StateID,
	); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (state_machine_id, state_id, retry_attempt, status, error_message, execution_version, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		machineID, upd.StateID, upd.RetryAttempt, string(upd.Status),
		nullStr(upd.ErrorMessage), upd.ExecutionVersion, nullStr(upd.Note),
	); err != nil {
		return false, fmt.Errorf("append audit: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE events SET status = ?, data = ?, source = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state_machine_id = ? AND name = ? AND execution_version = ?`,
		string(ev.Status), nullRaw(ev.Data), nullStr(ev.Source),
		machineID, ev.Name, ev.ExecutionVersion,
	)
	if err != nil {
		return false, err
	}
	if err := checkRowsAffected(res, "event", ev.Name); err != nil {
		return false, err
	}

	return false, tx.Commit()
}

// PersistReplayEvent applies a replay in one transaction: every event
// produced by the superseded run is marked invalid, every downstream state is
// invalidated on a new execution version, the replay event itself is
// persisted, and the replayable state is reset to a fresh attempt.
func (s *LibSQLStore) PersistReplayEvent(ctx context.Context, machineID string, data schema.EventData,
	pathStateIDs []int64, invalidEventNames []string, stateID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replay persist: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT execution_version FROM states WHERE state_machine_id = ? AND id = ?`,
		machineID, stateID,
	).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		return storeNotFound("state", fmt.Sprintf("%d", stateID))
	}
	if err != nil {
		return err
	}
	newVersion := currentVersion + 1

	// Invalidate every event the superseded run produced.
	for _, name := range invalidEventNames {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE state_machine_id = ? AND name = ? AND status != ?`,
			string(schema.EventInvalid), machineID, name, string(schema.EventInvalid),
		); err != nil {
			return fmt.Errorf("invalidate event %q: %w", name, err)
		}
	}

	// Invalidate every downstream state on a fresh execution version so any
	// in-flight attempt of the old run fails its version fence.
	for _, id := range pathStateIDs {
		if id == stateID {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE states SET status = ?, execution_version = execution_version + 1
			 WHERE state_machine_id = ? AND id = ?`,
			string(schema.StatusInvalid), machineID, id,
		); err != nil {
			return fmt.Errorf("invalidate state %d: %w", id, err)
		}
	}

	// Supersede any previous row of the replay event, then insert the new one.
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state_machine_id = ? AND name = ? AND status != ?`,
		string(schema.EventInvalid), machineID, data.Name, string(schema.EventInvalid),
	); err != nil {
		return fmt.Errorf("supersede replay event %q: %w", data.Name, err)
	}
	eventType := data.Type
	if eventType == "" {
		eventType = schema.EventTypeReplay
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (state_machine_id, name, type, status, execution_version, data, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		machineID, data.Name, eventType, string(schema.EventTriggered), newVersion,
		nullRaw(data.Data), nullStr(data.Source),
	); err != nil {
		return fmt.Errorf("insert replay event %q: %w", data.Name, err)
	}

	// Re-arm the replayable state for a fresh attempt.
	if _, err := tx.ExecContext(ctx,
		`UPDATE states SET status = ?, execution_version = ?, attempted_retries = 0,
		 attempted_replayable_retries = 0 WHERE state_machine_id = ? AND id = ?`,
		string(schema.StatusInitialized), newVersion, machineID, stateID,
	); err != nil {
		return fmt.Errorf("reset replay state %d: %w", stateID, err)
	}

	return tx.Commit()
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, machineID string, rec *schema.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (state_machine_id, state_id, retry_attempt, status, error_message, execution_version, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		machineID, rec.StateID, rec.RetryAttempt, nullStr(string(rec.Status)),
		nullStr(rec.ErrorMessage), rec.ExecutionVersion, nullStr(rec.Note),
	)
	return err
}

// --- Traversal paths ---

func (s *LibSQLStore) GetTraversalPath(ctx context.Context, machineID string, stateID int64) (*schema.StateTraversalPath, error) {
	var nextJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT next_dependent_states FROM state_traversal_paths WHERE state_machine_id = ? AND state_id = ?`,
		machineID, stateID,
	).Scan(&nextJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &schema.StateTraversalPath{StateMachineID: machineID, StateID: stateID}
	if err := json.Unmarshal([]byte(nextJSON), &p.NextDependentStates); err != nil {
		return nil, fmt.Errorf("unmarshal traversal path for state %d: %w", stateID, err)
	}
	return p, nil
}

// --- Redriver registry ---

func (s *LibSQLStore) RegisterRedrive(ctx context.Context, entry *RedriveEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO redriver_tasks (state_machine_id, state_id, execution_version, redrive_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(state_machine_id, state_id) DO UPDATE SET
		 execution_version=excluded.execution_version, redrive_at=excluded.redrive_at`,
		entry.StateMachineID, entry.StateID, entry.ExecutionVersion,
		entry.RedriveAt.UTC(), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DeregisterRedrive(ctx context.Context, machineID string, stateID, executionVersion int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM redriver_tasks WHERE state_machine_id = ? AND state_id = ? AND execution_version = ?`,
		machineID, stateID, executionVersion,
	)
	return err
}

func (s *LibSQLStore) ListDueRedrives(ctx context.Context, now time.Time, limit int) ([]*RedriveEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_machine_id, state_id, execution_version, redrive_at, created_at
		 FROM redriver_tasks WHERE redrive_at <= ? ORDER BY redrive_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RedriveEntry
	for rows.Next() {
		e := &RedriveEntry{}
		if err := rows.Scan(&e.StateMachineID, &e.StateID, &e.ExecutionVersion, &e.RedriveAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scanners ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner, machineID string) (*schema.State, error) {
	st := &schema.State{StateMachineID: machineID}
	var depsJSON string
	var outputEvent sql.NullString
	var status string
	var replayable int
	err := row.Scan(&st.ID, &st.Name, &st.Task, &depsJSON, &outputEvent, &st.RetryCount,
		&st.Timeout, &status, &st.ExecutionVersion, &st.AttemptedRetries,
		&st.AttemptedReplayableRetries, &replayable)
	if err != nil {
		return nil, err
	}
	st.OutputEvent = outputEvent.String
	st.Status = schema.Status(status)
	st.Replayable = replayable != 0
	if err := json.Unmarshal([]byte(depsJSON), &st.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies of state %d: %w", st.ID, err)
	}
	return st, nil
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	ev := &schema.Event{}
	var typ, data, source sql.NullString
	var status string
	err := row.Scan(&ev.ID, &ev.StateMachineID, &ev.Name, &typ, &status,
		&ev.ExecutionVersion, &data, &source, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Type = typ.String
	ev.Status = schema.EventStatus(status)
	ev.Data = rawOrNil(data)
	ev.Source = source.String
	return ev, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FluxionError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
