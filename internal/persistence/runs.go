package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/iron-claw/internal/bus"
	"github.com/basket/iron-claw/internal/shared"
)

// RunStatus is the lifecycle state of a queued run. The values match the
// webhook wire format.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// allowedTransitions is the run state machine. Terminal states have no
// outgoing edges, so a late-arriving transition can never overwrite them.
var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusPending: {
		RunStatusQueued:    {},
		RunStatusCancelled: {},
	},
	RunStatusQueued: {
		RunStatusRunning:   {},
		RunStatusCancelled: {},
	},
	RunStatusRunning: {
		RunStatusCompleted: {},
		RunStatusFailed:    {},
		RunStatusCancelled: {},
	},
}

func canTransition(from, to RunStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ValidRunStatus reports whether s names a known status value.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunStatusPending, RunStatusQueued, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunRecord is a stored run.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	StepKind  string    `json:"step_kind"`
	Status    RunStatus `json:"status"`
	Payload   string    `json:"payload"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunEvent is one recorded transition of a run.
type RunEvent struct {
	EventID   int64     `json:"event_id"`
	RunID     string    `json:"run_id"`
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"`
	StateFrom RunStatus `json:"state_from,omitempty"`
	StateTo   RunStatus `json:"state_to"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRun inserts a new run in queued status under the given run ID.
func (s *Store) CreateRun(ctx context.Context, runID, taskID, stepKind, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, task_id, step_kind, status, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, runID, taskID, stepKind, RunStatusQueued, payload); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if err := s.appendRunEventTx(ctx, tx, runID, "", RunStatusQueued, "run.enqueued", `{"reason":"webhook_accepted"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChanged(runID, taskID, stepKind, "", RunStatusQueued)
	return nil
}

// MarkRunning flips a queued run to running. Returns false if the run is no
// longer queued (e.g. it was cancelled before the executor picked it up).
func (s *Store) MarkRunning(ctx context.Context, runID string) (bool, error) {
	return s.transitionRun(ctx, runID,
		[]RunStatus{RunStatusQueued}, RunStatusRunning,
		"run.started", `{"reason":"executor_start"}`, nil, nil)
}

// CompleteRun records the result and flips a running run to completed.
// Returns false if the run already reached a terminal state.
func (s *Store) CompleteRun(ctx context.Context, runID, result string) (bool, error) {
	return s.transitionRun(ctx, runID,
		[]RunStatus{RunStatusRunning}, RunStatusCompleted,
		"run.completed", `{"reason":"processor_done"}`, &result, nil)
}

// FailRun records the error and flips a running run to failed.
// Returns false if the run already reached a terminal state.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string) (bool, error) {
	return s.transitionRun(ctx, runID,
		[]RunStatus{RunStatusRunning}, RunStatusFailed,
		"run.failed", `{"reason":"processor_error"}`, nil, &errMsg)
}

// CancelRun cancels a run that is still pending, queued, or running. For a
// run already in a terminal state it returns ok=false with the existing
// terminal status so callers can report the precise reason.
func (s *Store) CancelRun(ctx context.Context, runID string) (ok bool, current RunStatus, err error) {
	record, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, "", err
	}
	if record == nil {
		return false, "", nil
	}
	ok, err = s.transitionRun(ctx, runID,
		[]RunStatus{RunStatusPending, RunStatusQueued, RunStatusRunning}, RunStatusCancelled,
		"run.cancelled", `{"reason":"cancel_requested"}`, nil, nil)
	if err != nil {
		return false, record.Status, err
	}
	if !ok {
		// Re-read: the status may have changed since the first lookup.
		if record, err = s.GetRun(ctx, runID); err != nil {
			return false, "", err
		}
		if record == nil {
			return false, "", nil
		}
		return false, record.Status, nil
	}
	return true, RunStatusCancelled, nil
}

// transitionRun performs a guarded status transition and appends a run event
// in the same transaction.
func (s *Store) transitionRun(
	ctx context.Context,
	runID string,
	allowedFrom []RunStatus,
	to RunStatus,
	eventType string,
	eventPayload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var moved bool
	var taskID, stepKind string
	var from RunStatus
	err := retryOnBusy(ctx, 5, func() error {
		moved = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current RunStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, task_id, step_kind FROM runs WHERE run_id = ?;
		`, runID).Scan(&current, &taskID, &stepKind); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, current) {
			return nil
		}
		if !canTransition(current, to) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}

		resValue := sql.NullString{}
		if result != nil {
			resValue.Valid = true
			resValue.String = *result
		}
		errValue := sql.NullString{}
		if errMsg != nil {
			errValue.Valid = true
			errValue.String = *errMsg
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ? AND status = ?;
		`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, runID, current)
		if err != nil {
			return fmt.Errorf("update run transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := s.appendRunEventTx(ctx, tx, runID, current, to, eventType, eventPayload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		from = current
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishStateChanged(runID, taskID, stepKind, from, to)
	}
	return moved, nil
}

func (s *Store) appendRunEventTx(ctx context.Context, tx *sql.Tx, runID string, from, to RunStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, runID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert run_event: %w", err)
	}
	return nil
}

func (s *Store) publishStateChanged(runID, taskID, stepKind string, from, to RunStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:     runID,
		TaskID:    taskID,
		StepKind:  stepKind,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

func scanRun(scanFn func(dest ...any) error, record *RunRecord) error {
	var result, errMsg sql.NullString
	if err := scanFn(
		&record.RunID,
		&record.TaskID,
		&record.StepKind,
		&record.Status,
		&record.Payload,
		&result,
		&errMsg,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return err
	}
	if result.Valid {
		record.Result = result.String
	}
	if errMsg.Valid {
		record.Error = errMsg.String
	}
	return nil
}

const runColumns = `run_id, task_id, step_kind, status, payload, result, error, created_at, updated_at`

// GetRun returns the run with the given run ID, or nil if absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	var record RunRecord
	if err := scanRun(row.Scan, &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &record, nil
}

// FindRun looks a run up by run ID first, then by the caller-supplied task
// ID. Task ID matches resolve in creation order, oldest first, so the lookup
// is deterministic for a given store state.
func (s *Store) FindRun(ctx context.Context, id string) (*RunRecord, error) {
	record, err := s.GetRun(ctx, id)
	if err != nil || record != nil {
		return record, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ?
		ORDER BY created_at ASC, run_id ASC
		LIMIT 1;
	`, id)
	record = &RunRecord{}
	if err := scanRun(row.Scan, record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find run %s: %w", id, err)
	}
	return record, nil
}

// ListRuns returns up to limit runs, newest first, optionally filtered by
// status. statusFilter "" means no filter.
func (s *Store) ListRuns(ctx context.Context, limit int, statusFilter RunStatus) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs
			ORDER BY created_at DESC, run_id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE status = ?
			ORDER BY created_at DESC, run_id DESC
			LIMIT ?;
		`, statusFilter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var record RunRecord
		if err := scanRun(rows.Scan, &record); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// ListRunEvents returns the recorded transitions for a run, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var event RunEvent
		var stateFrom sql.NullString
		if err := rows.Scan(
			&event.EventID,
			&event.RunID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = RunStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}

// RunCounts returns the number of non-terminal and running runs, used by the
// health endpoint.
func (s *Store) RunCounts(ctx context.Context) (active, running int64, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs WHERE status IN (?, ?, ?);
	`, RunStatusPending, RunStatusQueued, RunStatusRunning).Scan(&active); err != nil {
		return 0, 0, fmt.Errorf("count active runs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs WHERE status = ?;
	`, RunStatusRunning).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running runs: %w", err)
	}
	return active, running, nil
}
