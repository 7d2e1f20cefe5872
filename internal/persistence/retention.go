package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns      int64 `json:"purged_runs"`
	PurgedRunEvents int64 `json:"purged_run_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes terminal runs whose last update is older than the
// given window, together with their events, plus audit entries past their
// own window. Active runs are never purged, so "status queryable after
// completion" holds for at least the retention window. The job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, runWindow, auditWindow time.Duration) (RetentionResult, error) {
	var result RetentionResult

	if runWindow > 0 {
		cutoff := time.Now().UTC().Add(-runWindow)

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM run_events
			WHERE run_id IN (
				SELECT run_id FROM runs
				WHERE status IN (?, ?, ?) AND updated_at < ?
			);
		`, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge run_events: %w", err)
		}
		result.PurgedRunEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM runs
			WHERE status IN (?, ?, ?) AND updated_at < ?;
		`, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge runs: %w", err)
		}
		result.PurgedRuns, _ = res.RowsAffected()
	}

	if auditWindow > 0 {
		cutoff := time.Now().UTC().Add(-auditWindow)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
