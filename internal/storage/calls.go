package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fencio-dev/prism/internal/model"
)

// EnforceCall is the stored form of one enforcement audit row. The
// result and event fields hold opaque JSON.
type EnforceCall struct {
	CallID            string
	AgentID           string
	TSMillis          int64
	Decision          string
	Op                string
	T                 string
	EnforcementResult []byte
	IntentEvent       []byte
	IsDryRun          bool
}

// InsertCall appends one row to the enforce-call log. The write is an
// upsert keyed by call_id, so replaying the same call converges to a
// single row reflecting the latest payload.
func (db *DB) InsertCall(ctx context.Context, call EnforceCall) error {
	return WithRetry(ctx, rmwRetries, rmwBaseDelay, func() error {
		_, err := db.sql.ExecContext(ctx, `
			INSERT OR REPLACE INTO enforce_calls
				(call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			call.CallID, call.AgentID, call.TSMillis, call.Decision, call.Op, call.T,
			nullableJSON(call.EnforcementResult), nullableJSON(call.IntentEvent), boolToInt(call.IsDryRun))
		if err != nil {
			return fmt.Errorf("storage: insert call: %w", err)
		}
		return nil
	})
}

// GetCall returns the full call detail, including the enforcement
// result and the deserialized intent event.
func (db *DB) GetCall(ctx context.Context, callID string) (*model.CallDetail, error) {
	var (
		detail      model.CallDetail
		resultJSON  sql.NullString
		eventJSON   sql.NullString
		dryRunFlag  int
	)
	err := db.sql.QueryRowContext(ctx, `
		SELECT call_id, agent_id, ts_ms, decision, op, t, enforcement_result, intent_event, is_dry_run
		FROM enforce_calls WHERE call_id = ?`, callID,
	).Scan(&detail.CallID, &detail.AgentID, &detail.TSMillis, &detail.Decision,
		&detail.Op, &detail.T, &resultJSON, &eventJSON, &dryRunFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get call: %w", err)
	}
	detail.IsDryRun = dryRunFlag != 0

	if resultJSON.Valid {
		if uerr := json.Unmarshal([]byte(resultJSON.String), &detail.EnforcementResult); uerr != nil {
			db.logger.Error("corrupt enforcement_result", "call_id", callID, "error", uerr)
		}
	}
	if eventJSON.Valid {
		if uerr := json.Unmarshal([]byte(eventJSON.String), &detail.IntentEvent); uerr != nil {
			db.logger.Error("corrupt intent_event", "call_id", callID, "error", uerr)
		}
	}
	return &detail, nil
}

// ListCalls returns a page of call summaries, newest first, optionally
// scoped to one agent. The result blobs stay out of the list view.
func (db *DB) ListCalls(ctx context.Context, agentID string, limit, offset int) ([]model.CallSummary, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if agentID != "" {
		where = ` WHERE agent_id = ?`
		args = append(args, agentID)
	}

	var total int
	if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM enforce_calls`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count calls: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.sql.QueryContext(ctx, `
		SELECT call_id, agent_id, ts_ms, decision, op, t, is_dry_run
		FROM enforce_calls`+where+` ORDER BY ts_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list calls: %w", err)
	}
	defer rows.Close()

	var calls []model.CallSummary
	for rows.Next() {
		var (
			c          model.CallSummary
			dryRunFlag int
		)
		if err := rows.Scan(&c.CallID, &c.AgentID, &c.TSMillis, &c.Decision, &c.Op, &c.T, &dryRunFlag); err != nil {
			return nil, 0, fmt.Errorf("storage: scan call: %w", err)
		}
		c.IsDryRun = dryRunFlag != 0
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list calls: %w", err)
	}
	return calls, total, nil
}

// DeleteCalls wipes the call log and reports how many rows went.
func (db *DB) DeleteCalls(ctx context.Context) (int, error) {
	res, err := db.sql.ExecContext(ctx, `DELETE FROM enforce_calls`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete calls: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
