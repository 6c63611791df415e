package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fencio-dev/prism/internal/model"
)

const (
	sessionIdleTimeout = 30 * time.Minute
	sessionMaxAge      = 24 * time.Hour

	rmwRetries   = 3
	rmwBaseDelay = 10 * time.Millisecond
)

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// WriteCall upserts the session row for agentID and appends one history
// entry. The first call creates the row with call_count=1; later calls
// increment call_count and refresh last_seen_at. The baseline vector and
// cumulative drift are never touched here. Empty agent ids carry no
// session state, so the call is a no-op.
func (db *DB) WriteCall(ctx context.Context, agentID, requestID, action, decision string) error {
	if agentID == "" {
		return nil
	}
	entry := model.HistoryEntry{
		RequestID: requestID,
		Action:    action,
		Decision:  decision,
		TS:        nowSeconds(),
	}
	return WithRetry(ctx, rmwRetries, rmwBaseDelay, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			var historyJSON string
			err := tx.QueryRowContext(ctx,
				`SELECT action_history FROM agent_sessions WHERE agent_id = ?`, agentID,
			).Scan(&historyJSON)

			now := nowSeconds()
			switch {
			case errors.Is(err, sql.ErrNoRows):
				raw, merr := json.Marshal([]model.HistoryEntry{entry})
				if merr != nil {
					return fmt.Errorf("storage: marshal history: %w", merr)
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO agent_sessions (agent_id, action_history, call_count, created_at, last_seen_at, cumulative_drift)
					VALUES (?, ?, 1, ?, ?, 0)`,
					agentID, string(raw), now, now)
				if err != nil {
					return fmt.Errorf("storage: insert session: %w", err)
				}
				return nil
			case err != nil:
				return fmt.Errorf("storage: read session history: %w", err)
			}

			var history []model.HistoryEntry
			if uerr := json.Unmarshal([]byte(historyJSON), &history); uerr != nil {
				db.logger.Error("corrupt action_history, resetting", "agent_id", agentID, "error", uerr)
				history = nil
			}
			history = append(history, entry)
			raw, merr := json.Marshal(history)
			if merr != nil {
				return fmt.Errorf("storage: marshal history: %w", merr)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE agent_sessions
				SET action_history = ?, call_count = call_count + 1, last_seen_at = ?
				WHERE agent_id = ?`,
				string(raw), now, agentID)
			if err != nil {
				return fmt.Errorf("storage: append session history: %w", err)
			}
			return nil
		})
	})
}

// InitializeSessionVector installs the baseline vector for agentID if
// and only if none is set. The conditional update makes the baseline
// write-once under concurrency: exactly one caller wins, the rest are
// silent no-ops.
func (db *DB) InitializeSessionVector(ctx context.Context, agentID string, vec []float32) error {
	if agentID == "" {
		return nil
	}
	return WithRetry(ctx, rmwRetries, rmwBaseDelay, func() error {
		_, err := db.sql.ExecContext(ctx, `
			UPDATE agent_sessions SET initial_vector = ?
			WHERE agent_id = ? AND initial_vector IS NULL`,
			VectorToBlob(vec), agentID)
		if err != nil {
			return fmt.Errorf("storage: initialize session vector: %w", err)
		}
		return nil
	})
}

// ComputeAndUpdateDrift computes the per-call drift of vec against the
// agent's baseline and folds it into the running total. Without a
// baseline it returns 0 and mutates nothing. The returned value is the
// per-call drift, not the cumulative total.
func (db *DB) ComputeAndUpdateDrift(ctx context.Context, agentID string, vec []float32) (float64, error) {
	if agentID == "" {
		return 0, nil
	}
	var drift float64
	err := WithRetry(ctx, rmwRetries, rmwBaseDelay, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			var blob []byte
			err := tx.QueryRowContext(ctx,
				`SELECT initial_vector FROM agent_sessions WHERE agent_id = ?`, agentID,
			).Scan(&blob)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && blob == nil) {
				drift = 0
				return nil
			}
			if err != nil {
				return fmt.Errorf("storage: read baseline: %w", err)
			}

			baseline, err := VectorFromBlob(blob)
			if err != nil {
				return err
			}
			drift = Drift(baseline, vec)

			_, err = tx.ExecContext(ctx, `
				UPDATE agent_sessions
				SET cumulative_drift = cumulative_drift + ?, last_vector = ?, last_seen_at = ?
				WHERE agent_id = ?`,
				drift, VectorToBlob(vec), nowSeconds(), agentID)
			if err != nil {
				return fmt.Errorf("storage: update drift: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return drift, nil
}

// Drift is the baseline distance: max(0, 1 - dot(baseline, current)).
// Per-slot unit norms make the dot product a cosine sum; the floor
// guards against float noise pushing an identical pair below zero.
func Drift(baseline, current []float32) float64 {
	var dot float64
	n := min(len(baseline), len(current))
	for i := range n {
		dot += float64(baseline[i]) * float64(current[i])
	}
	return max(0, 1-dot)
}

// UpdateCallDecision rewrites the decision field of the most recent
// history entry matching requestID. It never appends; an absent
// requestID or empty agentID is a no-op.
func (db *DB) UpdateCallDecision(ctx context.Context, agentID, requestID, decision string) error {
	if agentID == "" {
		return nil
	}
	return WithRetry(ctx, rmwRetries, rmwBaseDelay, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			var historyJSON string
			err := tx.QueryRowContext(ctx,
				`SELECT action_history FROM agent_sessions WHERE agent_id = ?`, agentID,
			).Scan(&historyJSON)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("storage: read session history: %w", err)
			}

			var history []model.HistoryEntry
			if uerr := json.Unmarshal([]byte(historyJSON), &history); uerr != nil {
				return fmt.Errorf("storage: decode action_history: %w", uerr)
			}

			updated := false
			for i := len(history) - 1; i >= 0; i-- {
				if history[i].RequestID == requestID {
					history[i].Decision = decision
					updated = true
					break
				}
			}
			if !updated {
				return nil
			}

			raw, merr := json.Marshal(history)
			if merr != nil {
				return fmt.Errorf("storage: marshal history: %w", merr)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE agent_sessions SET action_history = ? WHERE agent_id = ?`,
				string(raw), agentID)
			if err != nil {
				return fmt.Errorf("storage: update session history: %w", err)
			}
			return nil
		})
	})
}

// GetSession returns the session detail for agentID, with vector blobs
// stripped. Returns ErrNotFound when no row exists.
func (db *DB) GetSession(ctx context.Context, agentID string) (*model.SessionDetail, error) {
	var (
		historyJSON string
		detail      model.SessionDetail
		initial     []byte
	)
	err := db.sql.QueryRowContext(ctx, `
		SELECT agent_id, action_history, call_count, created_at, last_seen_at, cumulative_drift, initial_vector
		FROM agent_sessions WHERE agent_id = ?`, agentID,
	).Scan(&detail.AgentID, &historyJSON, &detail.CallCount, &detail.CreatedAt,
		&detail.LastSeenAt, &detail.CumulativeDrift, &initial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}

	if uerr := json.Unmarshal([]byte(historyJSON), &detail.ActionHistory); uerr != nil {
		db.logger.Error("corrupt action_history", "agent_id", agentID, "error", uerr)
		detail.ActionHistory = nil
	}
	if n := len(detail.ActionHistory); n > 0 {
		detail.LastDecision = detail.ActionHistory[n-1].Decision
	}
	detail.HasBaseline = initial != nil
	return &detail, nil
}

// SessionVectors returns the stored baseline and last vectors for an
// agent. Either may be nil when unset.
func (db *DB) SessionVectors(ctx context.Context, agentID string) (initial, last []float32, err error) {
	var initBlob, lastBlob []byte
	err = db.sql.QueryRowContext(ctx,
		`SELECT initial_vector, last_vector FROM agent_sessions WHERE agent_id = ?`, agentID,
	).Scan(&initBlob, &lastBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: get session vectors: %w", err)
	}
	if initBlob != nil {
		if initial, err = VectorFromBlob(initBlob); err != nil {
			return nil, nil, err
		}
	}
	if lastBlob != nil {
		if last, err = VectorFromBlob(lastBlob); err != nil {
			return nil, nil, err
		}
	}
	return initial, last, nil
}

// ListSessions returns a page of session summaries ordered by recency.
// A non-empty decision filter matches the decision of each session's
// final history entry; the filter is applied after the rows are read, so
// the total is recomputed from the filtered set.
func (db *DB) ListSessions(ctx context.Context, limit, offset int, decision string) ([]model.SessionSummary, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT agent_id, action_history, call_count, created_at, last_seen_at, cumulative_drift
		FROM agent_sessions ORDER BY last_seen_at DESC`
	args := []any{}
	if decision == "" {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []model.SessionSummary
	for rows.Next() {
		var (
			s           model.SessionSummary
			historyJSON string
		)
		if err := rows.Scan(&s.AgentID, &historyJSON, &s.CallCount, &s.CreatedAt, &s.LastSeenAt, &s.CumulativeDrift); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		var history []model.HistoryEntry
		if uerr := json.Unmarshal([]byte(historyJSON), &history); uerr == nil && len(history) > 0 {
			s.LastDecision = history[len(history)-1].Decision
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}

	if decision == "" {
		var total int
		if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions`).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
		}
		return summaries, total, nil
	}

	filtered := summaries[:0]
	for _, s := range summaries {
		if s.LastDecision == decision {
			filtered = append(filtered, s)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []model.SessionSummary{}, total, nil
	}
	end := min(offset+limit, total)
	return filtered[offset:end], total, nil
}

// CleanupExpired deletes sessions idle past the 30-minute timeout or
// older than the 24-hour absolute cap. Returns the number of rows removed.
func (db *DB) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	nowSec := float64(now.UnixMilli()) / 1000.0
	res, err := db.sql.ExecContext(ctx, `
		DELETE FROM agent_sessions
		WHERE last_seen_at < ? OR created_at < ?`,
		nowSec-sessionIdleTimeout.Seconds(), nowSec-sessionMaxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
