package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fencio-dev/prism/internal/model"
)

// CreatePolicy inserts a new policy row. A duplicate (tenant_id, id)
// returns ErrConflict without touching the existing row.
func (db *DB) CreatePolicy(ctx context.Context, p *model.PolicyBoundary) error {
	scope, rules, constraints, err := marshalPolicyJSON(p)
	if err != nil {
		return err
	}
	now := nowSeconds()
	p.CreatedAt = now
	p.UpdatedAt = now

	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO policies_v2
			(tenant_id, policy_id, name, status, policy_type, boundary_schema_version,
			 layer, scope_json, rules_json, constraints_json, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, policy_id) DO NOTHING`,
		p.TenantID, p.ID, p.Name, p.Status, p.Type, p.SchemaVersion,
		p.Layer, scope, rules, constraints, p.Notes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdatePolicy rewrites an existing policy row, keeping its original
// created_at. Returns ErrNotFound when the row does not exist.
func (db *DB) UpdatePolicy(ctx context.Context, p *model.PolicyBoundary) error {
	scope, rules, constraints, err := marshalPolicyJSON(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = nowSeconds()

	res, err := db.sql.ExecContext(ctx, `
		UPDATE policies_v2
		SET name = ?, status = ?, policy_type = ?, boundary_schema_version = ?,
		    layer = ?, scope_json = ?, rules_json = ?, constraints_json = ?, notes = ?, updated_at = ?
		WHERE tenant_id = ? AND policy_id = ?`,
		p.Name, p.Status, p.Type, p.SchemaVersion,
		p.Layer, scope, rules, constraints, p.Notes, p.UpdatedAt,
		p.TenantID, p.ID)
	if err != nil {
		return fmt.Errorf("storage: update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPolicy returns one policy row or ErrNotFound.
func (db *DB) GetPolicy(ctx context.Context, tenantID, policyID string) (*model.PolicyBoundary, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT tenant_id, policy_id, name, status, policy_type, boundary_schema_version,
		       layer, scope_json, rules_json, constraints_json, notes, created_at, updated_at
		FROM policies_v2 WHERE tenant_id = ? AND policy_id = ?`,
		tenantID, policyID)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns a page of a tenant's policies, newest first.
func (db *DB) ListPolicies(ctx context.Context, tenantID string, limit, offset int) ([]*model.PolicyBoundary, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policies_v2 WHERE tenant_id = ?`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count policies: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx, `
		SELECT tenant_id, policy_id, name, status, policy_type, boundary_schema_version,
		       layer, scope_json, rules_json, constraints_json, notes, created_at, updated_at
		FROM policies_v2 WHERE tenant_id = ?
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var policies []*model.PolicyBoundary
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list policies: %w", err)
	}
	return policies, total, nil
}

// DeletePolicy removes one policy row. Returns ErrNotFound when absent.
func (db *DB) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM policies_v2 WHERE tenant_id = ? AND policy_id = ?`,
		tenantID, policyID)
	if err != nil {
		return fmt.Errorf("storage: delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenantPolicies bulk-deletes every policy row of a tenant and
// returns the count removed.
func (db *DB) DeleteTenantPolicies(ctx context.Context, tenantID string) (int, error) {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM policies_v2 WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("storage: clear tenant policies: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func marshalPolicyJSON(p *model.PolicyBoundary) (scope, rules, constraints string, err error) {
	s, err := json.Marshal(p.Scope)
	if err != nil {
		return "", "", "", fmt.Errorf("storage: marshal scope: %w", err)
	}
	r, err := json.Marshal(p.Rules)
	if err != nil {
		return "", "", "", fmt.Errorf("storage: marshal rules: %w", err)
	}
	c, err := json.Marshal(p.Constraints)
	if err != nil {
		return "", "", "", fmt.Errorf("storage: marshal constraints: %w", err)
	}
	return string(s), string(r), string(c), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*model.PolicyBoundary, error) {
	var (
		p                        model.PolicyBoundary
		scope, rules, constraints string
	)
	err := row.Scan(&p.TenantID, &p.ID, &p.Name, &p.Status, &p.Type, &p.SchemaVersion,
		&p.Layer, &scope, &rules, &constraints, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return nil, fmt.Errorf("decode scope_json: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("decode rules_json: %w", err)
	}
	if err := json.Unmarshal([]byte(constraints), &p.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints_json: %w", err)
	}
	return &p, nil
}
