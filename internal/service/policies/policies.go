// Package policies implements the policy write discipline over the
// three backing stores: the relational rows, the anchor-payload index
// and the remote decision-service rules.
//
// Writes go row-first so uniqueness violations fail fast; encoding and
// index failures on create are compensated by deleting the row again.
// Deletes go remote-first because the decision service is authoritative
// for what is actually enforced.
package policies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fencio-dev/prism/internal/model"
)

// ErrUpdateIncomplete marks an update whose relational row was rewritten
// but whose anchor payload was not. The prior anchors remain live until
// the next successful update.
var ErrUpdateIncomplete = errors.New("policies: anchor payload update incomplete")

// ErrRemoteRefused marks a delete the decision service declined. The
// HTTP layer maps it to BAD_GATEWAY.
var ErrRemoteRefused = errors.New("policies: decision service refused")

// PolicyEncoder turns a policy's constraints into its RuleVector.
type PolicyEncoder interface {
	EncodePolicy(ctx context.Context, p *model.PolicyBoundary) (*model.RuleVector, error)
}

// Store is the relational leg of the policy store.
type Store interface {
	CreatePolicy(ctx context.Context, p *model.PolicyBoundary) error
	UpdatePolicy(ctx context.Context, p *model.PolicyBoundary) error
	GetPolicy(ctx context.Context, tenantID, policyID string) (*model.PolicyBoundary, error)
	ListPolicies(ctx context.Context, tenantID string, limit, offset int) ([]*model.PolicyBoundary, int, error)
	DeletePolicy(ctx context.Context, tenantID, policyID string) error
	DeleteTenantPolicies(ctx context.Context, tenantID string) (int, error)
}

// Index is the anchor-payload leg. A nil Index (Qdrant not configured)
// degrades to rows-plus-remote only.
type Index interface {
	UpsertAnchorPayload(ctx context.Context, p *model.PolicyBoundary, rv *model.RuleVector) error
	DeletePolicy(ctx context.Context, tenantID, policyID string) error
	DropTenant(ctx context.Context, tenantID string) error
}

// Installer is the remote decision-service leg.
type Installer interface {
	RemovePolicy(ctx context.Context, tenantID, policyID string) (bool, error)
	RemoveAgentRules(ctx context.Context, tenantID string) (int, error)
}

// Service coordinates policy writes across the three stores.
type Service struct {
	store     Store
	encoder   PolicyEncoder
	index     Index
	installer Installer
	logger    *slog.Logger
}

// New creates the policy service. index may be nil when the vector
// index is not configured.
func New(store Store, encoder PolicyEncoder, index Index, installer Installer, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		encoder:   encoder,
		index:     index,
		installer: installer,
		logger:    logger,
	}
}

// Create inserts a policy row, encodes its anchors and upserts the
// payload. Encoding or index failure compensates by deleting the row
// again, so a failed create leaves no trace.
func (s *Service) Create(ctx context.Context, p *model.PolicyBoundary) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = "active"
	}

	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return err
	}

	if err := s.writeAnchors(ctx, p); err != nil {
		if derr := s.store.DeletePolicy(ctx, p.TenantID, p.ID); derr != nil {
			s.logger.Error("policies: compensating row delete failed",
				"tenant_id", p.TenantID, "policy_id", p.ID, "error", derr)
		}
		return fmt.Errorf("policies: create %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites an existing policy row and its anchor payload. The
// row keeps its original created_at. An anchor failure after the row
// write surfaces ErrUpdateIncomplete; the row is retained.
func (s *Service) Update(ctx context.Context, p *model.PolicyBoundary) error {
	if err := p.Validate(); err != nil {
		return err
	}

	existing, err := s.store.GetPolicy(ctx, p.TenantID, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt

	if err := s.store.UpdatePolicy(ctx, p); err != nil {
		return err
	}

	if err := s.writeAnchors(ctx, p); err != nil {
		s.logger.Error("policies: anchor update failed after row write",
			"tenant_id", p.TenantID, "policy_id", p.ID, "error", err)
		return fmt.Errorf("%w: %w", ErrUpdateIncomplete, err)
	}
	return nil
}

// writeAnchors encodes the policy and upserts the payload. Without an
// index the encode still runs so an unavailable encoder is caught at
// write time, not at first enforcement.
func (s *Service) writeAnchors(ctx context.Context, p *model.PolicyBoundary) error {
	rv, err := s.encoder.EncodePolicy(ctx, p)
	if err != nil {
		return err
	}
	if s.index == nil {
		return nil
	}
	return s.index.UpsertAnchorPayload(ctx, p, rv)
}

// Get returns one policy row.
func (s *Service) Get(ctx context.Context, tenantID, policyID string) (*model.PolicyBoundary, error) {
	return s.store.GetPolicy(ctx, tenantID, policyID)
}

// List returns a page of a tenant's policies.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]*model.PolicyBoundary, int, error) {
	return s.store.ListPolicies(ctx, tenantID, limit, offset)
}

// Delete removes a policy remote-first. A remote refusal aborts with no
// local changes; a row-delete failure after remote success is surfaced
// and logged for operator intervention, because the stores now disagree.
func (s *Service) Delete(ctx context.Context, tenantID, policyID string) error {
	if _, err := s.store.GetPolicy(ctx, tenantID, policyID); err != nil {
		return err
	}

	ok, err := s.installer.RemovePolicy(ctx, tenantID, policyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("policies: remote refused removal of %s/%s: %w",
			tenantID, policyID, ErrRemoteRefused)
	}

	if err := s.store.DeletePolicy(ctx, tenantID, policyID); err != nil {
		s.logger.Error("policies: row delete failed after remote removal, operator action required",
			"tenant_id", tenantID, "policy_id", policyID, "error", err)
		return fmt.Errorf("policies: delete row %s/%s: %w", tenantID, policyID, err)
	}

	if s.index != nil {
		if err := s.index.DeletePolicy(ctx, tenantID, policyID); err != nil {
			s.logger.Warn("policies: anchor payload delete failed",
				"tenant_id", tenantID, "policy_id", policyID, "error", err)
		}
	}
	return nil
}

// ClearResult summarizes a tenant-wide clear.
type ClearResult struct {
	PoliciesDeleted int
	RulesRemoved    int
}

// Clear wipes a tenant: remote rules first, then the relational rows,
// then a best-effort drop of the tenant's index collection.
func (s *Service) Clear(ctx context.Context, tenantID string) (ClearResult, error) {
	rules, err := s.installer.RemoveAgentRules(ctx, tenantID)
	if err != nil {
		return ClearResult{}, err
	}

	deleted, err := s.store.DeleteTenantPolicies(ctx, tenantID)
	if err != nil {
		return ClearResult{}, err
	}

	if s.index != nil {
		if err := s.index.DropTenant(ctx, tenantID); err != nil {
			s.logger.Warn("policies: drop tenant collection failed",
				"tenant_id", tenantID, "error", err)
		}
	}

	return ClearResult{PoliciesDeleted: deleted, RulesRemoved: rules}, nil
}
