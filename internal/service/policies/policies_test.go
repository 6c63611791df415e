package policies_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/service/policies"
	"github.com/fencio-dev/prism/internal/storage"
	"github.com/fencio-dev/prism/internal/testutil"
)

type fakeEncoder struct {
	err error
}

func (f *fakeEncoder) EncodePolicy(_ context.Context, p *model.PolicyBoundary) (*model.RuleVector, error) {
	if f.err != nil {
		return nil, f.err
	}
	rv := model.NewRuleVector()
	for _, layer := range model.Slots {
		tokens := p.LayerTokens(layer)
		if len(tokens) > model.MaxAnchors {
			tokens = tokens[:model.MaxAnchors]
		}
		for i := range tokens {
			rv.Anchor(layer, i)[0] = 1
		}
		rv.Counts[layer] = len(tokens)
	}
	return rv, nil
}

// fakeIndex records upserts and deletes in memory.
type fakeIndex struct {
	upsertErr error
	deleteErr error
	points    map[string]*model.RuleVector
	dropped   []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[string]*model.RuleVector{}}
}

func (f *fakeIndex) key(tenantID, policyID string) string { return tenantID + "/" + policyID }

func (f *fakeIndex) UpsertAnchorPayload(_ context.Context, p *model.PolicyBoundary, rv *model.RuleVector) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points[f.key(p.TenantID, p.ID)] = rv
	return nil
}

func (f *fakeIndex) DeletePolicy(_ context.Context, tenantID, policyID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.points, f.key(tenantID, policyID))
	return nil
}

func (f *fakeIndex) DropTenant(_ context.Context, tenantID string) error {
	f.dropped = append(f.dropped, tenantID)
	for k := range f.points {
		delete(f.points, k)
	}
	return nil
}

type fakeInstaller struct {
	removeOK   bool
	removeErr  error
	rulesCount int
	rulesErr   error
}

func (f *fakeInstaller) RemovePolicy(context.Context, string, string) (bool, error) {
	return f.removeOK, f.removeErr
}

func (f *fakeInstaller) RemoveAgentRules(context.Context, string) (int, error) {
	return f.rulesCount, f.rulesErr
}

func testPolicy(id string) *model.PolicyBoundary {
	return &model.PolicyBoundary{
		ID:       id,
		TenantID: "acme",
		Name:     "no prod writes",
		Type:     "boundary",
		Scope:    model.PolicyScope{TenantID: "acme"},
		Constraints: model.ConstraintGroup{
			Action:   model.ActionConstraints{Actions: []string{"write", "delete"}},
			Resource: model.ResourceConstraints{Types: []string{"database"}, Locations: []string{"prod"}},
		},
	}
}

func newService(t *testing.T, db *storage.DB, enc *fakeEncoder, idx *fakeIndex, inst *fakeInstaller) *policies.Service {
	t.Helper()
	return policies.New(db, enc, idx, inst, testutil.TestLogger())
}

func TestCreateWritesRowAndAnchors(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))

	row, err := db.GetPolicy(ctx, "acme", "pol-1")
	require.NoError(t, err)
	assert.Equal(t, "active", row.Status)

	rv, ok := idx.points["acme/pol-1"]
	require.True(t, ok, "anchor payload must exist after create")
	assert.Equal(t, 2, rv.Counts[model.SlotAction])
	assert.Equal(t, 2, rv.Counts[model.SlotResource])
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	db := testutil.NewStore(t)
	svc := newService(t, db, &fakeEncoder{}, newFakeIndex(), &fakeInstaller{})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
	err := svc.Create(ctx, testPolicy("pol-1"))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestCreateEncoderFailureIsCompensated(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	enc := &fakeEncoder{err: errors.New("embedding backend down")}
	svc := newService(t, db, enc, idx, &fakeInstaller{})
	ctx := context.Background()

	err := svc.Create(ctx, testPolicy("pol-1"))
	require.Error(t, err)

	_, gerr := db.GetPolicy(ctx, "acme", "pol-1")
	assert.ErrorIs(t, gerr, storage.ErrNotFound, "row must be compensated away")
	assert.Empty(t, idx.points)

	// Retry with the encoder restored succeeds.
	enc.err = nil
	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
	_, gerr = db.GetPolicy(ctx, "acme", "pol-1")
	assert.NoError(t, gerr)
}

func TestCreateIndexFailureIsCompensated(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	idx.upsertErr = errors.New("qdrant unreachable")
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{})
	ctx := context.Background()

	err := svc.Create(ctx, testPolicy("pol-1"))
	require.Error(t, err)

	_, gerr := db.GetPolicy(ctx, "acme", "pol-1")
	assert.ErrorIs(t, gerr, storage.ErrNotFound)
}

func TestUpdateKeepsCreatedAt(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
	created, err := db.GetPolicy(ctx, "acme", "pol-1")
	require.NoError(t, err)

	upd := testPolicy("pol-1")
	upd.Name = "no prod writes v2"
	upd.Status = "active"
	require.NoError(t, svc.Update(ctx, upd))

	row, err := db.GetPolicy(ctx, "acme", "pol-1")
	require.NoError(t, err)
	assert.Equal(t, "no prod writes v2", row.Name)
	assert.Equal(t, created.CreatedAt, row.CreatedAt)
	assert.GreaterOrEqual(t, row.UpdatedAt, created.UpdatedAt)
}

func TestUpdateUnknownPolicyIsNotFound(t *testing.T) {
	db := testutil.NewStore(t)
	svc := newService(t, db, &fakeEncoder{}, newFakeIndex(), &fakeInstaller{})

	err := svc.Update(context.Background(), testPolicy("ghost"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateAnchorFailureKeepsRow(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))

	idx.upsertErr = errors.New("qdrant unreachable")
	upd := testPolicy("pol-1")
	upd.Name = "renamed"
	upd.Status = "active"
	err := svc.Update(ctx, upd)
	assert.ErrorIs(t, err, policies.ErrUpdateIncomplete)

	// The row write went through; only the anchors are stale.
	row, gerr := db.GetPolicy(ctx, "acme", "pol-1")
	require.NoError(t, gerr)
	assert.Equal(t, "renamed", row.Name)
}

func TestDeleteRemovesAllThreeStores(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{removeOK: true})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
	require.NoError(t, svc.Delete(ctx, "acme", "pol-1"))

	_, err := db.GetPolicy(ctx, "acme", "pol-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, idx.points)
}

func TestDeleteRespectsRemoteAuthority(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{removeOK: false})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))

	err := svc.Delete(ctx, "acme", "pol-1")
	assert.ErrorIs(t, err, policies.ErrRemoteRefused)

	// No local state changed.
	_, gerr := db.GetPolicy(ctx, "acme", "pol-1")
	assert.NoError(t, gerr)
	assert.Contains(t, idx.points, "acme/pol-1")
}

func TestDeleteUnknownPolicyIsNotFound(t *testing.T) {
	db := testutil.NewStore(t)
	svc := newService(t, db, &fakeEncoder{}, newFakeIndex(), &fakeInstaller{removeOK: true})

	err := svc.Delete(context.Background(), "acme", "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteAnchorFailureIsNotSurfaced(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{removeOK: true})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))

	idx.deleteErr = errors.New("qdrant unreachable")
	assert.NoError(t, svc.Delete(ctx, "acme", "pol-1"))
}

func TestClearReportsCounts(t *testing.T) {
	db := testutil.NewStore(t)
	idx := newFakeIndex()
	svc := newService(t, db, &fakeEncoder{}, idx, &fakeInstaller{removeOK: true, rulesCount: 5})
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
	require.NoError(t, svc.Create(ctx, testPolicy("pol-2")))

	res, err := svc.Clear(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, res.PoliciesDeleted)
	assert.Equal(t, 5, res.RulesRemoved)
	assert.Equal(t, []string{"acme"}, idx.dropped)

	_, total, err := db.ListPolicies(ctx, "acme", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestNilIndexStillEncodes(t *testing.T) {
	db := testutil.NewStore(t)
	enc := &fakeEncoder{err: errors.New("embedding backend down")}
	svc := policies.New(db, enc, nil, &fakeInstaller{}, testutil.TestLogger())
	ctx := context.Background()

	// Encoder failure is still caught and compensated with no index wired.
	err := svc.Create(ctx, testPolicy("pol-1"))
	require.Error(t, err)
	_, gerr := db.GetPolicy(ctx, "acme", "pol-1")
	assert.ErrorIs(t, gerr, storage.ErrNotFound)

	enc.err = nil
	assert.NoError(t, svc.Create(ctx, testPolicy("pol-1")))
}
