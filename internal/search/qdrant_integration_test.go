//go:build integration

package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/search"
	"github.com/fencio-dev/prism/internal/testutil"
)

func TestAnchorIndexRoundTrip(t *testing.T) {
	qc := testutil.StartQdrant(t)
	ctx := context.Background()

	idx, err := search.New(search.Config{URL: qc.URL}, testutil.TestLogger())
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Healthy(ctx))

	p := &model.PolicyBoundary{
		ID:       "pol-1",
		TenantID: "acme",
		Name:     "read only",
		Status:   "active",
		Constraints: model.ConstraintGroup{
			Action: model.ActionConstraints{Actions: []string{"read"}},
		},
	}

	rv := model.NewRuleVector()
	rv.Counts[model.SlotAction] = 1
	anchor := rv.Anchor(model.SlotAction, 0)
	anchor[0] = 1

	require.NoError(t, idx.UpsertAnchorPayload(ctx, p, rv))

	got, err := idx.GetAnchorPayload(ctx, "acme", "pol-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Counts[model.SlotAction])
	assert.InDelta(t, 1.0, got.Anchor(model.SlotAction, 0)[0], 1e-6)

	require.NoError(t, idx.DeletePolicy(ctx, "acme", "pol-1"))
	got, err = idx.GetAnchorPayload(ctx, "acme", "pol-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, idx.DropTenant(ctx, "acme"))
	require.NoError(t, idx.DropTenant(ctx, "acme"), "dropping a missing tenant is a no-op")
}
