package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencio-dev/prism/internal/storage"
	"github.com/fencio-dev/prism/internal/testutil"
)

func sampleCall(id string, ts int64) storage.EnforceCall {
	return storage.EnforceCall{
		CallID:            id,
		AgentID:           "agent-1",
		TSMillis:          ts,
		Decision:          "ALLOW",
		Op:                "tool.call",
		T:                 "db.query",
		EnforcementResult: []byte(`{"decision":"ALLOW","drift_score":0}`),
		IntentEvent:       []byte(`{"id":"` + id + `","op":"tool.call"}`),
	}
}

func TestInsertCallIdempotent(t *testing.T) {
	db := testutil.NewStore(t)
	ctx := context.Background()

	first := sampleCall("call-1", 1000)
	require.NoError(t, db.InsertCall(ctx, first))

	// Replay with a different payload converges to one row holding the
	// later write.
	second := sampleCall("call-1", 2000)
	second.Decision = "DENY"
	require.NoError(t, db.InsertCall(ctx, second))

	_, total, err := db.ListCalls(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	got, err := db.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "DENY", got.Decision)
	assert.Equal(t, int64(2000), got.TSMillis)
}

func TestGetCallDetail(t *testing.T) {
	db := testutil.NewStore(t)
	ctx := context.Background()

	call := sampleCall("call-1", 1000)
	call.IsDryRun = true
	require.NoError(t, db.InsertCall(ctx, call))

	got, err := db.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, got.IsDryRun)
	assert.Equal(t, "ALLOW", got.EnforcementResult["decision"])
	assert.Equal(t, "call-1", got.IntentEvent["id"])

	_, err = db.GetCall(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListCalls(t *testing.T) {
	db := testutil.NewStore(t)
	ctx := context.Background()

	for i := range 5 {
		call := sampleCall(fmt.Sprintf("call-%d", i), int64(1000+i))
		if i == 4 {
			call.AgentID = "agent-2"
		}
		require.NoError(t, db.InsertCall(ctx, call))
	}

	all, total, err := db.ListCalls(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 5)
	assert.Equal(t, "call-4", all[0].CallID, "newest first")

	scoped, total, err := db.ListCalls(ctx, "agent-2", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, scoped, 1)
	assert.Equal(t, "call-4", scoped[0].CallID)

	page, total, err := db.ListCalls(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}

func TestDeleteCalls(t *testing.T) {
	db := testutil.NewStore(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, db.InsertCall(ctx, sampleCall(fmt.Sprintf("call-%d", i), int64(i))))
	}

	n, err := db.DeleteCalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, total, err := db.ListCalls(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}
