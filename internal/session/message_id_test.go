package session

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateUnique(t *testing.T) {
	ctx := context.Background()
	ids := NewMessageIDs(database.NewMemoryStore())
	defer ids.Stop()

	seen := make(map[uint16]struct{})
	for i := 0; i < 500; i++ {
		id, err := ids.Allocate(ctx, "c", 1)
		require.NoError(t, err)
		assert.NotZero(t, id)
		_, dup := seen[id]
		require.False(t, dup, "id %d allocated twice", id)
		seen[id] = struct{}{}
	}
}

func TestConfirmConsumes(t *testing.T) {
	ctx := context.Background()
	ids := NewMessageIDs(database.NewMemoryStore(), WithRandom(func() uint16 { return 7 }))
	defer ids.Stop()

	id, err := ids.Allocate(ctx, "c", 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), id)

	ok, err := ids.Confirm(ctx, "c", 7, 2, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ids.Confirm(ctx, "c", 7, 2, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, ids.Pending())

	ok, err = ids.Confirm(ctx, "c", 7, 2, true)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err = ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), id)
}

func TestAllocateExhausted(t *testing.T) {
	ctx := context.Background()
	probes := 0
	ids := NewMessageIDs(database.NewMemoryStore(), WithRandom(func() uint16 {
		probes++
		return 42
	}))
	defer ids.Stop()

	_, err := ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)
	probes = 0

	_, err = ids.Allocate(ctx, "c", 1)
	assert.ErrorIs(t, err, ErrMessageIDExhausted)
	assert.Equal(t, 10, probes)

	_, err = ids.Allocate(ctx, "other", 1)
	assert.NoError(t, err)
}

func TestAllocationExpires(t *testing.T) {
	ctx := context.Background()
	ids := NewMessageIDs(database.NewMemoryStore(),
		WithRandom(func() uint16 { return 9 }),
		WithTimeout(20*time.Millisecond),
	)
	defer ids.Stop()

	_, err := ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ok, err := ids.Confirm(ctx, "c", 9, 1, false)
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, ids.Pending())

	id, err := ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), id)
}

func TestStaleExpiryKeepsReallocatedID(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	ids := NewMessageIDs(store, WithRandom(func() uint16 { return 3 }), WithTimeout(time.Hour))
	defer ids.Stop()

	_, err := ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)
	stale, _, err := store.Value(ctx, table("c"), key(3), "token")
	require.NoError(t, err)

	require.NoError(t, ids.Release(ctx, "c", 3))
	_, err = ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)

	ids.expire("c", 3, stale.(string))

	ok, err := ids.Confirm(ctx, "c", 3, 1, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ids.Pending())
}

func TestConfirmChecksQoS(t *testing.T) {
	ctx := context.Background()
	next := uint16(0)
	ids := NewMessageIDs(database.NewMemoryStore(), WithRandom(func() uint16 {
		next++
		return next
	}))
	defer ids.Stop()

	atLeastOnce, err := ids.Allocate(ctx, "c", 1)
	require.NoError(t, err)
	exactlyOnce, err := ids.Allocate(ctx, "c", 2)
	require.NoError(t, err)

	ok, err := ids.Confirm(ctx, "c", atLeastOnce, 2, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ids.Confirm(ctx, "c", exactlyOnce, 1, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, ids.Pending())

	ok, err = ids.Confirm(ctx, "c", exactlyOnce, 2, true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ids.Confirm(ctx, "c", atLeastOnce, 1, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, ids.Pending())
}
