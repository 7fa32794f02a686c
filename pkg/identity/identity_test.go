package identity_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/loom/pkg/identity"
	"github.com/ha1tch/loom/pkg/storage"
)

func setupIdentityTest(t *testing.T) (*identity.Service, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "loom-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()

	store, err := storage.NewStore("sqlite", map[string]interface{}{
		"db_path": tmpFile.Name(),
	})
	require.NoError(t, err)

	svc := identity.NewService(store, zerolog.Nop())

	cleanup := func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}

	return svc, cleanup
}

func TestResolve(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	id1, err := svc.Resolve(ctx, entitySetID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id1)

	// Resolving again returns the same id.
	id2, err := svc.Resolve(ctx, entitySetID, "alice")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// A different external id gets a different id.
	id3, err := svc.Resolve(ctx, entitySetID, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	// The same external id in another set is independent.
	id4, err := svc.Resolve(ctx, uuid.New(), "alice")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4)
}

func TestResolve_InvalidExternalID(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	_, err := svc.Resolve(ctx, entitySetID, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = svc.Resolve(ctx, entitySetID, "\x00sneaky")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestResolve_Concurrent(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	const workers = 16
	ids := make([]uuid.UUID, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.Resolve(ctx, entitySetID, "contested")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	// Exactly one id wins; every caller observes it.
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestResolveBatch(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	resolved, err := svc.ResolveBatch(ctx, entitySetID, []string{"alice", "bob", "alice"})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.NotEqual(t, resolved["alice"], resolved["bob"])

	// Batch results agree with single resolution.
	id, err := svc.Resolve(ctx, entitySetID, "alice")
	require.NoError(t, err)
	assert.Equal(t, resolved["alice"], id)

	_, err = svc.ResolveBatch(ctx, entitySetID, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestReserve(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	ids, err := svc.Reserve(ctx, entitySetID, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	seen := make(map[uuid.UUID]bool)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true

		// Reserved ids reverse-resolve with a blank external id.
		key, err := svc.ReverseLookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, entitySetID, key.EntitySetID)
		assert.Empty(t, key.ExternalID)
	}

	_, err = svc.Reserve(ctx, entitySetID, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestReverseLookup(t *testing.T) {
	svc, cleanup := setupIdentityTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()

	id, err := svc.Resolve(ctx, entitySetID, "alice")
	require.NoError(t, err)

	key, err := svc.ReverseLookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entitySetID, key.EntitySetID)
	assert.Equal(t, "alice", key.ExternalID)

	_, err = svc.ReverseLookup(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
