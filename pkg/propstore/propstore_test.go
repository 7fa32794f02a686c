package propstore_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/propstore"
	"github.com/ha1tch/loom/pkg/storage"
)

func setupPropstoreTest(t *testing.T) (*propstore.Service, storage.Store, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "loom-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()

	store, err := storage.NewStore("sqlite", map[string]interface{}{
		"db_path": tmpFile.Name(),
	})
	require.NoError(t, err)

	svc := propstore.NewService(store, zerolog.Nop())

	cleanup := func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}

	return svc, store, cleanup
}

// schema builds an authorized property map with generated ids.
func schema(fqns ...string) map[uuid.UUID]models.PropertyTypeMeta {
	authorized := make(map[uuid.UUID]models.PropertyTypeMeta, len(fqns))
	for _, fqn := range fqns {
		id := uuid.New()
		authorized[id] = models.PropertyTypeMeta{ID: id, FQN: fqn, Datatype: "String"}
	}
	return authorized
}

func byFQN(authorized map[uuid.UUID]models.PropertyTypeMeta, fqn string) uuid.UUID {
	for id, meta := range authorized {
		if meta.FQN == fqn {
			return id
		}
	}
	return uuid.Nil
}

// readAll drains a streaming read into a map keyed by row id.
func readAll(t *testing.T, svc *propstore.Service, req propstore.ReadRequest) map[uuid.UUID]models.EntityRow {
	t.Helper()

	it, err := svc.Read(context.Background(), req)
	require.NoError(t, err)
	defer it.Close()

	out := make(map[uuid.UUID]models.EntityRow)
	for it.Next() {
		row := it.Row()
		out[row.ID] = row
	}
	require.NoError(t, it.Err())
	return out
}

func TestCreateOrMerge(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name", "person.color")
	name := byFQN(authorized, "person.name")
	color := byFQN(authorized, "person.color")

	event, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {
			name:  {"Alice"},
			color: {"red", "blue"},
		},
	}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 3, event.NumUpdates)
	assert.Positive(t, event.Version)

	// Merging the same data again writes nothing.
	event, err = svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {
			name:  {"Alice"},
			color: {"red", "blue"},
		},
	}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 0, event.NumUpdates)

	// Merging one new value writes exactly one row.
	event, err = svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {color: {"red", "green"}},
	}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)
}

func TestCreateOrMerge_Unauthorized(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	authorized := schema("person.name")

	_, err := svc.CreateOrMerge(ctx, uuid.New(), map[uuid.UUID]models.PropertyMap{
		uuid.New(): {uuid.New(): {"sneaky"}},
	}, authorized)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestReplaceEntities(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name", "person.color")
	name := byFQN(authorized, "person.name")
	color := byFQN(authorized, "person.color")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {
			name:  {"Alice"},
			color: {"red"},
		},
	}, authorized)
	require.NoError(t, err)

	// Full replace with only a name: the color is tombstoned even though it
	// was not submitted, because it is in the authorized scope.
	_, err = svc.ReplaceEntities(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alicia"}},
	}, authorized, models.Versioned)
	require.NoError(t, err)

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	require.Len(t, rows, 1)
	assert.ElementsMatch(t, []interface{}{"Alicia"}, rows[entityKeyID].Properties["person.name"])
	assert.Empty(t, rows[entityKeyID].Properties["person.color"])

	meta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, color, "red")
	require.NoError(t, err)
	assert.Equal(t, models.StateTombstoned, meta.State())
}

func TestReplaceEntities_ScopedByAuthorization(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name", "person.color")
	name := byFQN(authorized, "person.name")
	color := byFQN(authorized, "person.color")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {
			name:  {"Alice"},
			color: {"red"},
		},
	}, authorized)
	require.NoError(t, err)

	// Replacing with authorization for the name only cannot touch the color.
	narrow := map[uuid.UUID]models.PropertyTypeMeta{name: authorized[name]}
	_, err = svc.ReplaceEntities(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alicia"}},
	}, narrow, models.Versioned)
	require.NoError(t, err)

	meta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, color, "red")
	require.NoError(t, err)
	assert.Equal(t, models.StateLive, meta.State())
}

func TestPartialReplace(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name", "person.color")
	name := byFQN(authorized, "person.name")
	color := byFQN(authorized, "person.color")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {
			name:  {"Alice"},
			color: {"red"},
		},
	}, authorized)
	require.NoError(t, err)

	// Partial replace touches submitted properties only; the color survives.
	_, err = svc.PartialReplace(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alicia"}},
	}, authorized, models.Versioned)
	require.NoError(t, err)

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	assert.ElementsMatch(t, []interface{}{"Alicia"}, rows[entityKeyID].Properties["person.name"])
	assert.ElementsMatch(t, []interface{}{"red"}, rows[entityKeyID].Properties["person.color"])

	meta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, name, "Alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateTombstoned, meta.State())
}

func TestReplacePropertiesInEntities(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.color")
	color := byFQN(authorized, "person.color")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {color: {"red", "blue"}},
	}, authorized)
	require.NoError(t, err)

	event, err := svc.ReplacePropertiesInEntities(ctx, entitySetID,
		map[uuid.UUID]map[uuid.UUID][]propstore.Replacement{
			entityKeyID: {color: {{Old: "red", New: "green"}}},
		}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	assert.ElementsMatch(t, []interface{}{"green", "blue"}, rows[entityKeyID].Properties["person.color"])

	// The replacement carries the old value's lineage.
	oldMeta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, color, "red")
	require.NoError(t, err)
	require.Len(t, oldMeta.History, 2)

	newMeta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, color, "green")
	require.NoError(t, err)
	assert.Equal(t, oldMeta.History[0], newMeta.History[0])
	assert.Equal(t, models.StateLive, newMeta.State())

	// Replacing a value that does not exist fails.
	_, err = svc.ReplacePropertiesInEntities(ctx, entitySetID,
		map[uuid.UUID]map[uuid.UUID][]propstore.Replacement{
			entityKeyID: {color: {{Old: "purple", New: "black"}}},
		}, authorized)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClearAndRevive(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alice"}},
	}, authorized)
	require.NoError(t, err)

	event, err := svc.Clear(ctx, entitySetID, []uuid.UUID{entityKeyID}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	assert.Empty(t, rows)

	// A fresh write revives the cleared value with its history intact.
	event, err = svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alice"}},
	}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)

	meta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, name, "Alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateLive, meta.State())
	assert.Len(t, meta.History, 3)
}

func TestDelete(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alice"}},
	}, authorized)
	require.NoError(t, err)

	n, err := svc.Delete(ctx, entitySetID, []uuid.UUID{entityKeyID}, authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Hard deletes take the history with them.
	_, err = svc.GetValueMetadata(ctx, entitySetID, entityKeyID, name, "Alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRead_GroupsByEntity(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	authorized := schema("person.name", "person.color")
	name := byFQN(authorized, "person.name")
	color := byFQN(authorized, "person.color")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		alice: {name: {"Alice"}, color: {"red", "blue"}},
		bob:   {name: {"Bob"}},
	}, authorized)
	require.NoError(t, err)

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	require.Len(t, rows, 2)

	assert.ElementsMatch(t, []interface{}{"Alice"}, rows[alice].Properties["person.name"])
	assert.ElementsMatch(t, []interface{}{"red", "blue"}, rows[alice].Properties["person.color"])
	assert.ElementsMatch(t, []interface{}{"Bob"}, rows[bob].Properties["person.name"])

	t.Run("entity filter", func(t *testing.T) {
		rows := readAll(t, svc, propstore.ReadRequest{
			EntitySets:   map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
			EntityKeyIDs: []uuid.UUID{bob},
		})
		require.Len(t, rows, 1)
		assert.Contains(t, rows, bob)
	})
}

func TestRead_Linking(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	setA := uuid.New()
	setB := uuid.New()
	a1 := uuid.New()
	b1 := uuid.New()
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	_, err := svc.CreateOrMerge(ctx, setA, map[uuid.UUID]models.PropertyMap{
		a1: {name: {"Pat", "Patricia"}},
	}, authorized)
	require.NoError(t, err)
	_, err = svc.CreateOrMerge(ctx, setB, map[uuid.UUID]models.PropertyMap{
		b1: {name: {"Pat"}},
	}, authorized)
	require.NoError(t, err)

	linkingID := uuid.New()
	require.NoError(t, svc.SetLinkingIDs(ctx, map[uuid.UUID]uuid.UUID{
		a1: linkingID,
		b1: linkingID,
	}))

	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{
			setA: authorized,
			setB: authorized,
		},
		Linking: true,
	})
	require.Len(t, rows, 1)

	// The duplicate "Pat" contributed by both sets collapses to one value.
	assert.ElementsMatch(t, []interface{}{"Pat", "Patricia"},
		rows[linkingID].Properties["person.name"])
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestConcurrentMergeAndReplace(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	ctx := context.Background()
	entitySetID := uuid.New()
	entityKeyID := uuid.New()
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	_, err := svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alice"}},
	}, authorized)
	require.NoError(t, err)

	// Hammer the one value slot with competing merges, revivals, and
	// tombstones from versioned writers.
	const writers = 8
	const rounds = 10
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch {
				case w%2 == 0 && i%2 == 0:
					_, err = svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
						entityKeyID: {name: {"Alice"}},
					}, authorized)
				case w%2 == 0:
					_, err = svc.ReplaceEntities(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
						entityKeyID: {name: {"Alice"}},
					}, authorized, models.Versioned)
				default:
					// A full replace submitting nothing tombstones the slot.
					_, err = svc.ReplaceEntities(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
						entityKeyID: {},
					}, authorized, models.Versioned)
				}
				if err != nil && errs[w] == nil {
					errs[w] = err
				}
			}
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		require.NoError(t, err, "writer %d", w)
	}

	// A final versioned write settles the slot live.
	_, err = svc.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{
		entityKeyID: {name: {"Alice"}},
	}, authorized)
	require.NoError(t, err)

	// However the writes interleaved, the slot converged to a single live
	// row whose history alternates between live and tombstoned versions of
	// strictly growing magnitude.
	rows := readAll(t, svc, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
	})
	require.Len(t, rows, 1)
	assert.ElementsMatch(t, []interface{}{"Alice"}, rows[entityKeyID].Properties["person.name"])

	meta, err := svc.GetValueMetadata(ctx, entitySetID, entityKeyID, name, "Alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateLive, meta.State())
	require.NotEmpty(t, meta.History)
	assert.Positive(t, meta.History[0])
	assert.Equal(t, meta.History[len(meta.History)-1], meta.Version)
	for i := 1; i < len(meta.History); i++ {
		prev, cur := meta.History[i-1], meta.History[i]
		assert.Greater(t, abs64(cur), abs64(prev),
			"version magnitudes must grow strictly: %v", meta.History)
		assert.NotEqual(t, prev > 0, cur > 0,
			"live and tombstoned entries must alternate: %v", meta.History)
	}
}

func TestRead_NoEntitySets(t *testing.T) {
	svc, _, cleanup := setupPropstoreTest(t)
	defer cleanup()

	_, err := svc.Read(context.Background(), propstore.ReadRequest{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}
