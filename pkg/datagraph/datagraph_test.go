package datagraph_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/loom/pkg/cache"
	"github.com/ha1tch/loom/pkg/datagraph"
	"github.com/ha1tch/loom/pkg/graph"
	"github.com/ha1tch/loom/pkg/identity"
	"github.com/ha1tch/loom/pkg/indexer"
	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/propstore"
	"github.com/ha1tch/loom/pkg/storage"
)

type env struct {
	store    storage.Store
	identity *identity.Service
	props    *propstore.Service
	graph    *graph.Service

	peopleSet, companySet, worksAtSet    uuid.UUID
	personType, companyType, worksAtType uuid.UUID
	types                                map[uuid.UUID]uuid.UUID
}

func setupEnv(t *testing.T) (*env, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "loom-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()

	store, err := storage.NewStore("sqlite", map[string]interface{}{
		"db_path": tmpFile.Name(),
	})
	require.NoError(t, err)

	e := &env{
		store:       store,
		identity:    identity.NewService(store, zerolog.Nop()),
		props:       propstore.NewService(store, zerolog.Nop()),
		graph:       graph.NewService(store, zerolog.Nop()),
		peopleSet:   uuid.New(),
		companySet:  uuid.New(),
		worksAtSet:  uuid.New(),
		personType:  uuid.New(),
		companyType: uuid.New(),
		worksAtType: uuid.New(),
	}
	e.types = map[uuid.UUID]uuid.UUID{
		e.peopleSet:  e.personType,
		e.companySet: e.companyType,
		e.worksAtSet: e.worksAtType,
	}

	cleanup := func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}
	return e, cleanup
}

func (e *env) resolver() datagraph.TypeResolver {
	return func(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
		typeID, ok := e.types[entitySetID]
		if !ok {
			return uuid.Nil, fmt.Errorf("unknown entity set %s", entitySetID)
		}
		return typeID, nil
	}
}

// orchestrator builds a service over the env, optionally substituting the
// identity or graph dependency.
func (e *env) orchestrator(id datagraph.IdentityService, g datagraph.GraphService) *datagraph.Service {
	if id == nil {
		id = e.identity
	}
	if g == nil {
		g = e.graph
	}
	return datagraph.NewService(
		id, e.props, g,
		indexer.NewLogIndexer(zerolog.Nop()),
		cache.NewMemoryCache(64, time.Minute),
		e.resolver(),
		datagraph.Options{Workers: 4},
		zerolog.Nop(),
	)
}

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

func readAll(t *testing.T, props *propstore.Service, req propstore.ReadRequest) map[uuid.UUID]models.EntityRow {
	t.Helper()

	it, err := props.Read(context.Background(), req)
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

// flakyIdentity fails resolution for one external id and delegates the rest.
type flakyIdentity struct {
	*identity.Service
	failOn string
}

func (f *flakyIdentity) Resolve(ctx context.Context, entitySetID uuid.UUID, externalID string) (uuid.UUID, error) {
	if externalID == f.failOn {
		return uuid.Nil, errors.New("identity backend down")
	}
	return f.Service.Resolve(ctx, entitySetID, externalID)
}

// countingGraph counts aggregation calls and delegates to the real service.
type countingGraph struct {
	*graph.Service
	aggregations int32
}

func (c *countingGraph) AggregateTopNeighbors(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) ([]models.RankedEntity, error) {
	atomic.AddInt32(&c.aggregations, 1)
	return c.Service.AggregateTopNeighbors(ctx, entitySetID, srcFilters, dstFilters, k)
}

func TestCreateEntity(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	id, err := svc.CreateEntity(ctx, e.peopleSet, "alice", models.PropertyMap{
		name: {"Alice"},
	}, authorized)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	// The id is the same one the identity service hands out.
	resolved, err := e.identity.Resolve(ctx, e.peopleSet, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	rows := readAll(t, e.props, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.peopleSet: authorized},
	})
	require.Len(t, rows, 1)
	assert.ElementsMatch(t, []interface{}{"Alice"}, rows[id].Properties["person.name"])
}

func TestCreateEntities_PartialFailure(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(&flakyIdentity{Service: e.identity, failOn: "bad"}, nil)
	authorized := schema("person.name")
	name := byFQN(authorized, "person.name")

	result, err := svc.CreateEntities(ctx, e.peopleSet, map[string]models.PropertyMap{
		"alice": {name: {"Alice"}},
		"bad":   {name: {"Nobody"}},
		"bob":   {name: {"Bob"}},
	}, authorized)
	require.NoError(t, err)

	// The failing entity is reported; its siblings complete.
	assert.True(t, result.Partial())
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "bad", result.Failures[0].Key)
	assert.NotEmpty(t, result.Failures[0].Message)
	assert.Error(t, result.Failures[0].Err)
	assert.Equal(t, 2, result.NumUpdates)

	rows := readAll(t, e.props, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.peopleSet: authorized},
	})
	assert.Len(t, rows, 2)
}

func TestCreateAssociations(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)
	personProps := schema("person.name")
	jobProps := schema("job.since")
	since := byFQN(jobProps, "job.since")

	_, err := svc.CreateEntity(ctx, e.peopleSet, "alice", models.PropertyMap{}, personProps)
	require.NoError(t, err)
	_, err = svc.CreateEntity(ctx, e.companySet, "acme", models.PropertyMap{}, personProps)
	require.NoError(t, err)

	result, err := svc.CreateAssociations(ctx, []models.Association{{
		Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
		Src: models.KeyRef(models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"}),
		Dst: models.KeyRef(models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}),
		Details: models.PropertyMap{
			since: {"2020"},
		},
	}}, jobProps)
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Equal(t, 1, result.NumUpdates)

	triplets, err := e.graph.Neighbors(ctx, e.peopleSet)
	require.NoError(t, err)
	require.Len(t, triplets, 1)
	assert.Equal(t, e.worksAtType, triplets[0].AssociationTypeID)
	assert.Equal(t, e.companyType, triplets[0].NeighborTypeID)

	// The edge entity carries its own properties.
	jobID, err := e.identity.Resolve(ctx, e.worksAtSet, "alice-acme")
	require.NoError(t, err)
	rows := readAll(t, e.props, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.worksAtSet: jobProps},
	})
	assert.ElementsMatch(t, []interface{}{"2020"}, rows[jobID].Properties["job.since"])
}

func TestCreateAssociations_EndpointFailureSkipsSiblings(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(&flakyIdentity{Service: e.identity, failOn: "ghost"}, nil)
	jobProps := schema("job.since")

	associations := []models.Association{
		{
			Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "ghost-acme"},
			Src: models.KeyRef(models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "ghost"}),
			Dst: models.KeyRef(models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}),
		},
		{
			Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
			Src: models.KeyRef(models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"}),
			Dst: models.KeyRef(models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}),
		},
	}

	result, err := svc.CreateAssociations(ctx, associations, jobProps)
	require.NoError(t, err)

	// One edge written, one skipped and reported.
	assert.True(t, result.Partial())
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.NumUpdates)

	ranked, err := e.graph.AggregateTopNeighbors(ctx, e.peopleSet,
		models.NeighborFilter{e.worksAtType: {e.companyType}}, nil, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(1), ranked[0].Weight)
}

func TestCreateAssociations_PositionalRefRejected(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	_, err := e.orchestrator(nil, nil).CreateAssociations(context.Background(), []models.Association{{
		Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "x"},
		Src: models.IndexRef(0),
		Dst: models.KeyRef(models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}),
	}}, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestCreateEntitiesAndAssociations(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)
	personProps := schema("person.name")
	name := byFQN(personProps, "person.name")

	authorizedBySet := map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{
		e.peopleSet:  personProps,
		e.companySet: personProps,
		e.worksAtSet: personProps,
	}

	result, err := svc.CreateEntitiesAndAssociations(ctx,
		[]datagraph.EntityDefinition{
			{
				Key:        models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"},
				Properties: models.PropertyMap{name: {"Alice"}},
			},
			{
				Key: models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"},
			},
		},
		[]models.Association{{
			Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
			Src: models.IndexRef(0),
			Dst: models.IndexRef(1),
		}},
		authorizedBySet)
	require.NoError(t, err)

	assert.Empty(t, result.Failures)
	require.Len(t, result.EntityKeyIDs, 2)
	require.Len(t, result.AssociationIDs, 1)
	assert.NotEqual(t, uuid.Nil, result.EntityKeyIDs[0])
	assert.NotEqual(t, uuid.Nil, result.EntityKeyIDs[1])

	// Exactly one edge, from the first entity's id to the second's.
	ranked, err := e.graph.AggregateTopNeighbors(ctx, e.peopleSet,
		models.NeighborFilter{e.worksAtType: {e.companyType}}, nil, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, result.EntityKeyIDs[1], ranked[0].EntityKeyID)
	assert.Equal(t, int64(1), ranked[0].Weight)
}

func TestCreateEntitiesAndAssociations_IndexOutOfRange(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)

	_, err := svc.CreateEntitiesAndAssociations(ctx,
		[]datagraph.EntityDefinition{
			{Key: models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"}},
		},
		[]models.Association{{
			Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "x"},
			Src: models.IndexRef(0),
			Dst: models.IndexRef(5),
		}},
		nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	// The caller error is caught before anything is written.
	_, err = e.store.LookupEntityKeyID(ctx, e.peopleSet, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteEntity(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)
	personProps := schema("person.name")
	name := byFQN(personProps, "person.name")

	result, err := svc.CreateEntitiesAndAssociations(ctx,
		[]datagraph.EntityDefinition{
			{
				Key:        models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"},
				Properties: models.PropertyMap{name: {"Alice"}},
			},
			{Key: models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}},
		},
		[]models.Association{{
			Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
			Src: models.IndexRef(0),
			Dst: models.IndexRef(1),
		}},
		map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{
			e.peopleSet:  personProps,
			e.companySet: personProps,
			e.worksAtSet: personProps,
		})
	require.NoError(t, err)
	require.Empty(t, result.Failures)

	alice := result.EntityKeyIDs[0]
	err = svc.DeleteEntity(ctx, models.EntityDataKey{EntitySetID: e.peopleSet, EntityKeyID: alice}, personProps)
	require.NoError(t, err)

	// Edges and properties are both gone.
	ranked, err := e.graph.AggregateTopNeighbors(ctx, e.peopleSet,
		models.NeighborFilter{e.worksAtType: {e.companyType}}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	rows := readAll(t, e.props, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.peopleSet: personProps},
	})
	assert.Empty(t, rows)
}

func TestDeleteAssociation(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	svc := e.orchestrator(nil, nil)
	jobProps := schema("job.since")
	since := byFQN(jobProps, "job.since")

	result, err := svc.CreateEntitiesAndAssociations(ctx,
		[]datagraph.EntityDefinition{
			{Key: models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"}},
			{Key: models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"}},
		},
		[]models.Association{{
			Key:     models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
			Src:     models.IndexRef(0),
			Dst:     models.IndexRef(1),
			Details: models.PropertyMap{since: {"2020"}},
		}},
		map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{
			e.peopleSet:  jobProps,
			e.companySet: jobProps,
			e.worksAtSet: jobProps,
		})
	require.NoError(t, err)
	require.Empty(t, result.Failures)

	key := models.EdgeKey{
		Edge: models.EntityDataKey{EntitySetID: e.worksAtSet, EntityKeyID: result.AssociationIDs[0]},
		Src:  models.EntityDataKey{EntitySetID: e.peopleSet, EntityKeyID: result.EntityKeyIDs[0]},
		Dst:  models.EntityDataKey{EntitySetID: e.companySet, EntityKeyID: result.EntityKeyIDs[1]},
	}
	require.NoError(t, svc.DeleteAssociation(ctx, key, jobProps))

	ranked, err := e.graph.AggregateTopNeighbors(ctx, e.peopleSet,
		models.NeighborFilter{e.worksAtType: {e.companyType}}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	rows := readAll(t, e.props, propstore.ReadRequest{
		EntitySets: map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.worksAtSet: jobProps},
	})
	assert.Empty(t, rows)
}

func TestGetTopUtilizers_CachesRanking(t *testing.T) {
	e, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	counting := &countingGraph{Service: e.graph}
	svc := e.orchestrator(nil, counting)
	companyProps := schema("company.name")
	name := byFQN(companyProps, "company.name")

	// Two people work at acme.
	result, err := svc.CreateEntitiesAndAssociations(ctx,
		[]datagraph.EntityDefinition{
			{Key: models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "alice"}},
			{Key: models.EntityKey{EntitySetID: e.peopleSet, ExternalID: "bob"}},
			{
				Key:        models.EntityKey{EntitySetID: e.companySet, ExternalID: "acme"},
				Properties: models.PropertyMap{name: {"Acme Corp"}},
			},
		},
		[]models.Association{
			{
				Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "alice-acme"},
				Src: models.IndexRef(0),
				Dst: models.IndexRef(2),
			},
			{
				Key: models.EntityKey{EntitySetID: e.worksAtSet, ExternalID: "bob-acme"},
				Src: models.IndexRef(1),
				Dst: models.IndexRef(2),
			},
		},
		map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{
			e.peopleSet:  companyProps,
			e.companySet: companyProps,
			e.worksAtSet: companyProps,
		})
	require.NoError(t, err)
	require.Empty(t, result.Failures)

	srcFilters := models.NeighborFilter{e.worksAtType: {e.companyType}}
	readScope := map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{e.companySet: companyProps}

	utilizers, err := svc.GetTopUtilizers(ctx, e.peopleSet, srcFilters, nil, 5, readScope)
	require.NoError(t, err)
	require.Len(t, utilizers, 1)
	assert.Equal(t, int64(2), utilizers[0].Weight)
	assert.ElementsMatch(t, []interface{}{"Acme Corp"}, utilizers[0].Properties["company.name"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&counting.aggregations))

	// An identical query inside the TTL reuses the cached ranking.
	again, err := svc.GetTopUtilizers(ctx, e.peopleSet, srcFilters, nil, 5, readScope)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, utilizers[0].EntityKeyID, again[0].EntityKeyID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&counting.aggregations))

	// Changing any part of the query misses the cache.
	_, err = svc.GetTopUtilizers(ctx, e.peopleSet, srcFilters, nil, 3, readScope)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&counting.aggregations))

	t.Run("empty read scope skips hydration", func(t *testing.T) {
		utilizers, err := svc.GetTopUtilizers(ctx, e.peopleSet, srcFilters, nil, 5, nil)
		require.NoError(t, err)
		require.Len(t, utilizers, 1)
		assert.Empty(t, utilizers[0].Properties)
	})

	t.Run("k must be positive", func(t *testing.T) {
		_, err := svc.GetTopUtilizers(ctx, e.peopleSet, srcFilters, nil, 0, readScope)
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	})
}
