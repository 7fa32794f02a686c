package datagraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/cache"
	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/propstore"
	"github.com/ha1tch/loom/pkg/storage"
)

// IdentityService is the identity dependency of the orchestrator.
type IdentityService interface {
	Resolve(ctx context.Context, entitySetID uuid.UUID, externalID string) (uuid.UUID, error)
	ResolveBatch(ctx context.Context, entitySetID uuid.UUID, externalIDs []string) (map[string]uuid.UUID, error)
}

// PropertyService is the property store dependency of the orchestrator.
type PropertyService interface {
	CreateOrMerge(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.WriteEvent, error)
	Clear(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.WriteEvent, error)
	Read(ctx context.Context, req propstore.ReadRequest) (*propstore.EntityIterator, error)
}

// GraphService is the edge store dependency of the orchestrator.
type GraphService interface {
	CreateEdge(ctx context.Context, edge models.Edge) error
	DeleteEdge(ctx context.Context, key models.EdgeKey) error
	DeleteVertex(ctx context.Context, entityKeyID uuid.UUID) (int, error)
	AggregateTopNeighbors(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) ([]models.RankedEntity, error)
}

// Indexer is the best-effort search-sync dependency.
type Indexer interface {
	EntityWritten(ctx context.Context, key models.EntityDataKey, version int64)
	EntityDeleted(ctx context.Context, key models.EntityDataKey)
	EdgeWritten(ctx context.Context, key models.EdgeKey)
	EdgeDeleted(ctx context.Context, key models.EdgeKey)
}

// TypeResolver resolves an entity set to its entity type id. Supplied by
// the external schema registry; results are cached with TTL and size bounds.
type TypeResolver func(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error)

// Options tune the orchestrator's fan-out and caches.
type Options struct {
	// Workers bounds the number of concurrent sub-writes in bulk calls.
	Workers int
	// TypeCacheSize and TypeCacheTTL bound the entity-set to entity-type
	// lookup cache.
	TypeCacheSize int
	TypeCacheTTL  time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.TypeCacheSize <= 0 {
		o.TypeCacheSize = 1024
	}
	if o.TypeCacheTTL <= 0 {
		o.TypeCacheTTL = 5 * time.Minute
	}
}

// Service composes the identity service, property store, and edge store
// into entity- and association-level operations. Bulk calls scatter
// sub-writes onto a bounded worker pool and join before returning; sibling
// failures are collected, never cascaded.
type Service struct {
	identity IdentityService
	props    PropertyService
	graph    GraphService
	indexer  Indexer
	rankings cache.RankingCache
	resolve  TypeResolver

	typeCache *lru.LRU[uuid.UUID, uuid.UUID]
	workers   int
	logger    zerolog.Logger
}

// NewService wires the orchestrator
func NewService(
	identitySvc IdentityService,
	props PropertyService,
	graphSvc GraphService,
	idx Indexer,
	rankings cache.RankingCache,
	resolve TypeResolver,
	opts Options,
	logger zerolog.Logger,
) *Service {
	opts.defaults()
	return &Service{
		identity:  identitySvc,
		props:     props,
		graph:     graphSvc,
		indexer:   idx,
		rankings:  rankings,
		resolve:   resolve,
		typeCache: lru.NewLRU[uuid.UUID, uuid.UUID](opts.TypeCacheSize, nil, opts.TypeCacheTTL),
		workers:   opts.Workers,
		logger:    logger.With().Str("component", "datagraph").Logger(),
	}
}

// entityTypeID resolves an entity set's entity type through the bounded cache.
func (s *Service) entityTypeID(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
	if typeID, ok := s.typeCache.Get(entitySetID); ok {
		return typeID, nil
	}
	typeID, err := s.resolve(ctx, entitySetID)
	if err != nil {
		return uuid.Nil, err
	}
	s.typeCache.Add(entitySetID, typeID)
	return typeID, nil
}

// itemFailure records one failed sub-write with its wire-visible cause.
func itemFailure(key string, err error) *models.ItemFailure {
	return &models.ItemFailure{Key: key, Message: err.Error(), Err: err}
}

// scatter runs fn for each index on the shared worker pool and joins.
func (s *Service) scatter(n int, fn func(i int)) {
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// CreateEntity resolves the entity's key id and writes its properties. The
// id is returned once the property write is durable; index sync happens
// asynchronously and is not waited for.
func (s *Service) CreateEntity(ctx context.Context, entitySetID uuid.UUID, externalID string, properties models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta) (uuid.UUID, error) {
	entityKeyID, err := s.identity.Resolve(ctx, entitySetID, externalID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve entity id: %w", err)
	}

	event, err := s.props.CreateOrMerge(ctx, entitySetID, map[uuid.UUID]models.PropertyMap{entityKeyID: properties}, authorized)
	if err != nil {
		return uuid.Nil, fmt.Errorf("write entity properties: %w", err)
	}

	go s.indexer.EntityWritten(context.WithoutCancel(ctx),
		models.EntityDataKey{EntitySetID: entitySetID, EntityKeyID: entityKeyID}, event.Version)

	return entityKeyID, nil
}

// CreateEntities fans the single-entity path out over the worker pool and
// joins. A failing entity never blocks its siblings; failures are returned
// per item so callers can tell full from partial success.
func (s *Service) CreateEntities(ctx context.Context, entitySetID uuid.UUID, entities map[string]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.BatchResult, error) {
	if len(entities) == 0 {
		return models.BatchResult{}, fmt.Errorf("%w: no entities given", storage.ErrInvalidArgument)
	}

	externalIDs := make([]string, 0, len(entities))
	for externalID := range entities {
		externalIDs = append(externalIDs, externalID)
	}

	type outcome struct {
		event   models.WriteEvent
		failure *models.ItemFailure
	}
	outcomes := make([]outcome, len(externalIDs))

	s.scatter(len(externalIDs), func(i int) {
		externalID := externalIDs[i]
		entityKeyID, err := s.identity.Resolve(ctx, entitySetID, externalID)
		if err != nil {
			outcomes[i].failure = itemFailure(externalID, err)
			return
		}
		event, err := s.props.CreateOrMerge(ctx, entitySetID,
			map[uuid.UUID]models.PropertyMap{entityKeyID: entities[externalID]}, authorized)
		if err != nil {
			outcomes[i].failure = itemFailure(externalID, err)
			return
		}
		outcomes[i].event = event
		go s.indexer.EntityWritten(context.WithoutCancel(ctx),
			models.EntityDataKey{EntitySetID: entitySetID, EntityKeyID: entityKeyID}, event.Version)
	})

	var result models.BatchResult
	for _, o := range outcomes {
		if o.failure != nil {
			s.logger.Warn().Str("entity", o.failure.Key).Err(o.failure.Err).Msg("entity write failed")
			result.Failures = append(result.Failures, *o.failure)
			continue
		}
		result.NumUpdates += o.event.NumUpdates
		if o.event.Version > result.Version {
			result.Version = o.event.Version
		}
	}

	return result, nil
}

// resolveEndpoint turns an EndpointRef into an EntityDataKey, consulting
// the ids created earlier in the same call for positional references.
func (s *Service) resolveEndpoint(ctx context.Context, ref models.EndpointRef, created []models.EntityDataKey) (models.EntityDataKey, error) {
	if ref.Key != nil {
		id, err := s.identity.Resolve(ctx, ref.Key.EntitySetID, ref.Key.ExternalID)
		if err != nil {
			return models.EntityDataKey{}, fmt.Errorf("%w: %s: %v", storage.ErrEndpointNotFound, ref.Key, err)
		}
		return models.EntityDataKey{EntitySetID: ref.Key.EntitySetID, EntityKeyID: id}, nil
	}

	if ref.Index < 0 || ref.Index >= len(created) {
		return models.EntityDataKey{}, fmt.Errorf("%w: entity index %d out of range", storage.ErrInvalidArgument, ref.Index)
	}
	key := created[ref.Index]
	if key.EntityKeyID == uuid.Nil {
		return models.EntityDataKey{}, fmt.Errorf("%w: referenced entity %d was not created", storage.ErrEndpointNotFound, ref.Index)
	}
	return key, nil
}

// createAssociation processes one association: endpoint resolution, edge
// entity properties, then the adjacency row.
func (s *Service) createAssociation(ctx context.Context, assoc models.Association, created []models.EntityDataKey, authorized map[uuid.UUID]models.PropertyTypeMeta) (uuid.UUID, error) {
	// Resolve edge, src, and dst ids concurrently; they are independent.
	var edgeKeyID uuid.UUID
	var src, dst models.EntityDataKey
	var edgeErr, srcErr, dstErr error

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		edgeKeyID, edgeErr = s.identity.Resolve(ctx, assoc.Key.EntitySetID, assoc.Key.ExternalID)
	}()
	go func() {
		defer wg.Done()
		src, srcErr = s.resolveEndpoint(ctx, assoc.Src, created)
	}()
	go func() {
		defer wg.Done()
		dst, dstErr = s.resolveEndpoint(ctx, assoc.Dst, created)
	}()
	wg.Wait()

	if edgeErr != nil {
		return uuid.Nil, fmt.Errorf("%w: edge %s: %v", storage.ErrEndpointNotFound, assoc.Key, edgeErr)
	}
	if srcErr != nil {
		return uuid.Nil, srcErr
	}
	if dstErr != nil {
		return uuid.Nil, dstErr
	}

	if len(assoc.Details) > 0 {
		if _, err := s.props.CreateOrMerge(ctx, assoc.Key.EntitySetID,
			map[uuid.UUID]models.PropertyMap{edgeKeyID: assoc.Details}, authorized); err != nil {
			return uuid.Nil, fmt.Errorf("write edge properties: %w", err)
		}
	}

	edgeTypeID, err := s.entityTypeID(ctx, assoc.Key.EntitySetID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve edge type: %w", err)
	}
	srcTypeID, err := s.entityTypeID(ctx, src.EntitySetID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve src type: %w", err)
	}
	dstTypeID, err := s.entityTypeID(ctx, dst.EntitySetID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve dst type: %w", err)
	}

	edge := models.Edge{
		Key: models.EdgeKey{
			Edge: models.EntityDataKey{EntitySetID: assoc.Key.EntitySetID, EntityKeyID: edgeKeyID},
			Src:  src,
			Dst:  dst,
		},
		EdgeTypeID: edgeTypeID,
		SrcTypeID:  srcTypeID,
		DstTypeID:  dstTypeID,
	}

	if err := s.graph.CreateEdge(ctx, edge); err != nil {
		return uuid.Nil, fmt.Errorf("create edge: %w", err)
	}

	go s.indexer.EdgeWritten(context.WithoutCancel(ctx), edge.Key)

	return edgeKeyID, nil
}

// CreateAssociations writes a batch of associations. An association whose
// endpoint fails to resolve is skipped and reported; its siblings proceed.
func (s *Service) CreateAssociations(ctx context.Context, associations []models.Association, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.BatchResult, error) {
	if len(associations) == 0 {
		return models.BatchResult{}, fmt.Errorf("%w: no associations given", storage.ErrInvalidArgument)
	}

	for _, assoc := range associations {
		if assoc.Src.Key == nil || assoc.Dst.Key == nil {
			return models.BatchResult{}, fmt.Errorf("%w: positional endpoint references require CreateEntitiesAndAssociations", storage.ErrInvalidArgument)
		}
	}

	return s.createAssociations(ctx, associations, nil, authorized), nil
}

func (s *Service) createAssociations(ctx context.Context, associations []models.Association, created []models.EntityDataKey, authorized map[uuid.UUID]models.PropertyTypeMeta) models.BatchResult {
	type outcome struct {
		failure *models.ItemFailure
	}
	outcomes := make([]outcome, len(associations))

	s.scatter(len(associations), func(i int) {
		if _, err := s.createAssociation(ctx, associations[i], created, authorized); err != nil {
			outcomes[i].failure = itemFailure(associations[i].Key.String(), err)
		}
	})

	result := models.BatchResult{WriteEvent: models.WriteEvent{Version: time.Now().UnixMilli()}}
	for _, o := range outcomes {
		if o.failure != nil {
			s.logger.Warn().Str("association", o.failure.Key).Err(o.failure.Err).Msg("association write failed")
			result.Failures = append(result.Failures, *o.failure)
			continue
		}
		result.NumUpdates++
	}
	return result
}

// EntityDefinition is one entity in a combined entities+associations call.
type EntityDefinition struct {
	Key        models.EntityKey   `json:"key"`
	Properties models.PropertyMap `json:"properties"`
}

// GraphResult reports the ids produced by CreateEntitiesAndAssociations.
// A nil id marks an entity whose write failed; the matching failure is in
// Failures.
type GraphResult struct {
	EntityKeyIDs   []uuid.UUID          `json:"entityKeyIds"`
	AssociationIDs []uuid.UUID          `json:"associationIds"`
	Failures       []models.ItemFailure `json:"failures,omitempty"`
}

// CreateEntitiesAndAssociations creates all entities first, then the
// associations, so association endpoints may reference just-created
// entities by position. A positional reference beyond the entity batch is
// a caller error and fails the whole call before anything is written.
func (s *Service) CreateEntitiesAndAssociations(ctx context.Context, entities []EntityDefinition, associations []models.Association, authorizedBySet map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta) (GraphResult, error) {
	for _, assoc := range associations {
		for _, ref := range []models.EndpointRef{assoc.Src, assoc.Dst} {
			if ref.Key == nil && (ref.Index < 0 || ref.Index >= len(entities)) {
				return GraphResult{}, fmt.Errorf("%w: entity index %d out of range", storage.ErrInvalidArgument, ref.Index)
			}
		}
	}

	var result GraphResult
	result.EntityKeyIDs = make([]uuid.UUID, len(entities))
	created := make([]models.EntityDataKey, len(entities))

	type outcome struct {
		failure *models.ItemFailure
	}
	outcomes := make([]outcome, len(entities))

	s.scatter(len(entities), func(i int) {
		def := entities[i]
		id, err := s.CreateEntity(ctx, def.Key.EntitySetID, def.Key.ExternalID, def.Properties, authorizedBySet[def.Key.EntitySetID])
		if err != nil {
			outcomes[i].failure = itemFailure(def.Key.String(), err)
			return
		}
		result.EntityKeyIDs[i] = id
		created[i] = models.EntityDataKey{EntitySetID: def.Key.EntitySetID, EntityKeyID: id}
	})

	for _, o := range outcomes {
		if o.failure != nil {
			s.logger.Warn().Str("entity", o.failure.Key).Err(o.failure.Err).Msg("entity write failed")
			result.Failures = append(result.Failures, *o.failure)
		}
	}

	// Phase two: endpoints of every association are now resolvable.
	assocOutcomes := make([]uuid.UUID, len(associations))
	assocFailures := make([]*models.ItemFailure, len(associations))
	s.scatter(len(associations), func(i int) {
		assoc := associations[i]
		id, err := s.createAssociation(ctx, assoc, created, authorizedBySet[assoc.Key.EntitySetID])
		if err != nil {
			assocFailures[i] = itemFailure(assoc.Key.String(), err)
			return
		}
		assocOutcomes[i] = id
	})

	result.AssociationIDs = make([]uuid.UUID, len(associations))
	for i, id := range assocOutcomes {
		result.AssociationIDs[i] = id
		if assocFailures[i] != nil {
			s.logger.Warn().Str("association", assocFailures[i].Key).Err(assocFailures[i].Err).Msg("association write failed")
			result.Failures = append(result.Failures, *assocFailures[i])
		}
	}

	return result, nil
}

// DeleteEntity removes the entity's adjacency rows and soft-deletes its
// properties. Neighbor vertices and their properties are untouched.
func (s *Service) DeleteEntity(ctx context.Context, key models.EntityDataKey, authorized map[uuid.UUID]models.PropertyTypeMeta) error {
	if _, err := s.graph.DeleteVertex(ctx, key.EntityKeyID); err != nil {
		return fmt.Errorf("delete vertex edges: %w", err)
	}
	if _, err := s.props.Clear(ctx, key.EntitySetID, []uuid.UUID{key.EntityKeyID}, authorized); err != nil {
		return fmt.Errorf("clear entity properties: %w", err)
	}

	go s.indexer.EntityDeleted(context.WithoutCancel(ctx), key)
	return nil
}

// DeleteAssociation removes the adjacency row and soft-deletes the edge
// entity's own properties. Endpoint vertices are unaffected.
func (s *Service) DeleteAssociation(ctx context.Context, key models.EdgeKey, authorized map[uuid.UUID]models.PropertyTypeMeta) error {
	if err := s.graph.DeleteEdge(ctx, key); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	if _, err := s.props.Clear(ctx, key.Edge.EntitySetID, []uuid.UUID{key.Edge.EntityKeyID}, authorized); err != nil {
		return fmt.Errorf("clear edge properties: %w", err)
	}

	go s.indexer.EdgeDeleted(context.WithoutCancel(ctx), key)
	return nil
}

// Utilizer is one ranked, hydrated top-utilizer row.
type Utilizer struct {
	models.RankedEntity
	Properties map[string][]interface{} `json:"properties"`
}

// rankingKey builds a deterministic cache key for a top-utilizer query.
func rankingKey(entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) string {
	var b strings.Builder
	b.WriteString(entitySetID.String())
	fmt.Fprintf(&b, "|k=%d", k)

	writeFilters := func(tag string, filters models.NeighborFilter) {
		assocs := make([]string, 0, len(filters))
		byAssoc := make(map[string][]string, len(filters))
		for assocTypeID, neighborTypes := range filters {
			key := assocTypeID.String()
			assocs = append(assocs, key)
			neighbors := make([]string, 0, len(neighborTypes))
			for _, nt := range neighborTypes {
				neighbors = append(neighbors, nt.String())
			}
			sort.Strings(neighbors)
			byAssoc[key] = neighbors
		}
		sort.Strings(assocs)
		b.WriteString("|" + tag)
		for _, a := range assocs {
			b.WriteString(";" + a + "=" + strings.Join(byAssoc[a], ","))
		}
	}
	writeFilters("src", srcFilters)
	writeFilters("dst", dstFilters)

	return fmt.Sprintf("toputil:%x", xxhash.Sum64String(b.String()))
}

// GetTopUtilizers ranks the set's neighbors by filtered edge count and
// hydrates the top k with their authorized properties. The ranked id list
// (never the hydrated rows) is cached under a short TTL, so an identical
// query inside the TTL skips the aggregation entirely. readScope names the
// neighbor sets the caller may hydrate from, with their authorized
// properties; ranked neighbors outside it come back with empty properties.
func (s *Service) GetTopUtilizers(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int, readScope map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta) ([]Utilizer, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", storage.ErrInvalidArgument)
	}

	key := rankingKey(entitySetID, srcFilters, dstFilters, k)
	ranking, hit, err := s.rankings.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ranking cache read failed")
	}
	if !hit {
		ranking, err = s.graph.AggregateTopNeighbors(ctx, entitySetID, srcFilters, dstFilters, k)
		if err != nil {
			return nil, fmt.Errorf("aggregate top neighbors: %w", err)
		}
		if err := s.rankings.Set(ctx, key, ranking); err != nil {
			s.logger.Warn().Err(err).Msg("ranking cache write failed")
		}
	}

	if len(ranking) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(ranking))
	for i, r := range ranking {
		ids[i] = r.EntityKeyID
	}

	if len(readScope) == 0 {
		utilizers := make([]Utilizer, 0, len(ranking))
		for _, r := range ranking {
			utilizers = append(utilizers, Utilizer{RankedEntity: r, Properties: make(map[string][]interface{})})
		}
		return utilizers, nil
	}

	it, err := s.props.Read(ctx, propstore.ReadRequest{
		EntitySets:   readScope,
		EntityKeyIDs: ids,
	})
	if err != nil {
		return nil, fmt.Errorf("hydrate top utilizers: %w", err)
	}
	defer it.Close()

	rows := make(map[uuid.UUID]map[string][]interface{}, len(ranking))
	for it.Next() {
		row := it.Row()
		rows[row.ID] = row.Properties
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("hydrate top utilizers: %w", err)
	}

	utilizers := make([]Utilizer, 0, len(ranking))
	for _, r := range ranking {
		props := rows[r.EntityKeyID]
		if props == nil {
			props = make(map[string][]interface{})
		}
		utilizers = append(utilizers, Utilizer{RankedEntity: r, Properties: props})
	}

	return utilizers, nil
}
