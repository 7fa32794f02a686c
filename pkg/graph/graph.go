package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/storage"
)

// Service is the graph edge store: associations modelled as first-class
// adjacency rows keyed by (edge, src, dst) entity key ids, carrying the
// entity type ids needed for type-filtered neighbor queries.
type Service struct {
	store  storage.EdgeStore
	logger zerolog.Logger
}

// NewService creates a graph service over the given edge store
func NewService(store storage.EdgeStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "graph").Logger(),
	}
}

func validDataKey(key models.EntityDataKey) bool {
	return key.EntitySetID != uuid.Nil && key.EntityKeyID != uuid.Nil
}

// CreateEdge inserts the adjacency row. Both endpoints and the edge entity
// must already have assigned entity key ids; nothing is created implicitly.
func (s *Service) CreateEdge(ctx context.Context, edge models.Edge) error {
	if !validDataKey(edge.Key.Edge) || !validDataKey(edge.Key.Src) || !validDataKey(edge.Key.Dst) {
		return fmt.Errorf("%w: edge key has unresolved endpoints", storage.ErrInvalidArgument)
	}

	if err := s.store.CreateEdge(ctx, edge); err != nil {
		return err
	}

	s.logger.Debug().
		Str("edge", edge.Key.Edge.EntityKeyID.String()).
		Str("src", edge.Key.Src.EntityKeyID.String()).
		Str("dst", edge.Key.Dst.EntityKeyID.String()).
		Msg("edge created")

	return nil
}

// DeleteEdge removes the adjacency row. Endpoint vertex properties are
// untouched; the edge entity's own properties are the caller's concern.
func (s *Service) DeleteEdge(ctx context.Context, key models.EdgeKey) error {
	return s.store.DeleteEdge(ctx, key)
}

// DeleteVertex removes every adjacency row where the vertex appears as src,
// dst, or edge entity. The vertex's properties are not deleted here.
func (s *Service) DeleteVertex(ctx context.Context, entityKeyID uuid.UUID) (int, error) {
	n, err := s.store.DeleteVertex(ctx, entityKeyID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().
			Str("vertex", entityKeyID.String()).
			Int("edges", n).
			Msg("vertex edges removed")
	}
	return n, nil
}

// Neighbors returns the (association type, neighbor type, direction)
// triplets reachable from any entity of the set. Meant for query building,
// not traversal at scale.
func (s *Service) Neighbors(ctx context.Context, entitySetID uuid.UUID) ([]models.NeighborTriplet, error) {
	if entitySetID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty entity set id", storage.ErrInvalidArgument)
	}
	return s.store.NeighborTriplets(ctx, entitySetID)
}

// AggregateTopNeighbors ranks the set's neighbors by how many edges
// matching the type filters connect to them and returns the top k. Ties
// break by ascending entity key id for determinism.
func (s *Service) AggregateTopNeighbors(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) ([]models.RankedEntity, error) {
	if entitySetID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty entity set id", storage.ErrInvalidArgument)
	}
	return s.store.TopNeighbors(ctx, entitySetID, srcFilters, dstFilters, k)
}
