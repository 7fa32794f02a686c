package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/storage"
)

// reservedPrefix marks placeholder external ids created by Reserve. The NUL
// byte keeps them out of the caller-visible external id space.
const reservedPrefix = "\x00reserved:"

// Service maps (entity set, external id) pairs to stable surrogate ids.
// Assignment is first-writer-wins: concurrent callers resolving the same
// pair all observe a single winning id.
type Service struct {
	store  storage.IdentityStore
	logger zerolog.Logger
}

// NewService creates an identity service over the given store
func NewService(store storage.IdentityStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

func validExternalID(externalID string) error {
	if externalID == "" {
		return fmt.Errorf("%w: empty external id", storage.ErrInvalidArgument)
	}
	if strings.HasPrefix(externalID, "\x00") {
		return fmt.Errorf("%w: external id uses reserved prefix", storage.ErrInvalidArgument)
	}
	return nil
}

// Resolve returns the entity key id bound to (entitySetID, externalID),
// assigning a fresh one if the pair has never been seen. Repeated calls for
// the same pair always return the same id.
func (s *Service) Resolve(ctx context.Context, entitySetID uuid.UUID, externalID string) (uuid.UUID, error) {
	if err := validExternalID(externalID); err != nil {
		return uuid.Nil, err
	}

	// Fast path: the mapping usually exists already.
	if id, err := s.store.LookupEntityKeyID(ctx, entitySetID, externalID); err == nil {
		return id, nil
	}

	winner, inserted, err := s.store.AssignEntityKeyID(ctx, entitySetID, externalID, uuid.New())
	if err != nil {
		return uuid.Nil, fmt.Errorf("assign entity key id: %w", err)
	}
	if inserted {
		s.logger.Debug().
			Str("entity_set", entitySetID.String()).
			Str("entity_key_id", winner.String()).
			Msg("assigned entity key id")
	}

	return winner, nil
}

// ResolveBatch resolves a set of external ids. Each individual mapping is
// first-writer-wins; the call as a whole is not atomic across ids.
func (s *Service) ResolveBatch(ctx context.Context, entitySetID uuid.UUID, externalIDs []string) (map[string]uuid.UUID, error) {
	if len(externalIDs) == 0 {
		return nil, fmt.Errorf("%w: empty external id set", storage.ErrInvalidArgument)
	}

	resolved := make(map[string]uuid.UUID, len(externalIDs))
	for _, externalID := range externalIDs {
		if _, done := resolved[externalID]; done {
			continue
		}
		id, err := s.Resolve(ctx, entitySetID, externalID)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", externalID, err)
		}
		resolved[externalID] = id
	}

	return resolved, nil
}

// Reserve pre-allocates count fresh surrogate ids not yet bound to any
// caller external id. Reserved ids remain reverse-lookupable.
func (s *Service) Reserve(ctx context.Context, entitySetID uuid.UUID, count int) ([]uuid.UUID, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", storage.ErrInvalidArgument)
	}

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		candidate := uuid.New()
		placeholder := reservedPrefix + candidate.String()

		winner, inserted, err := s.store.AssignEntityKeyID(ctx, entitySetID, placeholder, candidate)
		if err != nil {
			return nil, fmt.Errorf("reserve entity key id: %w", err)
		}
		if !inserted {
			// The placeholder embeds a fresh UUID, so a collision means a
			// duplicate random UUID. Treat it as unreachable.
			return nil, fmt.Errorf("reservation collision for %s", winner)
		}
		ids = append(ids, winner)
	}

	s.logger.Debug().
		Str("entity_set", entitySetID.String()).
		Int("count", count).
		Msg("reserved entity key ids")

	return ids, nil
}

// ReverseLookup returns the entity key an id was assigned for.
func (s *Service) ReverseLookup(ctx context.Context, entityKeyID uuid.UUID) (models.EntityKey, error) {
	key, err := s.store.LookupEntityKey(ctx, entityKeyID)
	if err != nil {
		return models.EntityKey{}, err
	}

	if strings.HasPrefix(key.ExternalID, reservedPrefix) {
		// Reserved ids have no caller-facing external id yet.
		key.ExternalID = ""
	}

	return key, nil
}
