package propstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/storage"
)

// Service is the versioned property value store. Every operation takes the
// pre-authorized property type map supplied by the caller's schema and
// authorization collaborators; the service rejects writes outside that map
// but performs no authorization logic of its own.
type Service struct {
	store  storage.PropertyStore
	logger zerolog.Logger
}

// NewService creates a property store service over the given backend
func NewService(store storage.PropertyStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "propstore").Logger(),
	}
}

// Replacement is one exact-value swap for ReplacePropertiesInEntities.
type Replacement struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// ReadRequest selects entities for a streaming read.
type ReadRequest struct {
	// EntitySets maps each entity set to its authorized property types.
	EntitySets map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta
	// EntityKeyIDs optionally restricts the read to specific entities.
	EntityKeyIDs []uuid.UUID
	// Linking merges rows sharing a linking id into one logical row.
	Linking bool
}

func writeVersion() int64 {
	return time.Now().UnixMilli()
}

// buildWrites canonicalises one entity's property map, rejecting properties
// outside the authorized set.
func buildWrites(properties models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta) ([]storage.ValueWrite, error) {
	var writes []storage.ValueWrite
	for propertyTypeID, values := range properties {
		if _, ok := authorized[propertyTypeID]; !ok {
			return nil, fmt.Errorf("%w: property %s not authorized", storage.ErrInvalidArgument, propertyTypeID)
		}
		for _, value := range values {
			raw, hash, err := canonicalize(value)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", propertyTypeID, err)
			}
			writes = append(writes, storage.ValueWrite{
				PropertyTypeID: propertyTypeID,
				ContentHash:    hash,
				Value:          raw,
			})
		}
	}
	return writes, nil
}

// CreateOrMerge writes values additively: absent values are inserted,
// tombstoned values revived, live duplicates left untouched. NumUpdates
// counts values actually written, so re-submitting identical data reports
// zero updates.
func (s *Service) CreateOrMerge(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.WriteEvent, error) {
	if len(entities) == 0 {
		return models.WriteEvent{}, fmt.Errorf("%w: no entities given", storage.ErrInvalidArgument)
	}

	version := writeVersion()
	updates := 0

	for entityKeyID, properties := range entities {
		writes, err := buildWrites(properties, authorized)
		if err != nil {
			return models.WriteEvent{}, err
		}
		n, err := s.store.MergeValues(ctx, entitySetID, entityKeyID, writes, version, true)
		if err != nil {
			return models.WriteEvent{}, fmt.Errorf("merge entity %s: %w", entityKeyID, err)
		}
		updates += n
	}

	return models.WriteEvent{Version: version, NumUpdates: updates}, nil
}

// ReplaceEntities performs a full replace over the authorized properties:
// any live value of an authorized property not present in the submitted set
// is tombstoned, and submitted values are created-or-merged. Properties not
// in the authorized map cannot be touched at all.
func (s *Service) ReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta, updateType models.UpdateType) (models.WriteEvent, error) {
	return s.replace(ctx, entitySetID, entities, authorized, updateType, false)
}

// PartialReplace applies the replace rule only to properties explicitly
// present in each entity's submitted map; absent properties are left alone.
func (s *Service) PartialReplace(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta, updateType models.UpdateType) (models.WriteEvent, error) {
	return s.replace(ctx, entitySetID, entities, authorized, updateType, true)
}

func (s *Service) replace(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]models.PropertyMap, authorized map[uuid.UUID]models.PropertyTypeMeta, updateType models.UpdateType, partial bool) (models.WriteEvent, error) {
	if !updateType.Valid() {
		return models.WriteEvent{}, fmt.Errorf("%w: bad update type", storage.ErrInvalidArgument)
	}
	if len(entities) == 0 {
		return models.WriteEvent{}, fmt.Errorf("%w: no entities given", storage.ErrInvalidArgument)
	}

	version := writeVersion()
	monotone := updateType == models.Versioned
	updates := 0

	for entityKeyID, properties := range entities {
		writes, err := buildWrites(properties, authorized)
		if err != nil {
			return models.WriteEvent{}, err
		}

		keep := make(map[uuid.UUID][]uint64)
		for _, w := range writes {
			keep[w.PropertyTypeID] = append(keep[w.PropertyTypeID], w.ContentHash)
		}

		// Tombstone first so a value resubmitted under a different property
		// cannot be caught by its old slot's deletion rule.
		scope := make([]uuid.UUID, 0, len(authorized))
		if partial {
			for propertyTypeID := range properties {
				scope = append(scope, propertyTypeID)
			}
		} else {
			for propertyTypeID := range authorized {
				scope = append(scope, propertyTypeID)
			}
		}

		for _, propertyTypeID := range scope {
			n, err := s.store.TombstoneMissing(ctx, entitySetID, entityKeyID, propertyTypeID, keep[propertyTypeID], version, monotone)
			if err != nil {
				return models.WriteEvent{}, fmt.Errorf("tombstone entity %s: %w", entityKeyID, err)
			}
			updates += n
		}

		n, err := s.store.MergeValues(ctx, entitySetID, entityKeyID, writes, version, monotone)
		if err != nil {
			return models.WriteEvent{}, fmt.Errorf("replace entity %s: %w", entityKeyID, err)
		}
		updates += n
	}

	return models.WriteEvent{Version: version, NumUpdates: updates}, nil
}

// ReplacePropertiesInEntities swaps specific values, addressed by content,
// for new ones. The replacement inherits the replaced value's version
// lineage.
func (s *Service) ReplacePropertiesInEntities(ctx context.Context, entitySetID uuid.UUID, replacements map[uuid.UUID]map[uuid.UUID][]Replacement, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.WriteEvent, error) {
	if len(replacements) == 0 {
		return models.WriteEvent{}, fmt.Errorf("%w: no replacements given", storage.ErrInvalidArgument)
	}

	version := writeVersion()
	updates := 0

	for entityKeyID, byProperty := range replacements {
		for propertyTypeID, pairs := range byProperty {
			if _, ok := authorized[propertyTypeID]; !ok {
				return models.WriteEvent{}, fmt.Errorf("%w: property %s not authorized", storage.ErrInvalidArgument, propertyTypeID)
			}
			for _, pair := range pairs {
				_, oldHash, err := canonicalize(pair.Old)
				if err != nil {
					return models.WriteEvent{}, fmt.Errorf("property %s: %w", propertyTypeID, err)
				}
				newRaw, newHash, err := canonicalize(pair.New)
				if err != nil {
					return models.WriteEvent{}, fmt.Errorf("property %s: %w", propertyTypeID, err)
				}

				err = s.store.ReplaceValue(ctx, entitySetID, entityKeyID, storage.ValueReplace{
					PropertyTypeID: propertyTypeID,
					OldHash:        oldHash,
					Write: storage.ValueWrite{
						PropertyTypeID: propertyTypeID,
						ContentHash:    newHash,
						Value:          newRaw,
					},
				}, version)
				if err != nil {
					return models.WriteEvent{}, fmt.Errorf("replace value on entity %s: %w", entityKeyID, err)
				}
				updates++
			}
		}
	}

	return models.WriteEvent{Version: version, NumUpdates: updates}, nil
}

// Clear soft-deletes all live values of the authorized properties. History
// is retained; values can later be revived by a fresh write. A nil
// entityKeyIDs slice clears the whole entity set.
func (s *Service) Clear(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]models.PropertyTypeMeta) (models.WriteEvent, error) {
	propertyTypeIDs := authorizedIDs(authorized)
	if len(propertyTypeIDs) == 0 {
		return models.WriteEvent{}, fmt.Errorf("%w: no authorized properties", storage.ErrInvalidArgument)
	}

	version := writeVersion()
	n, err := s.store.TombstoneProperties(ctx, entitySetID, entityKeyIDs, propertyTypeIDs, version)
	if err != nil {
		return models.WriteEvent{}, err
	}

	return models.WriteEvent{Version: version, NumUpdates: n}, nil
}

// Delete physically removes rows, history included. Identity mappings
// survive so entity key ids are never reused. Intended for administrative
// scrubs, not application deletes.
func (s *Service) Delete(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]models.PropertyTypeMeta) (int, error) {
	propertyTypeIDs := authorizedIDs(authorized)
	if len(propertyTypeIDs) == 0 {
		return 0, fmt.Errorf("%w: no authorized properties", storage.ErrInvalidArgument)
	}

	n, err := s.store.DeleteProperties(ctx, entitySetID, entityKeyIDs, propertyTypeIDs)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("entity_set", entitySetID.String()).
		Int("rows", n).
		Msg("hard-deleted property rows")

	return n, nil
}

// SetLinkingIDs records linking ids produced by the external record-linking
// subsystem; linked reads merge on them.
func (s *Service) SetLinkingIDs(ctx context.Context, links map[uuid.UUID]uuid.UUID) error {
	return s.store.SetLinkingIDs(ctx, links)
}

// MarkIndexed records index-synchronizer progress for an entity.
func (s *Service) MarkIndexed(ctx context.Context, entitySetID, entityKeyID uuid.UUID, at time.Time) error {
	return s.store.MarkIndexed(ctx, entitySetID, entityKeyID, at)
}

// GetEntityMetadata returns the row-level metadata of one entity.
func (s *Service) GetEntityMetadata(ctx context.Context, entitySetID, entityKeyID uuid.UUID) (models.EntityDataMetadata, error) {
	return s.store.GetEntityMetadata(ctx, entitySetID, entityKeyID)
}

// GetValueMetadata returns the version record of one value.
func (s *Service) GetValueMetadata(ctx context.Context, entitySetID, entityKeyID, propertyTypeID uuid.UUID, value interface{}) (models.PropertyMetadata, error) {
	_, hash, err := canonicalize(value)
	if err != nil {
		return models.PropertyMetadata{}, err
	}
	return s.store.GetValueMetadata(ctx, entitySetID, entityKeyID, propertyTypeID, hash)
}

func authorizedIDs(authorized map[uuid.UUID]models.PropertyTypeMeta) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(authorized))
	for id := range authorized {
		ids = append(ids, id)
	}
	return ids
}

// Read streams entities as rows of FQN-keyed value sets. Tombstoned values
// are excluded. With Linking set, rows from entity sets sharing a linking id
// merge into one logical row, each contributing set filtered by its own
// authorized properties. The caller must Close the iterator.
func (s *Service) Read(ctx context.Context, req ReadRequest) (*EntityIterator, error) {
	if len(req.EntitySets) == 0 {
		return nil, fmt.Errorf("%w: no entity sets given", storage.ErrInvalidArgument)
	}

	scan := storage.ScanRequest{
		EntitySets:   make(map[uuid.UUID][]uuid.UUID, len(req.EntitySets)),
		EntityKeyIDs: req.EntityKeyIDs,
		Linking:      req.Linking,
	}
	fqn := make(map[uuid.UUID]string)
	for setID, authorized := range req.EntitySets {
		ids := make([]uuid.UUID, 0, len(authorized))
		for id, meta := range authorized {
			ids = append(ids, id)
			fqn[id] = meta.FQN
		}
		scan.EntitySets[setID] = ids
	}

	rows, err := s.store.ScanValues(ctx, scan)
	if err != nil {
		return nil, err
	}

	return &EntityIterator{rows: rows, fqn: fqn}, nil
}

// EntityIterator groups streamed value rows into per-entity rows. It is a
// lazy, finite sequence; each Read call produces a fresh one.
type EntityIterator struct {
	rows *storage.ValueRows
	fqn  map[uuid.UUID]string

	current models.EntityRow
	err     error

	pendingID  uuid.UUID
	pendingPT  uuid.UUID
	pendingVal json.RawMessage
	hasPending bool
	done       bool
}

// Next advances to the next entity row, returning false at the end of the
// sequence or on error.
func (it *EntityIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	var row models.EntityRow
	started := false
	seen := make(map[uuid.UUID]map[string]bool)

	emit := func(pt uuid.UUID, raw json.RawMessage) error {
		name, ok := it.fqn[pt]
		if !ok {
			name = pt.String()
		}
		if seen[pt] == nil {
			seen[pt] = make(map[string]bool)
		}
		if seen[pt][string(raw)] {
			// Linked rows can carry the same value from several sets.
			return nil
		}
		seen[pt][string(raw)] = true

		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("corrupt stored value: %w", err)
		}
		row.Properties[name] = append(row.Properties[name], value)
		return nil
	}

	if it.hasPending {
		row = models.EntityRow{ID: it.pendingID, Properties: make(map[string][]interface{})}
		started = true
		it.hasPending = false
		if err := emit(it.pendingPT, it.pendingVal); err != nil {
			it.err = err
			return false
		}
	}

	for it.rows.Next() {
		id, pt, raw, err := it.rows.Scan()
		if err != nil {
			it.err = err
			return false
		}

		if !started {
			row = models.EntityRow{ID: id, Properties: make(map[string][]interface{})}
			started = true
		} else if id != row.ID {
			// First value of the next entity; keep it for the next call.
			it.pendingID, it.pendingPT, it.pendingVal = id, pt, raw
			it.hasPending = true
			it.current = row
			return true
		}

		if err := emit(pt, raw); err != nil {
			it.err = err
			return false
		}
	}

	if err := it.rows.Err(); err != nil {
		it.err = err
		return false
	}

	it.done = true
	if started {
		it.current = row
		return true
	}
	return false
}

// Row returns the entity row produced by the last successful Next.
func (it *EntityIterator) Row() models.EntityRow {
	return it.current
}

// Err returns the first error encountered during iteration.
func (it *EntityIterator) Err() error {
	return it.err
}

// Close releases the underlying result set.
func (it *EntityIterator) Close() error {
	return it.rows.Close()
}
