package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/loom/pkg/models"
)

var (
	// ErrNotFound is returned when a key, entity, or mapping is not found
	ErrNotFound = errors.New("not found")
	// ErrEndpointNotFound is returned when an edge endpoint id cannot be resolved
	ErrEndpointNotFound = errors.New("edge endpoint not found")
	// ErrUnavailable is returned when the backing store is unreachable; the
	// caller must retry, the store performs no implicit retry
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValueWrite is one canonicalised property value headed for storage.
type ValueWrite struct {
	PropertyTypeID uuid.UUID
	ContentHash    uint64
	Value          json.RawMessage
}

// ValueReplace addresses an existing value by content hash and carries its
// replacement. The replacement row inherits the old row's version history.
type ValueReplace struct {
	PropertyTypeID uuid.UUID
	OldHash        uint64
	Write          ValueWrite
}

// ScanRequest selects property rows for a streaming read.
type ScanRequest struct {
	// EntitySets maps each entity set to the property type ids the caller
	// is authorized to read from it. Sets with an empty list yield nothing.
	EntitySets map[uuid.UUID][]uuid.UUID
	// EntityKeyIDs optionally restricts the scan to specific entities.
	EntityKeyIDs []uuid.UUID
	// Linking groups rows by linking id instead of entity key id.
	Linking bool
}

// IdentityStore is the surrogate-id mapping layer. Assignment must be
// first-writer-wins under concurrent callers.
type IdentityStore interface {
	// AssignEntityKeyID atomically binds candidate to (entitySetID,
	// externalID) unless a binding already exists, and returns the binding
	// that won together with whether this call inserted it.
	AssignEntityKeyID(ctx context.Context, entitySetID uuid.UUID, externalID string, candidate uuid.UUID) (uuid.UUID, bool, error)

	// LookupEntityKeyID returns the id bound to the key, or ErrNotFound.
	LookupEntityKeyID(ctx context.Context, entitySetID uuid.UUID, externalID string) (uuid.UUID, error)

	// LookupEntityKey is the reverse mapping, or ErrNotFound.
	LookupEntityKey(ctx context.Context, entityKeyID uuid.UUID) (models.EntityKey, error)
}

// PropertyStore is the versioned property row layer. Values live in rows
// keyed by (entitySet, entityKey, propertyType, contentHash); a negative
// version tombstones a row without discarding its history.
type PropertyStore interface {
	// MergeValues inserts absent values and revives tombstoned ones at the
	// given version; live values are left untouched. Returns the number of
	// rows actually written. When monotone is set, revival versions are
	// floored strictly above the row's previous version.
	MergeValues(ctx context.Context, entitySetID, entityKeyID uuid.UUID, writes []ValueWrite, version int64, monotone bool) (int, error)

	// TombstoneMissing soft-deletes every live value of the property that is
	// not in keepHashes. Returns the number of rows tombstoned.
	TombstoneMissing(ctx context.Context, entitySetID, entityKeyID, propertyTypeID uuid.UUID, keepHashes []uint64, version int64, monotone bool) (int, error)

	// ReplaceValue tombstones the row addressed by OldHash and writes the
	// replacement with the old row's history carried forward. Returns
	// ErrNotFound if no live row matches OldHash.
	ReplaceValue(ctx context.Context, entitySetID, entityKeyID uuid.UUID, repl ValueReplace, version int64) error

	// TombstoneProperties soft-deletes all live values of the given property
	// types. A nil entityKeyIDs slice addresses the whole entity set.
	TombstoneProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, propertyTypeIDs []uuid.UUID, version int64) (int, error)

	// DeleteProperties physically removes rows, history included. A nil
	// entityKeyIDs slice addresses the whole entity set.
	DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, propertyTypeIDs []uuid.UUID) (int, error)

	// GetValueMetadata returns the version record of one value row.
	GetValueMetadata(ctx context.Context, entitySetID, entityKeyID, propertyTypeID uuid.UUID, contentHash uint64) (models.PropertyMetadata, error)

	// GetEntityMetadata returns the row-level metadata of one entity.
	GetEntityMetadata(ctx context.Context, entitySetID, entityKeyID uuid.UUID) (models.EntityDataMetadata, error)

	// MarkIndexed records the index synchronizer's progress for an entity.
	MarkIndexed(ctx context.Context, entitySetID, entityKeyID uuid.UUID, at time.Time) error

	// SetLinkingIDs records entityKeyID to linkingID pairs for linked reads.
	SetLinkingIDs(ctx context.Context, links map[uuid.UUID]uuid.UUID) error

	// ScanValues streams live value rows matching the request, ordered by
	// row id. The caller must Close the returned rows.
	ScanValues(ctx context.Context, req ScanRequest) (*ValueRows, error)

	// ScrubTombstones hard-deletes rows tombstoned before the cutoff.
	// Intended for the offline maintenance pass only.
	ScrubTombstones(ctx context.Context, before time.Time) (int, error)
}

// EdgeStore is the adjacency row layer.
type EdgeStore interface {
	// CreateEdge inserts the adjacency row. Endpoint ids must already be
	// resolvable; the store does not create missing endpoints.
	CreateEdge(ctx context.Context, edge models.Edge) error

	// DeleteEdge removes the adjacency row only.
	DeleteEdge(ctx context.Context, key models.EdgeKey) error

	// DeleteVertex removes every adjacency row the vertex participates in,
	// as src, dst, or as the edge entity itself. Vertex properties are the
	// caller's separate responsibility.
	DeleteVertex(ctx context.Context, entityKeyID uuid.UUID) (int, error)

	// NeighborTriplets summarises the association/neighbor type pairs
	// reachable from the entity set.
	NeighborTriplets(ctx context.Context, entitySetID uuid.UUID) ([]models.NeighborTriplet, error)

	// TopNeighbors ranks neighbors of the entity set by filtered edge
	// count, ties broken by ascending entity key id.
	TopNeighbors(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) ([]models.RankedEntity, error)
}

// Store is the full backend contract.
type Store interface {
	IdentityStore
	PropertyStore
	EdgeStore
	Close() error
}

// StoreInfo provides metadata about the store implementation
type StoreInfo struct {
	Type                string
	Version             string
	SupportsLinking     bool
	SupportsTransaction bool
}

// InfoProvider allows stores to provide metadata about their capabilities
type InfoProvider interface {
	Info() StoreInfo
}
