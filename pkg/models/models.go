package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityKey is the caller-facing identity of an entity: the entity set it
// belongs to plus the external id the caller knows it by. Immutable once
// an EntityKeyID has been assigned for it.
type EntityKey struct {
	EntitySetID uuid.UUID `json:"entitySetId"`
	ExternalID  string    `json:"entityId"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntitySetID, k.ExternalID)
}

// EntityDataKey is the storage address of one entity's properties.
type EntityDataKey struct {
	EntitySetID uuid.UUID `json:"entitySetId"`
	EntityKeyID uuid.UUID `json:"entityKeyId"`
}

// EdgeKey identifies an association edge. The edge is itself an entity with
// its own key id and properties; Src and Dst reference the endpoints.
type EdgeKey struct {
	Edge EntityDataKey `json:"edge"`
	Src  EntityDataKey `json:"src"`
	Dst  EntityDataKey `json:"dst"`
}

// Edge is an adjacency row: an EdgeKey plus the entity type ids needed for
// type-filtered neighbor queries without joining back to the schema.
type Edge struct {
	Key        EdgeKey   `json:"key"`
	EdgeTypeID uuid.UUID `json:"edgeTypeId"`
	SrcTypeID  uuid.UUID `json:"srcTypeId"`
	DstTypeID  uuid.UUID `json:"dstTypeId"`
}

// ValueState names the lifecycle state encoded in a property version's sign.
type ValueState int

const (
	// StateLive marks a value with a positive current version.
	StateLive ValueState = iota
	// StateTombstoned marks a soft-deleted value (negative current version).
	// History is retained and the value can be revived by a later write.
	StateTombstoned
)

func (s ValueState) String() string {
	if s == StateTombstoned {
		return "tombstoned"
	}
	return "live"
}

// PropertyMetadata is the version record kept per distinct property value.
type PropertyMetadata struct {
	ContentHash uint64    `json:"contentHash"`
	Version     int64     `json:"version"`
	History     []int64   `json:"history"`
	LastWrite   time.Time `json:"lastWrite"`
}

// State reports whether the value is live or tombstoned.
func (m PropertyMetadata) State() ValueState {
	if m.Version < 0 {
		return StateTombstoned
	}
	return StateLive
}

// EntityDataMetadata is the row-level metadata kept per entity.
// LastIndex is written by the external index synchronizer, not by the store.
type EntityDataMetadata struct {
	Version   int64     `json:"version"`
	LastWrite time.Time `json:"lastWrite"`
	LastIndex time.Time `json:"lastIndex"`
}

// WriteEvent is returned by every mutating operation.
type WriteEvent struct {
	Version    int64 `json:"version"`
	NumUpdates int   `json:"numUpdates"`
}

// ItemFailure records one failed sub-write inside a bulk operation. Message
// carries the cause for wire clients; Err keeps the wrapped error for
// in-process callers checking sentinels.
type ItemFailure struct {
	Key     string `json:"key"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// BatchResult is the result of a bulk operation: the aggregate WriteEvent
// plus the sub-writes that failed. NumUpdates counts successes only, so a
// caller can distinguish full from partial success without parsing logs.
type BatchResult struct {
	WriteEvent
	Failures []ItemFailure `json:"failures,omitempty"`
}

// Partial reports whether any sub-write failed.
func (r BatchResult) Partial() bool {
	return len(r.Failures) > 0
}

// UpdateType governs whether a write's versions are caller-visible and
// monotone-checked (Versioned) or silently server-assigned (Unversioned,
// reserved for privileged bulk writers).
type UpdateType int

const (
	Versioned UpdateType = iota
	Unversioned
)

// Valid reports whether the update type is one of the defined values.
func (u UpdateType) Valid() bool {
	return u == Versioned || u == Unversioned
}

func (u UpdateType) String() string {
	if u == Unversioned {
		return "unversioned"
	}
	return "versioned"
}

// PropertyMap holds the multi-valued properties of one entity, keyed by
// property type id. Values are arbitrary JSON-representable data.
type PropertyMap map[uuid.UUID][]interface{}

// PropertyTypeMeta is the per-call schema/authorization view of one property
// type, supplied by the external registry. The store never looks these up
// itself.
type PropertyTypeMeta struct {
	ID       uuid.UUID `json:"id"`
	FQN      string    `json:"type"`
	Datatype string    `json:"datatype"`
}

// EndpointRef names an association endpoint either by explicit EntityKey or
// by position into the entity batch created in the same call.
type EndpointRef struct {
	Key   *EntityKey `json:"key,omitempty"`
	Index int        `json:"index"`
}

// KeyRef builds an EndpointRef addressing an explicit entity key.
func KeyRef(key EntityKey) EndpointRef {
	return EndpointRef{Key: &key, Index: -1}
}

// IndexRef builds an EndpointRef addressing the i-th entity created in the
// same bulk call.
func IndexRef(i int) EndpointRef {
	return EndpointRef{Index: i}
}

// Association describes one edge to create: the edge's own entity key, its
// two endpoints, and the edge entity's properties.
type Association struct {
	Key     EntityKey   `json:"key"`
	Src     EndpointRef `json:"src"`
	Dst     EndpointRef `json:"dst"`
	Details PropertyMap `json:"details"`
}

// Direction distinguishes outgoing from incoming edges relative to a vertex
// or entity set.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// NeighborTriplet summarises one kind of reachable neighbor from an entity
// set: the association's entity type, the neighbor's entity type, and
// whether the set's entities sit on the src or dst side.
type NeighborTriplet struct {
	AssociationTypeID uuid.UUID `json:"associationTypeId"`
	NeighborTypeID    uuid.UUID `json:"neighborTypeId"`
	Direction         Direction `json:"direction"`
}

// NeighborFilter restricts a top-neighbor aggregation: association type id
// to the neighbor entity types admitted through it. An empty type list
// admits any neighbor type for that association.
type NeighborFilter map[uuid.UUID][]uuid.UUID

// RankedEntity is one entry of a top-neighbor ranking.
type RankedEntity struct {
	EntityKeyID uuid.UUID `json:"entityKeyId"`
	Weight      int64     `json:"weight"`
}

// EntityRow is one row of a streaming read: the row id (entity key id, or
// linking id for linked reads) and the values keyed by property FQN.
type EntityRow struct {
	ID         uuid.UUID                `json:"id"`
	Properties map[string][]interface{} `json:"properties"`
}
