package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ha1tch/loom/pkg/datagraph"
	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/propstore"
)

// handleResolveIDs resolves a batch of external ids to entity key ids
func (s *Server) handleResolveIDs(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var externalIDs []string
	if err := json.NewDecoder(r.Body).Decode(&externalIDs); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resolved, err := s.identity.ResolveBatch(r.Context(), entitySetID, externalIDs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resolved)
}

// handleReserveIDs pre-allocates entity key ids with no external id yet
func (s *Server) handleReserveIDs(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = 1
	}

	ids, err := s.identity.Reserve(r.Context(), entitySetID, count)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ids)
}

// handleReverseLookup returns the entity key an id was assigned for
func (s *Server) handleReverseLookup(w http.ResponseWriter, r *http.Request) {
	entityKeyID, err := parseUUIDParam(r, "entityKeyId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := s.identity.ReverseLookup(r.Context(), entityKeyID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, key)
}

// handleCreateEntities resolves ids and merges properties for a batch of
// entities keyed by external id
func (s *Server) handleCreateEntities(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entities map[string]models.PropertyMap
	if err := json.NewDecoder(r.Body).Decode(&entities); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	result, err := s.datagraph.CreateEntities(r.Context(), entitySetID, entities, authorized)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, batchStatus(result), result)
}

// entityBatch is the body of replace-style writes: properties keyed by
// already-resolved entity key id.
type entityBatch map[uuid.UUID]models.PropertyMap

// handleReplaceEntities performs a full replace over authorized properties
func (s *Server) handleReplaceEntities(w http.ResponseWriter, r *http.Request) {
	s.handleReplace(w, r, false)
}

// handlePartialReplace replaces only the submitted properties
func (s *Server) handlePartialReplace(w http.ResponseWriter, r *http.Request) {
	s.handleReplace(w, r, true)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request, partial bool) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updateType, err := parseUpdateType(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entities entityBatch
	if err := json.NewDecoder(r.Body).Decode(&entities); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var event models.WriteEvent
	if partial {
		event, err = s.props.PartialReplace(r.Context(), entitySetID, entities, authorized, updateType)
	} else {
		event, err = s.props.ReplaceEntities(r.Context(), entitySetID, entities, authorized, updateType)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, event)
}

// handleReplaceValues swaps exact values addressed by content
func (s *Server) handleReplaceValues(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var replacements map[uuid.UUID]map[uuid.UUID][]propstore.Replacement
	if err := json.NewDecoder(r.Body).Decode(&replacements); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	event, err := s.props.ReplacePropertiesInEntities(r.Context(), entitySetID, replacements, authorized)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, event)
}

// readQuery is the body of a streaming read.
type readQuery struct {
	EntityKeyIDs []uuid.UUID `json:"entityKeyIds,omitempty"`
	Linking      bool        `json:"linking,omitempty"`
}

// handleRead streams entity rows as a JSON array
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var query readQuery
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	it, err := s.props.Read(r.Context(), propstore.ReadRequest{
		EntitySets:   map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta{entitySetID: authorized},
		EntityKeyIDs: query.EntityKeyIDs,
		Linking:      query.Linking,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer it.Close()

	// Rows are written as they are produced, so the response never
	// materialises the full result set.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	if _, err := w.Write([]byte("[")); err != nil {
		return
	}
	first := true
	for it.Next() {
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return
			}
		}
		first = false
		if err := enc.Encode(it.Row()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stream row")
			return
		}
	}
	if err := it.Err(); err != nil {
		s.logger.Error().Err(err).Msg("Read stream failed")
	}
	_, _ = w.Write([]byte("]"))
}

// handleClearEntities soft-deletes (or with hard=true, physically removes)
// the authorized properties of the given entities
func (s *Server) handleClearEntities(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entityKeyIDs []uuid.UUID
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&entityKeyIDs); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	if r.URL.Query().Get("hard") == "true" {
		n, err := s.props.Delete(r.Context(), entitySetID, entityKeyIDs, authorized)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
		return
	}

	event, err := s.props.Clear(r.Context(), entitySetID, entityKeyIDs, authorized)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, event)
}

// handleDeleteEntity removes one entity's edges and soft-deletes its
// properties
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityKeyID, err := parseUUIDParam(r, "entityKeyId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := models.EntityDataKey{EntitySetID: entitySetID, EntityKeyID: entityKeyID}
	if err := s.datagraph.DeleteEntity(r.Context(), key, authorized); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleEntityMetadata returns one entity's version metadata
func (s *Server) handleEntityMetadata(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityKeyID, err := parseUUIDParam(r, "entityKeyId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta, err := s.props.GetEntityMetadata(r.Context(), entitySetID, entityKeyID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, meta)
}

// handleSetLinkingIDs records linking ids from the record-linking subsystem
func (s *Server) handleSetLinkingIDs(w http.ResponseWriter, r *http.Request) {
	var links map[uuid.UUID]uuid.UUID
	if err := json.NewDecoder(r.Body).Decode(&links); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := s.props.SetLinkingIDs(r.Context(), links); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"linked": len(links)})
}

// graphRequest is the body of a combined entities-and-associations write.
type graphRequest struct {
	Entities     []datagraph.EntityDefinition `json:"entities"`
	Associations []models.Association         `json:"associations"`
}

// handleCreateGraph creates entities and the associations between them in
// one call, with positional endpoint references into the entity batch
func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req graphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// Every set in the request shares the request-level property scope.
	authorizedBySet := make(map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta)
	for _, def := range req.Entities {
		authorizedBySet[def.Key.EntitySetID] = authorized
	}
	for _, assoc := range req.Associations {
		authorizedBySet[assoc.Key.EntitySetID] = authorized
	}

	result, err := s.datagraph.CreateEntitiesAndAssociations(r.Context(), req.Entities, req.Associations, authorizedBySet)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	status := http.StatusOK
	if len(result.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, result)
}

// handleCreateAssociations writes a batch of associations between existing
// entities
func (s *Server) handleCreateAssociations(w http.ResponseWriter, r *http.Request) {
	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var associations []models.Association
	if err := json.NewDecoder(r.Body).Decode(&associations); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	result, err := s.datagraph.CreateAssociations(r.Context(), associations, authorized)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, batchStatus(result), result)
}

// handleDeleteAssociation removes one association edge and its properties
func (s *Server) handleDeleteAssociation(w http.ResponseWriter, r *http.Request) {
	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var key models.EdgeKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := s.datagraph.DeleteAssociation(r.Context(), key, authorized); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleNeighbors returns the neighbor type triplets reachable from a set
func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	triplets, err := s.graph.Neighbors(r.Context(), entitySetID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, triplets)
}

// topUtilizersRequest is the body of a top-utilizer aggregation. NeighborSets
// names the entity sets the ranked neighbors should be hydrated from.
type topUtilizersRequest struct {
	SrcFilters   models.NeighborFilter `json:"srcFilters,omitempty"`
	DstFilters   models.NeighborFilter `json:"dstFilters,omitempty"`
	NeighborSets []uuid.UUID           `json:"neighborSets,omitempty"`
}

// handleTopUtilizers ranks the set's neighbors by filtered edge count and
// returns the top k hydrated with their properties
func (s *Server) handleTopUtilizers(w http.ResponseWriter, r *http.Request) {
	entitySetID, err := parseUUIDParam(r, "entitySetId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := s.authorizedProperties(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	if k <= 0 {
		k = 10
	}

	var req topUtilizersRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	readScope := make(map[uuid.UUID]map[uuid.UUID]models.PropertyTypeMeta, len(req.NeighborSets))
	for _, setID := range req.NeighborSets {
		readScope[setID] = authorized
	}

	utilizers, err := s.datagraph.GetTopUtilizers(r.Context(), entitySetID, req.SrcFilters, req.DstFilters, k, readScope)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, utilizers)
}
