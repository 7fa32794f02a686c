package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/config"
	"github.com/ha1tch/loom/pkg/datagraph"
	"github.com/ha1tch/loom/pkg/edm"
	"github.com/ha1tch/loom/pkg/graph"
	"github.com/ha1tch/loom/pkg/identity"
	"github.com/ha1tch/loom/pkg/models"
	"github.com/ha1tch/loom/pkg/propstore"
	"github.com/ha1tch/loom/pkg/storage"
)

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	identity  *identity.Service
	props     *propstore.Service
	graph     *graph.Service
	datagraph *datagraph.Service
	registry  *edm.Registry
	logger    zerolog.Logger
	router    *chi.Mux
}

// New creates a new server instance
func New(
	cfg *config.Config,
	identitySvc *identity.Service,
	props *propstore.Service,
	graphSvc *graph.Service,
	orchestrator *datagraph.Service,
	registry *edm.Registry,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		identity:  identitySvc,
		props:     props,
		graph:     graphSvc,
		datagraph: orchestrator,
		registry:  registry,
		logger:    logger,
		router:    chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// Health check
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Identity operations
		r.Post("/ids/{entitySetId}", s.handleResolveIDs)
		r.Post("/ids/{entitySetId}/reserve", s.handleReserveIDs)
		r.Get("/ids/entity/{entityKeyId}", s.handleReverseLookup)

		// Entity data operations
		r.Post("/data/{entitySetId}", s.handleCreateEntities)
		r.Put("/data/{entitySetId}", s.handleReplaceEntities)
		r.Patch("/data/{entitySetId}", s.handlePartialReplace)
		r.Post("/data/{entitySetId}/values", s.handleReplaceValues)
		r.Post("/data/{entitySetId}/query", s.handleRead)
		r.Delete("/data/{entitySetId}", s.handleClearEntities)
		r.Delete("/data/{entitySetId}/{entityKeyId}", s.handleDeleteEntity)
		r.Get("/data/{entitySetId}/{entityKeyId}/metadata", s.handleEntityMetadata)

		// Linking ids, written by the external record-linking subsystem
		r.Post("/linking", s.handleSetLinkingIDs)

		// Graph operations
		r.Post("/graph", s.handleCreateGraph)
		r.Post("/graph/associations", s.handleCreateAssociations)
		r.Delete("/graph/associations", s.handleDeleteAssociation)
		r.Get("/graph/{entitySetId}/neighbors", s.handleNeighbors)
		r.Post("/graph/{entitySetId}/top", s.handleTopUtilizers)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info().Str("addr", addr).Msg("Starting server")
	return http.ListenAndServe(addr, s.router)
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
	})
}

// handleVersion returns server version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps storage sentinel errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrEndpointNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// authorizedProperties resolves the request's property scope. A properties
// query parameter restricts it to the named ids; otherwise every registered
// property type is in scope.
func (s *Server) authorizedProperties(r *http.Request) (map[uuid.UUID]models.PropertyTypeMeta, error) {
	raw := r.URL.Query().Get("properties")
	if raw == "" {
		return s.registry.All(), nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid property type id %q", part)
		}
		ids = append(ids, id)
	}
	return s.registry.ResolveSet(ids)
}

func parseUpdateType(r *http.Request) (models.UpdateType, error) {
	switch r.URL.Query().Get("type") {
	case "", "versioned":
		return models.Versioned, nil
	case "unversioned":
		return models.Unversioned, nil
	default:
		return models.Versioned, fmt.Errorf("invalid update type %q", r.URL.Query().Get("type"))
	}
}

// batchStatus picks the response status for a bulk result: 200 for full
// success, 207 when some sub-writes failed.
func batchStatus(result models.BatchResult) int {
	if result.Partial() {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}
