package edm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ha1tch/loom/pkg/models"
)

// Registry is the property-type metadata table the API layer consults to
// build the per-call authorized property maps the core consumes. It stands
// in for the external schema registry; the core packages never import it.
type Registry struct {
	types     map[uuid.UUID]models.PropertyTypeMeta
	byFQN     map[string]uuid.UUID
	schemaDir string
	mu        sync.RWMutex
}

// NewRegistry creates a registry backed by a directory of JSON definitions
func NewRegistry(schemaDir string) *Registry {
	return &Registry{
		types:     make(map[uuid.UUID]models.PropertyTypeMeta),
		byFQN:     make(map[string]uuid.UUID),
		schemaDir: schemaDir,
	}
}

// Register adds or replaces one property type definition
func (r *Registry) Register(meta models.PropertyTypeMeta) error {
	if meta.ID == uuid.Nil {
		return fmt.Errorf("property type %q has no id", meta.FQN)
	}
	if meta.FQN == "" {
		return fmt.Errorf("property type %s has no fully qualified name", meta.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[meta.ID] = meta
	r.byFQN[meta.FQN] = meta.ID
	return nil
}

// LoadFromDir loads every *.json property type definition in the schema
// directory. A missing directory is not an error.
func (r *Registry) LoadFromDir() error {
	entries, err := os.ReadDir(r.schemaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.schemaDir, entry.Name()))
		if err != nil {
			return err
		}

		var metas []models.PropertyTypeMeta
		if err := json.Unmarshal(data, &metas); err != nil {
			// Files may also hold a single definition.
			var meta models.PropertyTypeMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("parse %s: %w", entry.Name(), err)
			}
			metas = []models.PropertyTypeMeta{meta}
		}

		for _, meta := range metas {
			if err := r.Register(meta); err != nil {
				return fmt.Errorf("%s: %w", entry.Name(), err)
			}
		}
	}

	return nil
}

// Get returns one property type definition
func (r *Registry) Get(id uuid.UUID) (models.PropertyTypeMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.types[id]
	return meta, ok
}

// GetByFQN returns one property type definition by fully qualified name
func (r *Registry) GetByFQN(fqn string) (models.PropertyTypeMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFQN[fqn]
	if !ok {
		return models.PropertyTypeMeta{}, false
	}
	return r.types[id], true
}

// ResolveSet builds the property map for the given ids, failing on unknown
// ids so callers cannot silently write unregistered properties.
func (r *Registry) ResolveSet(ids []uuid.UUID) (map[uuid.UUID]models.PropertyTypeMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[uuid.UUID]models.PropertyTypeMeta, len(ids))
	for _, id := range ids {
		meta, ok := r.types[id]
		if !ok {
			return nil, fmt.Errorf("unknown property type %s", id)
		}
		resolved[id] = meta
	}
	return resolved, nil
}

// All returns a copy of every registered property type
func (r *Registry) All() map[uuid.UUID]models.PropertyTypeMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make(map[uuid.UUID]models.PropertyTypeMeta, len(r.types))
	for id, meta := range r.types {
		all[id] = meta
	}
	return all
}
