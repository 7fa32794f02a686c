package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/loom/pkg/models"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements the Store interface using a SQLite database.
// SQLite serialises writers, which is what gives the identity table its
// first-writer-wins behaviour: INSERT OR IGNORE either binds the candidate
// id or leaves the winner in place, and the read-back returns whichever won.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	config SQLiteConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	DBPath      string
	CacheSize   int // Page cache size in KB
	BusyTimeout int // Milliseconds to wait on locked database
}

// NewSQLiteStore creates a new SQLite-based storage
func NewSQLiteStore(dbPath string, config SQLiteConfig) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "loom.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		config: config,
	}

	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize creates the necessary tables and indexes
func (s *SQLiteStore) initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSize),
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.config.BusyTimeout),
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		-- EntityKey -> EntityKeyId surrogate mapping. Never deleted, even by
		-- hard deletes, to rule out id reuse.
		CREATE TABLE IF NOT EXISTS entity_keys (
			entity_set_id TEXT NOT NULL,
			external_id   TEXT NOT NULL,
			entity_key_id TEXT NOT NULL UNIQUE,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (entity_set_id, external_id)
		);

		CREATE INDEX IF NOT EXISTS idx_entity_keys_id ON entity_keys(entity_key_id);

		-- One row per distinct property value. A negative version tombstones
		-- the row; history keeps every version ever written to the slot.
		CREATE TABLE IF NOT EXISTS property_values (
			entity_set_id    TEXT NOT NULL,
			entity_key_id    TEXT NOT NULL,
			property_type_id TEXT NOT NULL,
			content_hash     INTEGER NOT NULL,
			value            TEXT NOT NULL,
			version          INTEGER NOT NULL,
			history          TEXT NOT NULL,
			last_write       INTEGER NOT NULL,
			PRIMARY KEY (entity_set_id, entity_key_id, property_type_id, content_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_pv_entity ON property_values(entity_set_id, entity_key_id);
		CREATE INDEX IF NOT EXISTS idx_pv_set ON property_values(entity_set_id, property_type_id);

		-- Row-level entity metadata. last_index belongs to the external
		-- index synchronizer.
		CREATE TABLE IF NOT EXISTS entity_metadata (
			entity_set_id TEXT NOT NULL,
			entity_key_id TEXT NOT NULL,
			version       INTEGER NOT NULL,
			last_write    INTEGER NOT NULL,
			last_index    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_set_id, entity_key_id)
		);

		-- Typed adjacency rows.
		CREATE TABLE IF NOT EXISTS edges (
			edge_key_id  TEXT NOT NULL,
			edge_set_id  TEXT NOT NULL,
			edge_type_id TEXT NOT NULL,
			src_key_id   TEXT NOT NULL,
			src_set_id   TEXT NOT NULL,
			src_type_id  TEXT NOT NULL,
			dst_key_id   TEXT NOT NULL,
			dst_set_id   TEXT NOT NULL,
			dst_type_id  TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			PRIMARY KEY (edge_key_id, src_key_id, dst_key_id)
		);

		CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_set_id, edge_type_id, dst_type_id);
		CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_set_id, edge_type_id, src_type_id);
		CREATE INDEX IF NOT EXISTS idx_edges_src_key ON edges(src_key_id);
		CREATE INDEX IF NOT EXISTS idx_edges_dst_key ON edges(dst_key_id);

		-- Linking ids recorded by the external record-linking subsystem.
		CREATE TABLE IF NOT EXISTS linking_ids (
			entity_key_id TEXT PRIMARY KEY,
			linking_id    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_linking_id ON linking_ids(linking_id);

		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)",
		time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// Info returns store information
func (s *SQLiteStore) Info() StoreInfo {
	return StoreInfo{
		Type:                "sqlite",
		Version:             "1.0.0",
		SupportsLinking:     true,
		SupportsTransaction: true,
	}
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- identity ---

// AssignEntityKeyID binds candidate to the key unless a binding exists.
func (s *SQLiteStore) AssignEntityKeyID(ctx context.Context, entitySetID uuid.UUID, externalID string, candidate uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_keys (entity_set_id, external_id, entity_key_id, created_at)
		VALUES (?, ?, ?, ?)
	`, entitySetID.String(), externalID, candidate.String(), time.Now().UnixMilli())
	if err != nil {
		return uuid.Nil, false, unavailable(err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return uuid.Nil, false, unavailable(err)
	}

	var winner string
	err = s.db.QueryRowContext(ctx, `
		SELECT entity_key_id FROM entity_keys
		WHERE entity_set_id = ? AND external_id = ?
	`, entitySetID.String(), externalID).Scan(&winner)
	if err != nil {
		return uuid.Nil, false, unavailable(err)
	}

	id, err := uuid.Parse(winner)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt entity key id %q: %w", winner, err)
	}

	return id, inserted > 0, nil
}

// LookupEntityKeyID returns the id bound to the key
func (s *SQLiteStore) LookupEntityKeyID(ctx context.Context, entitySetID uuid.UUID, externalID string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_key_id FROM entity_keys
		WHERE entity_set_id = ? AND external_id = ?
	`, entitySetID.String(), externalID).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, unavailable(err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt entity key id %q: %w", raw, err)
	}

	return id, nil
}

// LookupEntityKey is the reverse mapping
func (s *SQLiteStore) LookupEntityKey(ctx context.Context, entityKeyID uuid.UUID) (models.EntityKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var setRaw, externalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_set_id, external_id FROM entity_keys
		WHERE entity_key_id = ?
	`, entityKeyID.String()).Scan(&setRaw, &externalID)
	if err == sql.ErrNoRows {
		return models.EntityKey{}, ErrNotFound
	}
	if err != nil {
		return models.EntityKey{}, unavailable(err)
	}

	setID, err := uuid.Parse(setRaw)
	if err != nil {
		return models.EntityKey{}, fmt.Errorf("corrupt entity set id %q: %w", setRaw, err)
	}

	return models.EntityKey{EntitySetID: setID, ExternalID: externalID}, nil
}

// --- property values ---

type valueRow struct {
	version int64
	history []int64
}

func scanValueRow(row *sql.Row) (valueRow, bool, error) {
	var v valueRow
	var historyRaw string
	err := row.Scan(&v.version, &historyRaw)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	if err != nil {
		return v, false, unavailable(err)
	}
	if err := json.Unmarshal([]byte(historyRaw), &v.history); err != nil {
		return v, false, fmt.Errorf("corrupt version history: %w", err)
	}
	return v, true, nil
}

func marshalHistory(history []int64) string {
	data, _ := json.Marshal(history)
	return string(data)
}

// MergeValues inserts absent values and revives tombstoned ones.
func (s *SQLiteStore) MergeValues(ctx context.Context, entitySetID, entityKeyID uuid.UUID, writes []ValueWrite, version int64, monotone bool) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	written := 0

	for _, w := range writes {
		n, err := s.mergeOne(ctx, tx, entitySetID, entityKeyID, w, version, monotone, now)
		if err != nil {
			return 0, err
		}
		written += n
	}

	if written > 0 {
		if err := touchEntity(ctx, tx, entitySetID, entityKeyID, version, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}

	return written, nil
}

func (s *SQLiteStore) mergeOne(ctx context.Context, tx *sql.Tx, entitySetID, entityKeyID uuid.UUID, w ValueWrite, version int64, monotone bool, now int64) (int, error) {
	existing, found, err := scanValueRow(tx.QueryRowContext(ctx, `
		SELECT version, history FROM property_values
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
	`, entitySetID.String(), entityKeyID.String(), w.PropertyTypeID.String(), int64(w.ContentHash)))
	if err != nil {
		return 0, err
	}

	if !found {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO property_values
				(entity_set_id, entity_key_id, property_type_id, content_hash, value, version, history, last_write)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, entitySetID.String(), entityKeyID.String(), w.PropertyTypeID.String(),
			int64(w.ContentHash), string(w.Value), version, marshalHistory([]int64{version}), now)
		if err != nil {
			return 0, unavailable(err)
		}
		return 1, nil
	}

	if existing.version > 0 {
		// Live duplicate: idempotent merge, nothing to write.
		return 0, nil
	}

	// Revival of a tombstoned value. The new version must exceed the slot's
	// previous live version for Versioned writers.
	newVersion := version
	if prev := -existing.version; monotone && newVersion <= prev {
		newVersion = prev + 1
	}
	history := append(existing.history, newVersion)

	_, err = tx.ExecContext(ctx, `
		UPDATE property_values SET value = ?, version = ?, history = ?, last_write = ?
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
	`, string(w.Value), newVersion, marshalHistory(history), now,
		entitySetID.String(), entityKeyID.String(), w.PropertyTypeID.String(), int64(w.ContentHash))
	if err != nil {
		return 0, unavailable(err)
	}
	return 1, nil
}

// TombstoneMissing soft-deletes live values of the property not in keepHashes.
func (s *SQLiteStore) TombstoneMissing(ctx context.Context, entitySetID, entityKeyID, propertyTypeID uuid.UUID, keepHashes []uint64, version int64, monotone bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	keep := make(map[int64]bool, len(keepHashes))
	for _, h := range keepHashes {
		keep[int64(h)] = true
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT content_hash, version, history FROM property_values
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND version > 0
	`, entitySetID.String(), entityKeyID.String(), propertyTypeID.String())
	if err != nil {
		return 0, unavailable(err)
	}

	type doomed struct {
		hash    int64
		version int64
		history []int64
	}
	var victims []doomed
	for rows.Next() {
		var d doomed
		var historyRaw string
		if err := rows.Scan(&d.hash, &d.version, &historyRaw); err != nil {
			rows.Close()
			return 0, unavailable(err)
		}
		if keep[d.hash] {
			continue
		}
		if err := json.Unmarshal([]byte(historyRaw), &d.history); err != nil {
			rows.Close()
			return 0, fmt.Errorf("corrupt version history: %w", err)
		}
		victims = append(victims, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, unavailable(err)
	}
	rows.Close()

	now := time.Now().UnixMilli()
	for _, d := range victims {
		magnitude := version
		if monotone && magnitude <= d.version {
			magnitude = d.version + 1
		}
		newVersion := -magnitude
		history := append(d.history, newVersion)

		_, err := tx.ExecContext(ctx, `
			UPDATE property_values SET version = ?, history = ?, last_write = ?
			WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
		`, newVersion, marshalHistory(history), now,
			entitySetID.String(), entityKeyID.String(), propertyTypeID.String(), d.hash)
		if err != nil {
			return 0, unavailable(err)
		}
	}

	if len(victims) > 0 {
		if err := touchEntity(ctx, tx, entitySetID, entityKeyID, version, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}

	return len(victims), nil
}

// ReplaceValue swaps one value for another, carrying the history forward.
func (s *SQLiteStore) ReplaceValue(ctx context.Context, entitySetID, entityKeyID uuid.UUID, repl ValueReplace, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	existing, found, err := scanValueRow(tx.QueryRowContext(ctx, `
		SELECT version, history FROM property_values
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ? AND version > 0
	`, entitySetID.String(), entityKeyID.String(), repl.PropertyTypeID.String(), int64(repl.OldHash)))
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	now := time.Now().UnixMilli()
	magnitude := version
	if magnitude <= existing.version {
		magnitude = existing.version + 1
	}

	tombHistory := append(append([]int64{}, existing.history...), -magnitude)
	_, err = tx.ExecContext(ctx, `
		UPDATE property_values SET version = ?, history = ?, last_write = ?
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
	`, -magnitude, marshalHistory(tombHistory), now,
		entitySetID.String(), entityKeyID.String(), repl.PropertyTypeID.String(), int64(repl.OldHash))
	if err != nil {
		return unavailable(err)
	}

	// The replacement inherits the replaced slot's lineage.
	newHistory := append(append([]int64{}, existing.history...), magnitude)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO property_values
			(entity_set_id, entity_key_id, property_type_id, content_hash, value, version, history, last_write)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_set_id, entity_key_id, property_type_id, content_hash) DO UPDATE SET
			value = excluded.value, version = excluded.version,
			history = excluded.history, last_write = excluded.last_write
	`, entitySetID.String(), entityKeyID.String(), repl.PropertyTypeID.String(),
		int64(repl.Write.ContentHash), string(repl.Write.Value), magnitude, marshalHistory(newHistory), now)
	if err != nil {
		return unavailable(err)
	}

	if err := touchEntity(ctx, tx, entitySetID, entityKeyID, magnitude, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}

	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// TombstoneProperties soft-deletes all live values of the given properties.
func (s *SQLiteStore) TombstoneProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, propertyTypeIDs []uuid.UUID, version int64) (int, error) {
	if len(propertyTypeIDs) == 0 {
		return 0, fmt.Errorf("%w: no property types given", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	query := `
		SELECT entity_key_id, property_type_id, content_hash, version, history FROM property_values
		WHERE entity_set_id = ? AND version > 0 AND property_type_id IN (` + placeholders(len(propertyTypeIDs)) + `)`
	args := []interface{}{entitySetID.String()}
	for _, pt := range propertyTypeIDs {
		args = append(args, pt.String())
	}
	if len(entityKeyIDs) > 0 {
		query += ` AND entity_key_id IN (` + placeholders(len(entityKeyIDs)) + `)`
		for _, ek := range entityKeyIDs {
			args = append(args, ek.String())
		}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable(err)
	}

	type doomed struct {
		entityKey string
		propType  string
		hash      int64
		version   int64
		history   []int64
	}
	var victims []doomed
	for rows.Next() {
		var d doomed
		var historyRaw string
		if err := rows.Scan(&d.entityKey, &d.propType, &d.hash, &d.version, &historyRaw); err != nil {
			rows.Close()
			return 0, unavailable(err)
		}
		if err := json.Unmarshal([]byte(historyRaw), &d.history); err != nil {
			rows.Close()
			return 0, fmt.Errorf("corrupt version history: %w", err)
		}
		victims = append(victims, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, unavailable(err)
	}
	rows.Close()

	now := time.Now().UnixMilli()
	touched := make(map[string]bool)
	for _, d := range victims {
		magnitude := version
		if magnitude <= d.version {
			magnitude = d.version + 1
		}
		newVersion := -magnitude
		history := append(d.history, newVersion)

		_, err := tx.ExecContext(ctx, `
			UPDATE property_values SET version = ?, history = ?, last_write = ?
			WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
		`, newVersion, marshalHistory(history), now, entitySetID.String(), d.entityKey, d.propType, d.hash)
		if err != nil {
			return 0, unavailable(err)
		}
		touched[d.entityKey] = true
	}

	for ek := range touched {
		ekID, err := uuid.Parse(ek)
		if err != nil {
			return 0, fmt.Errorf("corrupt entity key id %q: %w", ek, err)
		}
		if err := touchEntity(ctx, tx, entitySetID, ekID, version, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}

	return len(victims), nil
}

// DeleteProperties physically removes rows. Identity mappings survive.
func (s *SQLiteStore) DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, propertyTypeIDs []uuid.UUID) (int, error) {
	if len(propertyTypeIDs) == 0 {
		return 0, fmt.Errorf("%w: no property types given", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM property_values
		WHERE entity_set_id = ? AND property_type_id IN (` + placeholders(len(propertyTypeIDs)) + `)`
	args := []interface{}{entitySetID.String()}
	for _, pt := range propertyTypeIDs {
		args = append(args, pt.String())
	}
	if len(entityKeyIDs) > 0 {
		query += ` AND entity_key_id IN (` + placeholders(len(entityKeyIDs)) + `)`
		for _, ek := range entityKeyIDs {
			args = append(args, ek.String())
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}

	return int(affected), nil
}

// GetValueMetadata returns the version record of one value row
func (s *SQLiteStore) GetValueMetadata(ctx context.Context, entitySetID, entityKeyID, propertyTypeID uuid.UUID, contentHash uint64) (models.PropertyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta models.PropertyMetadata
	var historyRaw string
	var lastWrite int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version, history, last_write FROM property_values
		WHERE entity_set_id = ? AND entity_key_id = ? AND property_type_id = ? AND content_hash = ?
	`, entitySetID.String(), entityKeyID.String(), propertyTypeID.String(), int64(contentHash)).
		Scan(&meta.Version, &historyRaw, &lastWrite)
	if err == sql.ErrNoRows {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, unavailable(err)
	}

	if err := json.Unmarshal([]byte(historyRaw), &meta.History); err != nil {
		return meta, fmt.Errorf("corrupt version history: %w", err)
	}
	meta.ContentHash = contentHash
	meta.LastWrite = time.UnixMilli(lastWrite)

	return meta, nil
}

// GetEntityMetadata returns the row-level metadata of one entity
func (s *SQLiteStore) GetEntityMetadata(ctx context.Context, entitySetID, entityKeyID uuid.UUID) (models.EntityDataMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta models.EntityDataMetadata
	var lastWrite, lastIndex int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version, last_write, last_index FROM entity_metadata
		WHERE entity_set_id = ? AND entity_key_id = ?
	`, entitySetID.String(), entityKeyID.String()).Scan(&meta.Version, &lastWrite, &lastIndex)
	if err == sql.ErrNoRows {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, unavailable(err)
	}

	meta.LastWrite = time.UnixMilli(lastWrite)
	if lastIndex > 0 {
		meta.LastIndex = time.UnixMilli(lastIndex)
	}

	return meta, nil
}

// MarkIndexed records the index synchronizer's progress for an entity
func (s *SQLiteStore) MarkIndexed(ctx context.Context, entitySetID, entityKeyID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_metadata (entity_set_id, entity_key_id, version, last_write, last_index)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(entity_set_id, entity_key_id) DO UPDATE SET last_index = excluded.last_index
	`, entitySetID.String(), entityKeyID.String(), at.UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// SetLinkingIDs records entityKeyID -> linkingID pairs for linked reads
func (s *SQLiteStore) SetLinkingIDs(ctx context.Context, links map[uuid.UUID]uuid.UUID) error {
	if len(links) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	for entityKeyID, linkingID := range links {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO linking_ids (entity_key_id, linking_id) VALUES (?, ?)
			ON CONFLICT(entity_key_id) DO UPDATE SET linking_id = excluded.linking_id
		`, entityKeyID.String(), linkingID.String())
		if err != nil {
			return unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// touchEntity bumps the row-level metadata inside the caller's transaction.
func touchEntity(ctx context.Context, tx *sql.Tx, entitySetID, entityKeyID uuid.UUID, version, now int64) error {
	if version < 0 {
		version = -version
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entity_metadata (entity_set_id, entity_key_id, version, last_write, last_index)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(entity_set_id, entity_key_id) DO UPDATE SET
			version = MAX(entity_metadata.version, excluded.version),
			last_write = excluded.last_write
	`, entitySetID.String(), entityKeyID.String(), version, now)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// --- streaming reads ---

// ValueRows streams live property value rows ordered by row id. The caller
// must Close it; the read lock is held until then.
type ValueRows struct {
	rows   *sql.Rows
	unlock func()
	closed bool
}

// Next advances to the next value row
func (r *ValueRows) Next() bool {
	return r.rows.Next()
}

// Scan reads the current row: the row id (entity key id, or linking id for
// linked scans), the property type id, and the stored JSON value.
func (r *ValueRows) Scan() (uuid.UUID, uuid.UUID, json.RawMessage, error) {
	var rowRaw, ptRaw, value string
	if err := r.rows.Scan(&rowRaw, &ptRaw, &value); err != nil {
		return uuid.Nil, uuid.Nil, nil, unavailable(err)
	}
	rowID, err := uuid.Parse(rowRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("corrupt row id %q: %w", rowRaw, err)
	}
	ptID, err := uuid.Parse(ptRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("corrupt property type id %q: %w", ptRaw, err)
	}
	return rowID, ptID, json.RawMessage(value), nil
}

// Err returns the iteration error, if any
func (r *ValueRows) Err() error {
	return r.rows.Err()
}

// Close releases the result set and the store's read lock
func (r *ValueRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	r.unlock()
	return err
}

// ScanValues streams live value rows matching the request.
func (s *SQLiteStore) ScanValues(ctx context.Context, req ScanRequest) (*ValueRows, error) {
	if len(req.EntitySets) == 0 {
		return nil, fmt.Errorf("%w: no entity sets given", ErrInvalidArgument)
	}

	var setClauses []string
	var args []interface{}
	for setID, propertyTypes := range req.EntitySets {
		if len(propertyTypes) == 0 {
			continue
		}
		setClauses = append(setClauses,
			`(pv.entity_set_id = ? AND pv.property_type_id IN (`+placeholders(len(propertyTypes))+`))`)
		args = append(args, setID.String())
		for _, pt := range propertyTypes {
			args = append(args, pt.String())
		}
	}
	if len(setClauses) == 0 {
		setClauses = append(setClauses, "1 = 0")
	}

	where := `pv.version > 0 AND (` + strings.Join(setClauses, " OR ") + `)`
	if len(req.EntityKeyIDs) > 0 {
		where += ` AND pv.entity_key_id IN (` + placeholders(len(req.EntityKeyIDs)) + `)`
		for _, ek := range req.EntityKeyIDs {
			args = append(args, ek.String())
		}
	}

	var query string
	if req.Linking {
		query = `
			SELECT l.linking_id, pv.property_type_id, pv.value
			FROM property_values pv
			JOIN linking_ids l ON l.entity_key_id = pv.entity_key_id
			WHERE ` + where + `
			ORDER BY l.linking_id, pv.property_type_id`
	} else {
		query = `
			SELECT pv.entity_key_id, pv.property_type_id, pv.value
			FROM property_values pv
			WHERE ` + where + `
			ORDER BY pv.entity_key_id, pv.property_type_id`
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.mu.RUnlock()
		return nil, unavailable(err)
	}

	return &ValueRows{rows: rows, unlock: s.mu.RUnlock}, nil
}

// ScrubTombstones hard-deletes rows tombstoned before the cutoff
func (s *SQLiteStore) ScrubTombstones(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM property_values WHERE version < 0 AND last_write < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}

	return int(affected), nil
}

// --- edges ---

// CreateEdge inserts the adjacency row after checking both endpoints and the
// edge entity resolve to assigned key ids.
func (s *SQLiteStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	for _, endpoint := range []uuid.UUID{edge.Key.Edge.EntityKeyID, edge.Key.Src.EntityKeyID, edge.Key.Dst.EntityKeyID} {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM entity_keys WHERE entity_key_id = ?)
		`, endpoint.String()).Scan(&exists)
		if err != nil {
			return unavailable(err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO edges
			(edge_key_id, edge_set_id, edge_type_id,
			 src_key_id, src_set_id, src_type_id,
			 dst_key_id, dst_set_id, dst_type_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, edge.Key.Edge.EntityKeyID.String(), edge.Key.Edge.EntitySetID.String(), edge.EdgeTypeID.String(),
		edge.Key.Src.EntityKeyID.String(), edge.Key.Src.EntitySetID.String(), edge.SrcTypeID.String(),
		edge.Key.Dst.EntityKeyID.String(), edge.Key.Dst.EntitySetID.String(), edge.DstTypeID.String(),
		time.Now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteEdge removes the adjacency row only
func (s *SQLiteStore) DeleteEdge(ctx context.Context, key models.EdgeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM edges WHERE edge_key_id = ? AND src_key_id = ? AND dst_key_id = ?
	`, key.Edge.EntityKeyID.String(), key.Src.EntityKeyID.String(), key.Dst.EntityKeyID.String())
	if err != nil {
		return unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteVertex removes every adjacency row the vertex participates in
func (s *SQLiteStore) DeleteVertex(ctx context.Context, entityKeyID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM edges WHERE src_key_id = ? OR dst_key_id = ? OR edge_key_id = ?
	`, entityKeyID.String(), entityKeyID.String(), entityKeyID.String())
	if err != nil {
		return 0, unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(affected), nil
}

// NeighborTriplets summarises reachable association/neighbor type pairs
func (s *SQLiteStore) NeighborTriplets(ctx context.Context, entitySetID uuid.UUID) ([]models.NeighborTriplet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT edge_type_id, dst_type_id, 'out' FROM edges WHERE src_set_id = ?
		UNION
		SELECT DISTINCT edge_type_id, src_type_id, 'in' FROM edges WHERE dst_set_id = ?
	`, entitySetID.String(), entitySetID.String())
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var triplets []models.NeighborTriplet
	for rows.Next() {
		var assocRaw, neighborRaw, direction string
		if err := rows.Scan(&assocRaw, &neighborRaw, &direction); err != nil {
			return nil, unavailable(err)
		}
		assocID, err := uuid.Parse(assocRaw)
		if err != nil {
			return nil, fmt.Errorf("corrupt association type id %q: %w", assocRaw, err)
		}
		neighborID, err := uuid.Parse(neighborRaw)
		if err != nil {
			return nil, fmt.Errorf("corrupt neighbor type id %q: %w", neighborRaw, err)
		}
		triplets = append(triplets, models.NeighborTriplet{
			AssociationTypeID: assocID,
			NeighborTypeID:    neighborID,
			Direction:         models.Direction(direction),
		})
	}

	return triplets, rows.Err()
}

// filterClause builds the OR'd association/neighbor type predicate for one
// side of a top-neighbor aggregation.
func filterClause(filters models.NeighborFilter, neighborColumn string) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	for assocTypeID, neighborTypes := range filters {
		if len(neighborTypes) == 0 {
			clauses = append(clauses, `edge_type_id = ?`)
			args = append(args, assocTypeID.String())
			continue
		}
		clauses = append(clauses,
			`(edge_type_id = ? AND `+neighborColumn+` IN (`+placeholders(len(neighborTypes))+`))`)
		args = append(args, assocTypeID.String())
		for _, nt := range neighborTypes {
			args = append(args, nt.String())
		}
	}
	return strings.Join(clauses, " OR "), args
}

// TopNeighbors ranks neighbors of the entity set by filtered edge count
func (s *SQLiteStore) TopNeighbors(ctx context.Context, entitySetID uuid.UUID, srcFilters, dstFilters models.NeighborFilter, k int) ([]models.RankedEntity, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}

	var subqueries []string
	var args []interface{}

	if len(srcFilters) > 0 {
		clause, clauseArgs := filterClause(srcFilters, "dst_type_id")
		subqueries = append(subqueries, `
			SELECT dst_key_id AS neighbor, COUNT(*) AS c FROM edges
			WHERE src_set_id = ? AND (`+clause+`) GROUP BY dst_key_id`)
		args = append(args, entitySetID.String())
		args = append(args, clauseArgs...)
	}
	if len(dstFilters) > 0 {
		clause, clauseArgs := filterClause(dstFilters, "src_type_id")
		subqueries = append(subqueries, `
			SELECT src_key_id AS neighbor, COUNT(*) AS c FROM edges
			WHERE dst_set_id = ? AND (`+clause+`) GROUP BY src_key_id`)
		args = append(args, entitySetID.String())
		args = append(args, clauseArgs...)
	}
	if len(subqueries) == 0 {
		return nil, nil
	}

	query := `
		SELECT neighbor, SUM(c) AS weight FROM (` + strings.Join(subqueries, " UNION ALL ") + `)
		GROUP BY neighbor ORDER BY weight DESC, neighbor ASC LIMIT ?`
	args = append(args, k)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var ranked []models.RankedEntity
	for rows.Next() {
		var neighborRaw string
		var weight int64
		if err := rows.Scan(&neighborRaw, &weight); err != nil {
			return nil, unavailable(err)
		}
		neighborID, err := uuid.Parse(neighborRaw)
		if err != nil {
			return nil, fmt.Errorf("corrupt neighbor id %q: %w", neighborRaw, err)
		}
		ranked = append(ranked, models.RankedEntity{EntityKeyID: neighborID, Weight: weight})
	}

	return ranked, rows.Err()
}
