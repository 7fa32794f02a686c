package indexer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/models"
)

// Indexer is the search-index synchronizer seam. Notifications are
// best-effort: the store never waits for index acknowledgment and never
// rolls back on index failure.
type Indexer interface {
	EntityWritten(ctx context.Context, key models.EntityDataKey, version int64)
	EntityDeleted(ctx context.Context, key models.EntityDataKey)
	EdgeWritten(ctx context.Context, key models.EdgeKey)
	EdgeDeleted(ctx context.Context, key models.EdgeKey)
}

// LogIndexer is the default Indexer: it records notifications in the log
// and nothing else. A real deployment swaps in a search-cluster client.
type LogIndexer struct {
	logger zerolog.Logger
}

// NewLogIndexer creates a logging indexer
func NewLogIndexer(logger zerolog.Logger) *LogIndexer {
	return &LogIndexer{logger: logger.With().Str("component", "indexer").Logger()}
}

func (l *LogIndexer) EntityWritten(ctx context.Context, key models.EntityDataKey, version int64) {
	l.logger.Debug().
		Str("entity_set", key.EntitySetID.String()).
		Str("entity_key_id", key.EntityKeyID.String()).
		Int64("version", version).
		Msg("entity written")
}

func (l *LogIndexer) EntityDeleted(ctx context.Context, key models.EntityDataKey) {
	l.logger.Debug().
		Str("entity_set", key.EntitySetID.String()).
		Str("entity_key_id", key.EntityKeyID.String()).
		Msg("entity deleted")
}

func (l *LogIndexer) EdgeWritten(ctx context.Context, key models.EdgeKey) {
	l.logger.Debug().
		Str("edge", key.Edge.EntityKeyID.String()).
		Msg("edge written")
}

func (l *LogIndexer) EdgeDeleted(ctx context.Context, key models.EdgeKey) {
	l.logger.Debug().
		Str("edge", key.Edge.EntityKeyID.String()).
		Msg("edge deleted")
}
