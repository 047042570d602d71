package spans

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/model"
)

// MigrationBatchSize is the number of spans read and rewritten per step.
const MigrationBatchSize = 1000

// SpanStore pages through and rewrites stored spans. *storage.DB implements it.
type SpanStore interface {
	SpanBatch(ctx context.Context, after uuid.UUID, limit int) ([]model.Span, error)
	UpdateSpanRawData(ctx context.Context, spans []model.Span) error
}

// MigrationStats reports a migration run.
type MigrationStats struct {
	Scanned int
	Updated int
	Batches int
}

// Migrate normalizes the raw data of every stored span, one batch per
// transaction. It only moves forward: batches already written stay written
// when a later batch fails, and rerunning resumes cheaply because normalized
// spans are left untouched.
func Migrate(ctx context.Context, store SpanStore, batchSize int, logger *slog.Logger) (MigrationStats, error) {
	if batchSize <= 0 {
		batchSize = MigrationBatchSize
	}
	var (
		stats MigrationStats
		after uuid.UUID
	)
	for {
		batch, err := store.SpanBatch(ctx, after, batchSize)
		if err != nil {
			return stats, fmt.Errorf("spans: migrate: read after %s: %w", after, err)
		}
		if len(batch) == 0 {
			return stats, nil
		}
		stats.Batches++
		stats.Scanned += len(batch)
		after = batch[len(batch)-1].ID

		var changed []model.Span
		for _, s := range batch {
			normalized := Normalize(s.RawData)
			if reflect.DeepEqual(normalized, s.RawData) {
				continue
			}
			s.RawData = normalized
			changed = append(changed, s)
		}
		if err := store.UpdateSpanRawData(ctx, changed); err != nil {
			return stats, fmt.Errorf("spans: migrate: write batch ending %s: %w", after, err)
		}
		stats.Updated += len(changed)
		logger.Info("spans: migrated batch", "scanned", stats.Scanned, "updated", stats.Updated)

		if len(batch) < batchSize {
			return stats, nil
		}
	}
}
