package embedding

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/mamori/internal/llm"
)

// DefaultMaxEntries bounds the cache before least-recently-used rows are evicted.
const DefaultMaxEntries = 50_000

// Cache is a SQLite-backed store of embedding vectors keyed by content hash
// and model.
type Cache struct {
	db         *sql.DB
	maxEntries int
}

// OpenCache opens (or creates) a cache at path. ":memory:" gives a private
// in-memory cache. maxEntries <= 0 uses DefaultMaxEntries.
func OpenCache(path string, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("embedding: open cache: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			content_hash TEXT NOT NULL,
			model        TEXT NOT NULL,
			vector       BLOB NOT NULL,
			accessed_at  INTEGER NOT NULL,
			PRIMARY KEY (content_hash, model)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_accessed ON embeddings(accessed_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("embedding: init cache: %w", err)
		}
	}
	return &Cache{db: db, maxEntries: maxEntries}, nil
}

// ContentHash returns the SHA-256 hex digest of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for text under model. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, model, text string) (pgvector.Vector, bool, error) {
	hash := ContentHash(text)
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE content_hash = ? AND model = ?`, hash, model,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return pgvector.Vector{}, false, nil
	}
	if err != nil {
		return pgvector.Vector{}, false, fmt.Errorf("embedding: cache get: %w", err)
	}
	v, err := blobToVector(blob)
	if err != nil {
		return pgvector.Vector{}, false, err
	}
	_, _ = c.db.ExecContext(ctx,
		`UPDATE embeddings SET accessed_at = ? WHERE content_hash = ? AND model = ?`,
		time.Now().UnixNano(), hash, model)
	return pgvector.NewVector(v), true, nil
}

// Put stores a vector, then evicts the least recently used rows beyond the limit.
func (c *Cache) Put(ctx context.Context, model, text string, v pgvector.Vector) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO embeddings (content_hash, model, vector, accessed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (content_hash, model) DO UPDATE SET vector = excluded.vector, accessed_at = excluded.accessed_at`,
		ContentHash(text), model, vectorToBlob(v.Slice()), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("embedding: cache put: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE rowid IN (
			SELECT rowid FROM embeddings ORDER BY accessed_at DESC LIMIT -1 OFFSET ?)`, c.maxEntries)
	if err != nil {
		return fmt.Errorf("embedding: cache evict: %w", err)
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("embedding: cache len: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (c *Cache) Close() error { return c.db.Close() }

func vectorToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding: blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}

// Cached serves embeddings from a Cache and sends only misses to the provider.
// Cache errors are logged and treated as misses.
type Cached struct {
	provider Provider
	cache    *Cache
	logger   *slog.Logger
}

// NewCached wraps provider with cache.
func NewCached(provider Provider, cache *Cache, logger *slog.Logger) *Cached {
	return &Cached{provider: provider, cache: cache, logger: logger}
}

// Model returns the wrapped provider's model.
func (c *Cached) Model() string { return c.provider.Model() }

// Embed returns cached vectors where present and embeds the rest.
func (c *Cached) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, llm.TokenConsumption, error) {
	out := make([]pgvector.Vector, len(texts))
	var (
		missing []string
		slots   []int
	)
	model := c.provider.Model()
	for i, t := range texts {
		v, ok, err := c.cache.Get(ctx, model, t)
		if err != nil {
			c.logger.Warn("embedding: cache read failed", "error", err)
		}
		if ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, llm.TokenConsumption{}, nil
	}

	fresh, usage, err := c.provider.Embed(ctx, missing)
	if err != nil {
		return nil, usage, err
	}
	for j, v := range fresh {
		out[slots[j]] = v
		if err := c.cache.Put(ctx, model, missing[j], v); err != nil {
			c.logger.Warn("embedding: cache write failed", "error", err)
		}
	}
	return out, usage, nil
}
