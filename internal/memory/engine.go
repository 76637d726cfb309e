package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/yume/internal/embedding"
	"github.com/nidhogg/yume/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	// DefaultMinScore is the similarity floor applied when the caller
	// passes a non-positive threshold.
	DefaultMinScore float32 = 0.5
	// DefaultMaxResults caps search results when the caller passes a
	// non-positive limit.
	DefaultMaxResults = 20
	// rebuildBatchSize bounds peak memory during a full index rebuild.
	rebuildBatchSize = 100
)

// Store is the document side of the engine. Lookups that find nothing
// return (nil, nil), never an error.
type Store interface {
	Put(ctx context.Context, e *Entry) error
	PutAll(ctx context.Context, entries []*Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetAll(ctx context.Context, ids []string) ([]*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	DeleteAll(ctx context.Context) error
	// Scan streams all entries in batches of batchSize, calling fn per batch.
	Scan(ctx context.Context, batchSize int, fn func(batch []*Entry) error) error
}

// Index is the vector side of the engine.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32) error
	UpsertBatch(ctx context.Context, points []vectorstore.Point) error
	Remove(ctx context.Context, id string) error
	RemoveBatch(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
	Search(ctx context.Context, vector []float32, minScore float32, limit int) ([]vectorstore.Hit, error)
}

// Engine keeps the document store and the vector index in lock-step.
// Every entry in the store has exactly one index point under the same id
// after each successful mutating call.
//
// All mutating operations serialize on one mutex. Writes are rare next to
// reads and searches, so the lost write throughput is an easy trade for
// never interleaving store/index writes. Reads and searches skip the lock;
// a search may observe a write in flight but a completed Save is always
// visible to later searches.
type Engine struct {
	store    Store
	index    Index
	embedder embedding.Provider
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewEngine creates a memory consistency engine.
func NewEngine(store Store, index Index, embedder embedding.Provider, logger *zap.Logger) *Engine {
	return &Engine{store: store, index: index, embedder: embedder, logger: logger}
}

// Save persists the entry to both stores and returns it.
func (e *Engine) Save(ctx context.Context, entry *Entry) (*Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.saveLocked(ctx, []*Entry{entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// SaveAll persists the entries to both stores with a single batched
// embedding call.
func (e *Engine) SaveAll(ctx context.Context, entries []*Entry) ([]*Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.saveLocked(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// saveLocked embeds first, then writes the store, then the index, so an
// embedding failure mutates nothing and a store failure leaves the index
// untouched. Only an index failure after a successful store write opens
// an inconsistency window, surfaced as IndexWriteError.
func (e *Engine) saveLocked(ctx context.Context, entries []*Entry) error {
	now := time.Now().UTC()
	texts := make([]string, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			entry.ID = newEntry(entry.Kind, entry.Content, entry.Place).ID
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.ModifiedAt = now
		texts[i] = entry.EmbeddingText()
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return &EmbeddingError{Err: err}
	}
	if len(vectors) != len(entries) {
		return &EmbeddingError{Err: fmt.Errorf("got %d vectors for %d entries", len(vectors), len(entries))}
	}

	if err := e.store.PutAll(ctx, entries); err != nil {
		return &StoreWriteError{Op: "save", Err: err}
	}

	points := make([]vectorstore.Point, len(entries))
	for i, entry := range entries {
		points[i] = vectorstore.Point{ID: entry.ID, Vector: vectors[i]}
	}
	if err := e.index.UpsertBatch(ctx, points); err != nil {
		e.logger.Error("index write failed after store write, stores inconsistent",
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return &IndexWriteError{Op: "save", Err: err}
	}
	return nil
}

// DeleteByID removes the entry from both stores.
func (e *Engine) DeleteByID(ctx context.Context, id string) error {
	return e.DeleteAllByID(ctx, []string{id})
}

// Delete removes the entry from both stores.
func (e *Engine) Delete(ctx context.Context, entry *Entry) error {
	return e.DeleteAllByID(ctx, []string{entry.ID})
}

// DeleteAll removes the entries from both stores.
func (e *Engine) DeleteAll(ctx context.Context, entries []*Entry) error {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return e.DeleteAllByID(ctx, ids)
}

// DeleteAllByID removes the ids from both stores.
func (e *Engine) DeleteAllByID(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteMany(ctx, ids); err != nil {
		return &StoreWriteError{Op: "delete", Err: err}
	}
	if err := e.index.RemoveBatch(ctx, ids); err != nil {
		e.logger.Error("index remove failed after store delete, stores inconsistent",
			zap.Strings("ids", ids),
			zap.Error(err))
		return &IndexWriteError{Op: "delete", Err: err}
	}
	return nil
}

// Clear removes every entry from both stores.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clearLocked(ctx)
}

func (e *Engine) clearLocked(ctx context.Context) error {
	if err := e.store.DeleteAll(ctx); err != nil {
		return &StoreWriteError{Op: "clear", Err: err}
	}
	if err := e.index.Clear(ctx); err != nil {
		return &IndexWriteError{Op: "clear", Err: err}
	}
	return nil
}

// FindByID returns the entry, or (nil, nil) when absent.
func (e *Engine) FindByID(ctx context.Context, id string) (*Entry, error) {
	return e.store.Get(ctx, id)
}

// ExistsByID reports whether an entry with the id is stored.
func (e *Engine) ExistsByID(ctx context.Context, id string) (bool, error) {
	entry, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// FindAll returns every stored entry.
func (e *Engine) FindAll(ctx context.Context) ([]*Entry, error) {
	return e.store.List(ctx)
}

// FindAllByID returns the entries for the given ids; missing ids are skipped.
func (e *Engine) FindAllByID(ctx context.Context, ids []string) ([]*Entry, error) {
	return e.store.GetAll(ctx, ids)
}

// Count returns the number of stored entries.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	return e.store.Count(ctx)
}

// RebuildIndex clears the vector index and re-embeds every stored entry
// in batches, holding the write lock for the whole rebuild. This is the
// repair path after an IndexWriteError.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.index.Clear(ctx); err != nil {
		return &IndexWriteError{Op: "rebuild clear", Err: err}
	}

	rebuilt := 0
	err := e.store.Scan(ctx, rebuildBatchSize, func(batch []*Entry) error {
		texts := make([]string, len(batch))
		for i, entry := range batch {
			texts[i] = entry.EmbeddingText()
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return &EmbeddingError{Err: err}
		}
		if len(vectors) != len(batch) {
			return &EmbeddingError{Err: fmt.Errorf("got %d vectors for %d entries", len(vectors), len(batch))}
		}
		points := make([]vectorstore.Point, len(batch))
		for i, entry := range batch {
			points[i] = vectorstore.Point{ID: entry.ID, Vector: vectors[i]}
		}
		if err := e.index.UpsertBatch(ctx, points); err != nil {
			return &IndexWriteError{Op: "rebuild upsert", Err: err}
		}
		rebuilt += len(batch)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	e.logger.Info("vector index rebuilt", zap.Int("entries", rebuilt))
	return nil
}

// SearchResult pairs a matched entry with its similarity score.
type SearchResult struct {
	Entry *Entry  `json:"entry"`
	Score float32 `json:"score"`
}

// Search embeds the query, asks the index for the top matches above
// minScore, and resolves the matched ids through one batched store read.
// A query with no matches returns an empty result, not an error.
// Non-positive minScore/maxResults select the defaults.
func (e *Engine) Search(ctx context.Context, query string, minScore float32, maxResults int) ([]SearchResult, error) {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(vectors) == 0 {
		return nil, &EmbeddingError{Err: fmt.Errorf("empty embedding result for query")}
	}

	hits, err := e.index.Search(ctx, vectors[0], minScore, maxResults)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(hits) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	entries, err := e.store.GetAll(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve search hits: %w", err)
	}
	byID := make(map[string]*Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}

	// Preserve the index's descending-score order. Ids missing from the
	// store (a delete in flight) are dropped, not errors.
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		entry, ok := byID[h.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: h.Score})
	}
	return results, nil
}
