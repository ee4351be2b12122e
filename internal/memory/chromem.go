package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemBackend stores documents in an embedded chromem-go collection,
// persisted to a directory when a path is given.
type ChromemBackend struct {
	db       *chromem.DB
	name     string
	embedder Embedder

	mu  sync.RWMutex
	col *chromem.Collection
}

// NewChromemBackend opens (or creates) the named collection. An empty path
// keeps everything in memory.
func NewChromemBackend(path, collection string, embedder Embedder) (*ChromemBackend, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("create chromem dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	b := &ChromemBackend{db: db, name: collection, embedder: embedder}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ChromemBackend) open() error {
	col, err := b.db.GetOrCreateCollection(b.name, nil, b.embedder.Embed)
	if err != nil {
		return fmt.Errorf("open collection %s: %w", b.name, err)
	}
	b.mu.Lock()
	b.col = col
	b.mu.Unlock()
	return nil
}

func (b *ChromemBackend) collection() *chromem.Collection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.col
}

func (b *ChromemBackend) Upsert(ctx context.Context, doc Document) error {
	err := b.collection().AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Metadata:  doc.Metadata,
		Embedding: doc.Embedding,
	})
	if err != nil {
		return fmt.Errorf("chromem add: %w", err)
	}
	return nil
}

func (b *ChromemBackend) Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]Hit, error) {
	col := b.collection()
	// chromem rejects nResults larger than the collection.
	n := col.Count()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Text:       r.Content,
			Metadata:   r.Metadata,
			Similarity: float64(r.Similarity),
		})
	}
	return rankHits(hits, k), nil
}

func (b *ChromemBackend) Count(_ context.Context) (int, error) {
	return b.collection().Count(), nil
}

func (b *ChromemBackend) Reset(_ context.Context) error {
	if err := b.db.DeleteCollection(b.name); err != nil {
		return fmt.Errorf("chromem delete collection: %w", err)
	}
	return b.open()
}

func (b *ChromemBackend) Close() error {
	return nil
}
