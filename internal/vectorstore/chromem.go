package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mpataki/crew/internal/embedding"
)

// ChromemStore implements Store using chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromem opens a chromem collection. An empty persistDir keeps the
// collection in memory only.
func NewChromem(persistDir, collection string, embedder embedding.Provider) (*ChromemStore, error) {
	if collection == "" {
		collection = "default"
	}

	var db *chromem.DB
	if persistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "chromem"), false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	coll, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &ChromemStore{db: db, collection: coll}, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		})
		if err != nil {
			return fmt.Errorf("failed to add document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	// chromem rejects nResults larger than the collection.
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	hits, err := s.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Document: Document{
				ID:        h.ID,
				Content:   h.Content,
				Metadata:  h.Metadata,
				Embedding: h.Embedding,
			},
			Similarity: h.Similarity,
		})
	}
	return results, nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op; persistent collections are written on every insert.
func (s *ChromemStore) Close() error {
	return nil
}
