// Package vectorstore holds embedded documents for similarity search.
//
// Two backends implement Store: a chromem-go collection persisted under the
// data directory, and a Postgres table using the pgvector extension.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/embedding"
)

// Document is a stored document.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32 // computed by the store when nil
}

// Result is a query hit.
type Result struct {
	Document
	Similarity float32 // cosine similarity, higher is closer
}

// Store manages embeddings and similarity search.
type Store interface {
	// Upsert adds documents, replacing any with the same ID.
	Upsert(ctx context.Context, docs []Document) error

	// Query returns up to k documents closest to text.
	Query(ctx context.Context, text string, k int) ([]Result, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Open returns the backend selected by cfg.VectorBackend.
func Open(ctx context.Context, cfg *config.Config, embedder embedding.Provider) (Store, error) {
	switch cfg.VectorBackend {
	case "chromem":
		return NewChromem(cfg.VectorsDir(), cfg.VectorCollection, embedder)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.VectorCollection, embedder)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}
