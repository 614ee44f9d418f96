package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/mpataki/crew/internal/embedding"
)

// PostgresStore implements Store on a pgvector table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	table    string
	embedder embedding.Provider
}

// NewPostgres connects to dsn, creates the vector extension and the table
// named after collection when missing.
func NewPostgres(ctx context.Context, dsn, collection string, embedder embedding.Provider) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres vector backend requires DATABASE_URL")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	// Registration fails until the extension exists; ensureSchema resets the
	// pool afterwards so every connection picks up the vector type.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvector.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:     pool,
		table:    pgx.Identifier{collection}.Sanitize(),
		embedder: embedder,
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	s.pool.Reset()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding vector(%d) NOT NULL
	)`, s.table, s.embedder.Dimensions())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var missing []string
	for _, d := range docs {
		if d.Embedding == nil {
			missing = append(missing, d.Content)
		}
	}
	var computed [][]float32
	if len(missing) > 0 {
		var err error
		computed, err = s.embedder.EmbedBatch(ctx, missing)
		if err != nil {
			return fmt.Errorf("failed to embed documents: %w", err)
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, d := range docs {
		vec := d.Embedding
		if vec == nil {
			vec, computed = computed[0], computed[1:]
		}
		meta := d.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue(query, d.ID, d.Content, meta, pgvector.NewVector(vec))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		 FROM %s ORDER BY embedding <=> $1 LIMIT $2`, s.table),
		pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var sim float64
		if err := rows.Scan(&r.ID, &r.Content, &r.Metadata, &sim); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		r.Similarity = float32(sim)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
