package vectorstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/embedding"
)

var testDocs = []Document{
	{ID: "1", Content: "send slack notification when a github issue is opened", Metadata: map[string]string{"name": "GitHub to Slack"}},
	{ID: "2", Content: "sync google sheets rows into a postgres database", Metadata: map[string]string{"name": "Sheets sync"}},
	{ID: "3", Content: "summarise rss feed articles with an llm and email them", Metadata: map[string]string{"name": "RSS digest"}},
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testDocs))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-upserting the same ID replaces rather than duplicates.
	updated := testDocs[0]
	updated.Content = "post a slack message for new github issues"
	require.NoError(t, s.Upsert(ctx, []Document{updated}))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Query(ctx, "google sheets postgres", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "2", results[0].ID)
	assert.Equal(t, "Sheets sync", results[0].Metadata["name"])
	assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)
}

func TestChromemInMemory(t *testing.T) {
	s, err := NewChromem("", "test", embedding.NewHashingProvider(128))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestChromemEmptyQuery(t *testing.T) {
	s, err := NewChromem("", "", embedding.NewHashingProvider(32))
	require.NoError(t, err)

	results, err := s.Query(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemPersistence(t *testing.T) {
	dir := t.TempDir()
	emb := embedding.NewHashingProvider(64)

	s, err := NewChromem(dir, "persist", emb)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), testDocs[:2]))

	reopened, err := NewChromem(dir, "persist", emb)
	require.NoError(t, err)
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := &config.Config{VectorBackend: "faiss"}
	_, err := Open(context.Background(), cfg, embedding.NewHashingProvider(8))
	assert.ErrorContains(t, err, "faiss")
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("CREW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CREW_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgres(context.Background(), dsn, "crew_vectorstore_test", embedding.NewHashingProvider(128))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(context.Background(), "TRUNCATE "+s.table)
	require.NoError(t, err)
	exerciseStore(t, s)
}
