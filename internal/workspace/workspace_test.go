package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpen(t *testing.T) {
	base := t.TempDir()

	_, err := Open(base, 7)
	assert.ErrorContains(t, err, "does not exist")

	w, err := Create(base, 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "run-7"), w.Path)
	assert.DirExists(t, filepath.Join(w.Path, "tasks"))

	opened, err := Open(base, 7)
	require.NoError(t, err)
	assert.Equal(t, w.Path, opened.Path)

	require.NoError(t, w.Remove())
	assert.NoDirExists(t, w.Path)
}

func TestContextLog(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, w.InitContext("clinical", "  sleep apnea  "))
	require.NoError(t, w.AppendContext("researcher", "research", "notes\n"))
	require.NoError(t, w.AppendContext("writer", "", "draft"))
	// A second init keeps what is already there.
	require.NoError(t, w.InitContext("other", "ignored"))

	ctx, err := w.ReadContext()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ctx, "# clinical\n\n## Prompt\n\nsleep apnea\n"))
	assert.Contains(t, ctx, "## research (researcher)")
	assert.Contains(t, ctx, "notes\n")
	assert.Contains(t, ctx, "## writer\n")
	assert.NotContains(t, ctx, "ignored")
	assert.Less(t, strings.Index(ctx, "researcher"), strings.Index(ctx, "## writer"))
}

func TestArtifacts(t *testing.T) {
	w, err := Create(t.TempDir(), 2)
	require.NoError(t, err)

	path, err := w.WriteTaskOutput(3, "write protocol/v2", "body")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Path, "tasks", "03-write-protocol-v2.md"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	require.NoError(t, w.WriteResult(map[string]string{"title": "T"}))
	raw, err := w.ReadResult()
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "T", got["title"])

	require.NoError(t, w.WriteReport("# Report"))
	assert.FileExists(t, filepath.Join(w.Path, "report.md"))

	meta := &RunMetadata{RunID: 2, Kind: "crew", SpecName: "clinical", Inputs: map[string]string{"topic": "x"}, Iteration: 1}
	require.NoError(t, w.WriteRunMetadata(meta))
	back, err := w.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta, back)
}
