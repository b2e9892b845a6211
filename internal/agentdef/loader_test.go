package agentdef_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/internal/agentdef"
)

func TestLoadDirParsesEachMarkdownFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte("---\nname: Reviewer\n---\nbody"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planner.md"), []byte("---\nname: Planner\n---\nbody"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignore me"), 0o640))

	defs, err := agentdef.LoadDir(dir, agentdef.ScopeProject)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	for _, d := range defs {
		assert.Equal(t, agentdef.ScopeProject, d.Scope)
		assert.NotEmpty(t, d.ID)
	}
}

func TestLoadDirMissingDirectoryIsNotAnError(t *testing.T) {
	defs, err := agentdef.LoadDir(filepath.Join(t.TempDir(), "does-not-exist"), agentdef.ScopeGlobal)
	require.NoError(t, err)
	assert.Nil(t, defs)
}

func TestLoadDirPropagatesParseErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0o640))

	_, err := agentdef.LoadDir(dir, agentdef.ScopeProject)
	var parseErr *agentdef.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestLoadBuiltinParsesEmbeddedFiles(t *testing.T) {
	defs, err := agentdef.LoadBuiltin(map[string][]byte{
		"general.md": []byte("---\nname: General\n---\nbody"),
	})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "general", defs[0].ID)
	assert.Equal(t, agentdef.ScopeBuiltin, defs[0].Scope)
}
