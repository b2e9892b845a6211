package config_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/workspace"
)

func TestLoadMissingFileYieldsEmptyDocument(t *testing.T) {
	store := config.NewStore(t.TempDir(), nil)
	doc := store.Load()
	require.NotNil(t, doc.Projects)
	assert.Empty(t, doc.Projects)
}

func TestEditConfigPersistsAndReloads(t *testing.T) {
	root := t.TempDir()
	store := config.NewStore(root, nil)

	_, err := store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/repo"] = &workspace.Project{
			Workspaces: []workspace.Workspace{{ID: "abcdefghij", Name: "main"}},
		}
		return doc, nil
	})
	require.NoError(t, err)

	reopened := config.NewStore(root, nil)
	doc := reopened.Load()
	require.Contains(t, doc.Projects, "/repo")
	assert.Len(t, doc.Projects["/repo"].Workspaces, 1)
	assert.Equal(t, "main", doc.Projects["/repo"].Workspaces[0].Name)
}

func TestEditConfigSerializesConcurrentWriters(t *testing.T) {
	store := config.NewStore(t.TempDir(), nil)
	store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/repo"] = &workspace.Project{}
		return doc, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.EditConfig(func(doc *config.Document) (*config.Document, error) {
				p := doc.Projects["/repo"]
				id, _ := workspace.NewWorkspaceID()
				p.Workspaces = append(p.Workspaces, workspace.Workspace{ID: id})
				return doc, nil
			})
		}()
	}
	wg.Wait()

	doc := store.Load()
	assert.Len(t, doc.Projects["/repo"].Workspaces, 50, "every concurrent edit must be observed, none lost")
}

func TestFindWorkspace(t *testing.T) {
	store := config.NewStore(t.TempDir(), nil)
	store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/repo"] = &workspace.Project{
			Workspaces: []workspace.Workspace{{ID: "wsid000001", Name: "main"}},
		}
		return doc, nil
	})

	ws, path, err := store.FindWorkspace("wsid000001")
	require.NoError(t, err)
	assert.Equal(t, "/repo", path)
	assert.Equal(t, "main", ws.Name)

	_, _, err = store.FindWorkspace("missing")
	assert.ErrorIs(t, err, config.ErrWorkspaceNotFound)
}

func TestGetAllWorkspaceMetadata(t *testing.T) {
	store := config.NewStore(t.TempDir(), nil)
	store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/a"] = &workspace.Project{Workspaces: []workspace.Workspace{{ID: "w1"}}}
		doc.Projects["/b"] = &workspace.Project{Workspaces: []workspace.Workspace{{ID: "w2"}, {ID: "w3"}}}
		return doc, nil
	})

	all := store.GetAllWorkspaceMetadata()
	assert.Len(t, all, 3)
}

func TestRootRespectsEnvVar(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-root")
	t.Setenv("MUX_ROOT", dir)
	assert.Equal(t, dir, config.Root())
}

func TestFileSecretsStoreRoundTrip(t *testing.T) {
	t.Setenv("MUX_ROOT", t.TempDir())
	store := config.NewFileSecretsStoreForTest(filepath.Join(config.Root(), "secrets.json"))

	_, err := store.Get("anthropic_api_key")
	assert.ErrorIs(t, err, config.ErrSecretNotFound)

	require.NoError(t, store.Set("anthropic_api_key", "sk-test"))
	v, err := store.Get("anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)

	require.NoError(t, store.Delete("anthropic_api_key"))
	_, err = store.Get("anthropic_api_key")
	assert.ErrorIs(t, err, config.ErrSecretNotFound)
}
