package compaction_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/compaction"
	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/workspace"
)

type fakeChat struct {
	replaced map[string]message.Message
}

func newFakeChat() *fakeChat { return &fakeChat{replaced: make(map[string]message.Message)} }

func (f *fakeChat) ReplaceChatHistory(workspaceID string, summary message.Message) error {
	f.replaced[workspaceID] = summary
	return nil
}

type fakeStream struct{ active map[string]bool }

func (f *fakeStream) IsStreaming(workspaceID string) bool { return f.active[workspaceID] }

func seed(t *testing.T, store *config.Store, projectPath string, idleHours float64, ws ...workspace.Workspace) {
	t.Helper()
	_, err := store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects[projectPath] = &workspace.Project{
			Path:                projectPath,
			Workspaces:          ws,
			IdleCompactionHours: idleHours,
		}
		return doc, nil
	})
	require.NoError(t, err)
}

func TestSweepOnceCompactsWorkspaceIdlePastThreshold(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())

	ws := workspace.Workspace{ID: "w1", Name: "alpha", ProjectPath: "/proj"}
	seed(t, store, "/proj", 1, ws)

	old := message.Message{ID: "m1", Role: message.User, Parts: []message.Part{message.NewTextPart("hi")}}
	old.Metadata.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	_, err := hist.AppendToHistory("w1", old)
	require.NoError(t, err)

	chat := newFakeChat()
	sweep := compaction.New(compaction.Deps{
		Config:  store,
		History: hist,
		Chat:    chat,
		Stream:  &fakeStream{active: map[string]bool{}},
		Logger:  zap.NewNop(),
	})

	sweep.SweepOnce(context.Background())

	_, ok := chat.replaced["w1"]
	assert.True(t, ok, "expected workspace to be compacted")
}

func TestSweepOnceSkipsWorkspaceUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())

	ws := workspace.Workspace{ID: "w1", Name: "alpha", ProjectPath: "/proj"}
	seed(t, store, "/proj", 5, ws)

	recent := message.Message{ID: "m1", Role: message.User, Parts: []message.Part{message.NewTextPart("hi")}}
	recent.Metadata.CreatedAt = time.Now().Add(-1 * time.Minute).Unix()
	_, err := hist.AppendToHistory("w1", recent)
	require.NoError(t, err)

	chat := newFakeChat()
	sweep := compaction.New(compaction.Deps{
		Config:  store,
		History: hist,
		Chat:    chat,
		Stream:  &fakeStream{active: map[string]bool{}},
		Logger:  zap.NewNop(),
	})

	sweep.SweepOnce(context.Background())

	assert.Empty(t, chat.replaced)
}

func TestSweepOnceSkipsStreamingWorkspace(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())

	ws := workspace.Workspace{ID: "w1", Name: "alpha", ProjectPath: "/proj"}
	seed(t, store, "/proj", 1, ws)

	old := message.Message{ID: "m1", Role: message.User, Parts: []message.Part{message.NewTextPart("hi")}}
	old.Metadata.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	_, err := hist.AppendToHistory("w1", old)
	require.NoError(t, err)

	chat := newFakeChat()
	sweep := compaction.New(compaction.Deps{
		Config:  store,
		History: hist,
		Chat:    chat,
		Stream:  &fakeStream{active: map[string]bool{"w1": true}},
		Logger:  zap.NewNop(),
	})

	sweep.SweepOnce(context.Background())

	assert.Empty(t, chat.replaced)
}

func TestSweepOnceSkipsArchivedWorkspace(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())

	ws := workspace.Workspace{ID: "w1", Name: "alpha", ProjectPath: "/proj", ArchivedAt: time.Now().Unix()}
	seed(t, store, "/proj", 1, ws)

	old := message.Message{ID: "m1", Role: message.User, Parts: []message.Part{message.NewTextPart("hi")}}
	old.Metadata.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	_, err := hist.AppendToHistory("w1", old)
	require.NoError(t, err)

	chat := newFakeChat()
	sweep := compaction.New(compaction.Deps{
		Config:  store,
		History: hist,
		Chat:    chat,
		Stream:  &fakeStream{active: map[string]bool{}},
		Logger:  zap.NewNop(),
	})

	sweep.SweepOnce(context.Background())

	assert.Empty(t, chat.replaced)
}

func TestSweepOnceDisabledWhenIdleHoursZero(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())

	ws := workspace.Workspace{ID: "w1", Name: "alpha", ProjectPath: "/proj"}
	seed(t, store, "/proj", 0, ws)

	old := message.Message{ID: "m1", Role: message.User, Parts: []message.Part{message.NewTextPart("hi")}}
	old.Metadata.CreatedAt = time.Now().Add(-100 * time.Hour).Unix()
	_, err := hist.AppendToHistory("w1", old)
	require.NoError(t, err)

	chat := newFakeChat()
	sweep := compaction.New(compaction.Deps{
		Config:  store,
		History: hist,
		Chat:    chat,
		Stream:  &fakeStream{active: map[string]bool{}},
		Logger:  zap.NewNop(),
	})

	sweep.SweepOnce(context.Background())

	assert.Empty(t, chat.replaced)
}
