package wiring_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/provider"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/wiring"
	"github.com/muxrun/mux/internal/workspace"
)

type fakeProvider struct{ events []provider.Event }

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }
func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

type fakeTasks struct {
	mu                 sync.Mutex
	streamEndCalls     []string
	autoResumeCalls    []string
	calledAgentReports map[string]bool
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{calledAgentReports: make(map[string]bool)}
}

func (f *fakeTasks) HandleStreamEnd(ctx context.Context, taskID, finalAssistantText string, calledAgentReport bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamEndCalls = append(f.streamEndCalls, taskID)
	f.calledAgentReports[taskID] = calledAgentReport
	return nil
}

func (f *fakeTasks) AutoResumeParent(ctx context.Context, parentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoResumeCalls = append(f.autoResumeCalls, parentID)
	return nil
}

func seedWorkspace(t *testing.T, store *config.Store, ws workspace.Workspace) {
	t.Helper()
	_, err := store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		p, ok := doc.Projects[ws.ProjectPath]
		if !ok {
			p = &workspace.Project{Path: ws.ProjectPath}
			doc.Projects[ws.ProjectPath] = p
		}
		p.Workspaces = append(p.Workspaces, ws)
		return doc, nil
	})
	require.NoError(t, err)
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met within timeout")
}

func TestStreamEndHookRoutesTaskWorkspaceToHandleStreamEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())
	sm := stream.NewManager(hist, zap.NewNop())
	tasks := newFakeTasks()

	seedWorkspace(t, cfg, workspace.Workspace{ID: "child1", Name: "child", ProjectPath: "/proj", ParentWorkspaceID: "parent1"})

	hook := wiring.NewStreamEndHook(wiring.StreamEndHookDeps{
		Stream:  sm,
		History: hist,
		Config:  cfg,
		Tasks:   tasks,
		Logger:  zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hook.Run(ctx)

	prov := &fakeProvider{events: []provider.Event{
		{Kind: provider.EventTextDelta, TextDelta: "done"},
		{Kind: provider.EventDone},
	}}
	err := sm.StartStream(context.Background(), "child1", stream.StartOptions{
		AssistantMessageID: "m1",
		Provider:           prov,
	})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.streamEndCalls) == 1
	})

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	assert.Equal(t, []string{"child1"}, tasks.streamEndCalls)
	assert.False(t, tasks.calledAgentReports["child1"])
	assert.Empty(t, tasks.autoResumeCalls)
}

func TestStreamEndHookRoutesRegularWorkspaceToAutoResumeParent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewStore(dir, zap.NewNop())
	hist := history.NewStore(dir, zap.NewNop())
	sm := stream.NewManager(hist, zap.NewNop())
	tasks := newFakeTasks()

	seedWorkspace(t, cfg, workspace.Workspace{ID: "parent1", Name: "parent", ProjectPath: "/proj"})

	hook := wiring.NewStreamEndHook(wiring.StreamEndHookDeps{
		Stream:  sm,
		History: hist,
		Config:  cfg,
		Tasks:   tasks,
		Logger:  zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hook.Run(ctx)

	prov := &fakeProvider{events: []provider.Event{{Kind: provider.EventDone}}}
	err := sm.StartStream(context.Background(), "parent1", stream.StartOptions{
		AssistantMessageID: "m1",
		Provider:           prov,
	})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.autoResumeCalls) == 1
	})

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	assert.Equal(t, []string{"parent1"}, tasks.autoResumeCalls)
	assert.Empty(t, tasks.streamEndCalls)
}
