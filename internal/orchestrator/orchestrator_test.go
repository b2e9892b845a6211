// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/agentdef"
	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/initstate"
	"github.com/muxrun/mux/internal/orchestrator"
	"github.com/muxrun/mux/internal/provider"
	"github.com/muxrun/mux/internal/runtime"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/tool"
)

type fakeProvider struct {
	events []provider.Event
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }
func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	out := make(chan provider.Event, len(f.events))
	go func() {
		defer close(out)
		for _, ev := range f.events {
			out <- ev
		}
	}()
	return out, nil
}

type fakeRuntime struct {
	runtime.Runtime
	ready runtime.ReadyState
}

func (f *fakeRuntime) EnsureReady(ctx context.Context, sink runtime.StatusSink) (runtime.ReadyState, error) {
	return f.ready, nil
}

func builtinDefaultAgent(t *testing.T) agentdef.Definition {
	t.Helper()
	content := []byte("---\nname: Default\ndescription: default agent\n---\nYou are a helpful assistant.\n")
	def, err := agentdef.Parse("default.md", content)
	require.NoError(t, err)
	def.ID = "default"
	def.Scope = agentdef.ScopeBuiltin
	return def
}

func newTestOrchestrator(t *testing.T, prov provider.Provider, ready runtime.ReadyState) (*orchestrator.Orchestrator, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	historyStore := history.NewStore(dir, logger)
	initMgr := initstate.NewManager(dir, logger)
	require.NoError(t, initMgr.StartInit("ws1", ""))
	require.NoError(t, initMgr.EndInit("ws1", 0))

	agents := agentdef.NewRegistry([]agentdef.Definition{builtinDefaultAgent(t)}, nil, nil)

	tools := tool.NewRegistry()
	tools.Register(tool.Definition{Name: tool.NameFileRead, Handler: func(ctx context.Context, call tool.Call) (tool.Result, error) {
		return tool.Result{Content: "ok"}, nil
	}})

	streamMgr := stream.NewManager(historyStore, logger)

	deps := orchestrator.Deps{
		Config:    config.NewStore(dir, logger),
		History:   historyStore,
		InitState: initMgr,
		Agents:    agents,
		Tools:     tools,
		Stream:    streamMgr,
		Runtimes: func(wsID string) (runtime.Runtime, error) {
			return &fakeRuntime{ready: ready}, nil
		},
		Providers: func(ctx context.Context, modelString string) (provider.Provider, error) {
			if prov == nil {
				return nil, errors.New("no api key configured")
			}
			return prov, nil
		},
		MaxTaskDepth: func(wsID string) (int, int, error) { return 0, 5, nil },
		Logger:       logger,
	}
	return orchestrator.New(deps), historyStore
}

func TestStreamMessageHappyPathCommitsAssistantMessage(t *testing.T) {
	prov := &fakeProvider{events: []provider.Event{
		{Kind: provider.EventTextDelta, TextDelta: "hello"},
		{Kind: provider.EventDone},
	}}
	o, store := newTestOrchestrator(t, prov, runtime.ReadyState{Ready: true})

	err := o.StreamMessage(context.Background(), orchestrator.Request{
		WorkspaceID:  "ws1",
		ModelString:  "anthropic:claude-sonnet-4-5",
		AgentID:      "default",
	})
	require.NoError(t, err)

	msgs, err := store.List("ws1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())
}

func TestStreamMessageMissingAPIKeyReturnsTypedError(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, runtime.ReadyState{Ready: true})

	err := o.StreamMessage(context.Background(), orchestrator.Request{
		WorkspaceID: "ws1",
		ModelString: "anthropic:claude-sonnet-4-5",
		AgentID:     "default",
	})
	require.Error(t, err)
	var oe *orchestrator.OrchestratorError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orchestrator.ErrAPIKeyNotFound, oe.Kind)
}

func TestStreamMessageRuntimeNotReadyReturnsTypedError(t *testing.T) {
	prov := &fakeProvider{events: []provider.Event{{Kind: provider.EventDone}}}
	o, _ := newTestOrchestrator(t, prov, runtime.ReadyState{Ready: false, ErrorType: "runtime_not_ready"})

	err := o.StreamMessage(context.Background(), orchestrator.Request{
		WorkspaceID: "ws1",
		ModelString: "anthropic:claude-sonnet-4-5",
		AgentID:     "default",
	})
	require.Error(t, err)
	var oe *orchestrator.OrchestratorError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orchestrator.ErrRuntimeNotReady, oe.Kind)
}

func TestStopStreamCancelsPendingStartBeforeDispatch(t *testing.T) {
	prov := &fakeProvider{events: []provider.Event{{Kind: provider.EventTextDelta, TextDelta: "x"}, {Kind: provider.EventDone}}}
	o, _ := newTestOrchestrator(t, prov, runtime.ReadyState{Ready: true})

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = o.StopStream("ws1", stream.StopOptions{})
	}()

	err := o.StreamMessage(context.Background(), orchestrator.Request{
		WorkspaceID: "ws1",
		ModelString: "anthropic:claude-sonnet-4-5",
		AgentID:     "default",
	})
	assert.NoError(t, err)
}
