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

// Package wiring holds small composition-root glue that has no natural
// home in any single layer package. internal/orchestrator (L8) and
// internal/task (L10) deliberately do not import each other — L8 has no
// notion of a "task", L10 has no notion of a "stream" — so something has
// to sit above both and translate one's events into the other's calls.
// StreamEndHook is that translator: it is wired up once, at process
// startup, by cmd/muxd.
package wiring

import (
	"context"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/workspace"
)

// TaskStreamHandler is the subset of internal/task.Service this hook
// drives.
type TaskStreamHandler interface {
	HandleStreamEnd(ctx context.Context, taskID, finalAssistantText string, calledAgentReport bool) error
	AutoResumeParent(ctx context.Context, parentID string) error
}

// WorkspaceLookup is the subset of internal/config.Store this hook
// needs to tell a task workspace from a regular one.
type WorkspaceLookup interface {
	FindWorkspace(id string) (workspace.Workspace, string, error)
}

// HistoryReader is the subset of internal/history.Store this hook needs
// to recover the message a stream-end event refers to.
type HistoryReader interface {
	List(wsID string) ([]message.Message, error)
}

// StreamEndHookDeps wires the hook to the rest of the system.
type StreamEndHookDeps struct {
	Stream  *stream.Manager
	History HistoryReader
	Config  WorkspaceLookup
	Tasks   TaskStreamHandler
	Logger  *zap.Logger
}

// StreamEndHook subscribes to every workspace's stream events and, on
// each stream-end, routes it to the Task Service: a task workspace's
// stream-end feeds HandleStreamEnd (the missing-report fallback, spec
// §4.10); any other workspace's stream-end feeds AutoResumeParent (a
// no-op unless that workspace has background children still running).
type StreamEndHook struct {
	deps StreamEndHookDeps
}

// NewStreamEndHook constructs the hook. Call Run in its own goroutine
// once the rest of the process is wired up.
func NewStreamEndHook(deps StreamEndHookDeps) *StreamEndHook {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &StreamEndHook{deps: deps}
}

// Run consumes stream events until ctx is cancelled or the subscription
// channel closes. Intended to be run in its own goroutine from the
// composition root.
func (h *StreamEndHook) Run(ctx context.Context) {
	events, unsubscribe := h.deps.Stream.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != stream.EventStreamEnd {
				continue
			}
			h.handleStreamEnd(ctx, ev)
		}
	}
}

func (h *StreamEndHook) handleStreamEnd(ctx context.Context, ev stream.Event) {
	ws, _, err := h.deps.Config.FindWorkspace(ev.WorkspaceID)
	if err != nil {
		h.deps.Logger.Warn("wiring: stream-end for unknown workspace", zap.String("workspaceId", ev.WorkspaceID), zap.Error(err))
		return
	}

	if !ws.IsTask() {
		if err := h.deps.Tasks.AutoResumeParent(ctx, ev.WorkspaceID); err != nil {
			h.deps.Logger.Warn("wiring: auto-resume parent", zap.String("workspaceId", ev.WorkspaceID), zap.Error(err))
		}
		return
	}

	finalText, calledAgentReport := h.inspectFinalMessage(ev.WorkspaceID, ev.MessageID)
	if err := h.deps.Tasks.HandleStreamEnd(ctx, ev.WorkspaceID, finalText, calledAgentReport); err != nil {
		h.deps.Logger.Warn("wiring: handle task stream-end", zap.String("workspaceId", ev.WorkspaceID), zap.Error(err))
	}
}

// inspectFinalMessage recovers the assistant text and whether
// agent_report was called from the now-committed history record, since
// stream.Event carries only ids, not content.
func (h *StreamEndHook) inspectFinalMessage(wsID, messageID string) (string, bool) {
	msgs, err := h.deps.History.List(wsID)
	if err != nil {
		h.deps.Logger.Warn("wiring: read history for stream-end", zap.String("workspaceId", wsID), zap.Error(err))
		return "", false
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		called := false
		for _, p := range m.Parts {
			if p.Type == message.PartDynamicTool && p.ToolName == "agent_report" {
				called = true
				break
			}
		}
		return m.Text(), called
	}
	return "", false
}
