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

package task_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/task"
	"github.com/muxrun/mux/internal/workspace"
)

func seedProject(t *testing.T, store *config.Store, projectPath string, parent workspace.Workspace, settings workspace.TaskSettings) {
	t.Helper()
	_, err := store.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects[projectPath] = &workspace.Project{
			Path:         projectPath,
			Workspaces:   []workspace.Workspace{parent},
			TaskSettings: &settings,
		}
		return doc, nil
	})
	require.NoError(t, err)
}

type sendCall struct {
	wsID   string
	prompt string
	opts   task.SendMessageOptions
}

func newHarness(t *testing.T) (*task.Service, *config.Store, *history.Store, *[]sendCall, *[]string) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	cfgStore := config.NewStore(dir, logger)
	histStore := history.NewStore(dir, logger)

	var mu sync.Mutex
	var sent []sendCall
	var resumed []string

	svc := task.New(task.Deps{
		Config:  cfgStore,
		History: histStore,
		SendMessage: func(ctx context.Context, wsID, prompt string, opts task.SendMessageOptions) error {
			mu.Lock()
			sent = append(sent, sendCall{wsID: wsID, prompt: prompt, opts: opts})
			mu.Unlock()
			return nil
		},
		ResumeStream: func(ctx context.Context, wsID string, opts task.ResumeOptions) error {
			mu.Lock()
			resumed = append(resumed, wsID)
			mu.Unlock()
			return nil
		},
		RemoveWorkspace: func(ctx context.Context, wsID string) error {
			_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
				for _, p := range doc.Projects {
					for i, w := range p.Workspaces {
						if w.ID == wsID {
							p.Workspaces = append(p.Workspaces[:i], p.Workspaces[i+1:]...)
							return doc, nil
						}
					}
				}
				return doc, nil
			})
			return err
		},
		Logger: logger,
	})
	return svc, cfgStore, histStore, &sent, &resumed
}

func TestCreateTaskStartsImmediatelyUnderCapacity(t *testing.T) {
	svc, cfgStore, _, sent, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parent0001", Name: "main", ProjectPath: "/proj"}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 1, MaxTaskNestingDepth: 3})

	res, err := svc.CreateTask(context.Background(), task.CreateRequest{
		ParentWorkspaceID: parent.ID,
		Kind:              task.KindAgent,
		AgentType:         "explore",
		Prompt:            "task 1",
	})
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskRunning, res.Status)
	require.Len(t, *sent, 1)
	assert.Equal(t, "task 1", (*sent)[0].prompt)
}

func TestCreateTaskRefusesAtMaxNestingDepth(t *testing.T) {
	svc, cfgStore, _, _, _ := newHarness(t)
	parent := workspace.Workspace{ID: "root00001", Name: "main", ProjectPath: "/proj"}
	child := workspace.Workspace{ID: "child0001", Name: "agent_explore_child0001", ProjectPath: "/proj", ParentWorkspaceID: parent.ID, TaskStatus: workspace.TaskRunning, AgentType: "explore"}
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"] = &workspace.Project{
			Path:         "/proj",
			Workspaces:   []workspace.Workspace{parent, child},
			TaskSettings: &workspace.TaskSettings{MaxParallelAgentTasks: 5, MaxTaskNestingDepth: 1},
		}
		return doc, nil
	})
	require.NoError(t, err)

	_, err = svc.CreateTask(context.Background(), task.CreateRequest{
		ParentWorkspaceID: child.ID,
		Kind:              task.KindAgent,
		AgentType:         "explore",
		Prompt:            "nested",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxTaskNestingDepth")
}

func TestQueueDrainStartsQueuedTaskOnceSlotFrees(t *testing.T) {
	svc, cfgStore, _, sent, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parentabcd", Name: "main", ProjectPath: "/proj"}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 1, MaxTaskNestingDepth: 3})

	resA, err := svc.CreateTask(context.Background(), task.CreateRequest{ParentWorkspaceID: parent.ID, Kind: task.KindAgent, AgentType: "explore", Prompt: "task 1"})
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskRunning, resA.Status)

	resB, err := svc.CreateTask(context.Background(), task.CreateRequest{ParentWorkspaceID: parent.ID, Kind: task.KindAgent, AgentType: "explore", Prompt: "task 2"})
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskQueued, resB.Status)

	require.NoError(t, cfgStore.EditWorkspace(resA.TaskID, func(w workspace.Workspace) (workspace.Workspace, error) {
		w.TaskStatus = workspace.TaskReported
		return w, nil
	}))

	require.NoError(t, svc.DrainQueue(context.Background(), "/proj"))

	w, _, err := cfgStore.FindWorkspace(resB.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskRunning, w.TaskStatus)
	assert.Empty(t, w.TaskPrompt)

	var prompts []string
	for _, c := range *sent {
		prompts = append(prompts, c.prompt)
	}
	joined := strings.Join(prompts, "|")
	assert.Contains(t, joined, "task 1")
	assert.Contains(t, joined, "task 2")
}

func TestInitializeDrainsQueueAcrossRestart(t *testing.T) {
	svc, cfgStore, _, sent, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parentinit", Name: "main", ProjectPath: "/proj"}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 1, MaxTaskNestingDepth: 3})

	resA, err := svc.CreateTask(context.Background(), task.CreateRequest{ParentWorkspaceID: parent.ID, Kind: task.KindAgent, AgentType: "explore", Prompt: "task 1"})
	require.NoError(t, err)
	resB, err := svc.CreateTask(context.Background(), task.CreateRequest{ParentWorkspaceID: parent.ID, Kind: task.KindAgent, AgentType: "explore", Prompt: "task 2"})
	require.NoError(t, err)
	require.Equal(t, workspace.TaskQueued, resB.Status)

	require.NoError(t, cfgStore.EditWorkspace(resA.TaskID, func(w workspace.Workspace) (workspace.Workspace, error) {
		w.TaskStatus = workspace.TaskReported
		return w, nil
	}))

	require.NoError(t, svc.Initialize(context.Background()))

	w, _, err := cfgStore.FindWorkspace(resB.TaskID)
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskRunning, w.TaskStatus)

	var count int
	for _, c := range *sent {
		if c.wsID == resB.TaskID && c.prompt == "task 2" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandleAgentReportFinalizesParentToolPart(t *testing.T) {
	svc, cfgStore, histStore, _, resumed := newHarness(t)
	parent := workspace.Workspace{ID: "parentxyz1", Name: "main", ProjectPath: "/proj"}
	child := workspace.Workspace{ID: "childxyz01", Name: "agent_explore_childxyz01", ProjectPath: "/proj", ParentWorkspaceID: parent.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 2, MaxTaskNestingDepth: 3})
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"].Workspaces = append(doc.Projects["/proj"].Workspaces, child)
		return doc, nil
	})
	require.NoError(t, err)

	input, _ := json.Marshal(map[string]string{"agentType": "explore"})
	partial := message.Message{
		ID:   "asst1",
		Role: message.Assistant,
		Parts: []message.Part{
			message.NewToolCallPart(child.ID, "task", input),
		},
	}
	require.NoError(t, histStore.WritePartial(parent.ID, partial))

	require.NoError(t, svc.HandleAgentReport(context.Background(), child.ID, "Hello from child", "Result"))

	got, err := histStore.ReadPartial(parent.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	part, _, ok := got.ToolPart(child.ID)
	require.True(t, ok)
	assert.Equal(t, message.ToolOutputAvailable, part.State)
	assert.Contains(t, string(part.Output), "Hello from child")

	w, _, err := cfgStore.FindWorkspace(child.ID)
	assert.ErrorIs(t, err, config.ErrWorkspaceNotFound)
	_ = w
	assert.Contains(t, *resumed, parent.ID)
}

func TestDrainQueueSkipsTaskWhoseAncestorIsMidReportTransition(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	cfgStore := config.NewStore(dir, logger)
	histStore := history.NewStore(dir, logger)

	var mu sync.Mutex
	var sent []sendCall
	var statusDuringRemoval workspace.TaskStatus

	var svc *task.Service
	svc = task.New(task.Deps{
		Config:  cfgStore,
		History: histStore,
		SendMessage: func(ctx context.Context, wsID, prompt string, opts task.SendMessageOptions) error {
			mu.Lock()
			sent = append(sent, sendCall{wsID: wsID, prompt: prompt, opts: opts})
			mu.Unlock()
			return nil
		},
		ResumeStream: func(ctx context.Context, wsID string, opts task.ResumeOptions) error { return nil },
		RemoveWorkspace: func(ctx context.Context, wsID string) error {
			// Simulate a concurrent drain racing in while this report's
			// cleanup is still in flight: it must not start the nested
			// queued task, since wsID (its ancestor) is about to be
			// removed out from under it.
			require.NoError(t, svc.DrainQueue(ctx, "/proj"))
			nested, _, err := cfgStore.FindWorkspace("nested0001")
			require.NoError(t, err)
			statusDuringRemoval = nested.TaskStatus

			_, err = cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
				for _, p := range doc.Projects {
					for i, w := range p.Workspaces {
						if w.ID == wsID {
							p.Workspaces = append(p.Workspaces[:i], p.Workspaces[i+1:]...)
							return doc, nil
						}
					}
				}
				return doc, nil
			})
			return err
		},
		Logger: logger,
	})

	root := workspace.Workspace{ID: "root000001", Name: "main", ProjectPath: "/proj"}
	midTask := workspace.Workspace{ID: "midtask001", Name: "agent_explore_midtask001", ProjectPath: "/proj", ParentWorkspaceID: root.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	nested := workspace.Workspace{ID: "nested0001", Name: "agent_explore_nested0001", ProjectPath: "/proj", ParentWorkspaceID: midTask.ID, AgentType: "explore", TaskStatus: workspace.TaskQueued, TaskPrompt: "nested work"}
	seedProject(t, cfgStore, "/proj", root, workspace.TaskSettings{MaxParallelAgentTasks: 5, MaxTaskNestingDepth: 5})
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"].Workspaces = append(doc.Projects["/proj"].Workspaces, midTask, nested)
		return doc, nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleAgentReport(context.Background(), midTask.ID, "done", "Result"))

	assert.Equal(t, workspace.TaskQueued, statusDuringRemoval, "nested task must stay queued while its ancestor is mid report-transition")

	got, _, err := cfgStore.FindWorkspace(nested.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskRunning, got.TaskStatus, "the trailing drain after cleanup completes must start it")

	var prompts []string
	for _, c := range sent {
		prompts = append(prompts, c.prompt)
	}
	assert.Contains(t, strings.Join(prompts, "|"), "nested work")
}

func TestMissingReportFallbackSynthesizesOutputOnSecondEnd(t *testing.T) {
	svc, cfgStore, histStore, sent, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parentfall", Name: "main", ProjectPath: "/proj"}
	child := workspace.Workspace{ID: "childfall1", Name: "agent_explore_childfall1", ProjectPath: "/proj", ParentWorkspaceID: parent.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 2, MaxTaskNestingDepth: 3})
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"].Workspaces = append(doc.Projects["/proj"].Workspaces, child)
		return doc, nil
	})
	require.NoError(t, err)

	input, _ := json.Marshal(map[string]string{"agentType": "explore"})
	partial := message.Message{
		ID:    "asst2",
		Role:  message.Assistant,
		Parts: []message.Part{message.NewToolCallPart(child.ID, "task", input)},
	}
	require.NoError(t, histStore.WritePartial(parent.ID, partial))

	require.NoError(t, svc.HandleStreamEnd(context.Background(), child.ID, "Final output without agent_report", false))
	w, _, err := cfgStore.FindWorkspace(child.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.TaskAwaitingReport, w.TaskStatus)
	require.Len(t, *sent, 1)

	require.NoError(t, svc.HandleStreamEnd(context.Background(), child.ID, "Final output without agent_report", false))

	got, err := histStore.ReadPartial(parent.ID)
	require.NoError(t, err)
	part, _, ok := got.ToolPart(child.ID)
	require.True(t, ok)
	assert.Equal(t, message.ToolOutputAvailable, part.State)
	assert.Contains(t, string(part.Output), "fallback")
	assert.Contains(t, string(part.Output), "Final output without agent_report")
}

func TestWaitForAgentReportReturnsCachedReportAfterRemoval(t *testing.T) {
	svc, cfgStore, histStore, _, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parentwait", Name: "main", ProjectPath: "/proj"}
	child := workspace.Workspace{ID: "childwait1", Name: "agent_explore_childwait1", ProjectPath: "/proj", ParentWorkspaceID: parent.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 2, MaxTaskNestingDepth: 3})
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"].Workspaces = append(doc.Projects["/proj"].Workspaces, child)
		return doc, nil
	})
	require.NoError(t, err)

	input, _ := json.Marshal(map[string]string{"agentType": "explore"})
	partial := message.Message{ID: "asst3", Role: message.Assistant, Parts: []message.Part{message.NewToolCallPart(child.ID, "task", input)}}
	require.NoError(t, histStore.WritePartial(parent.ID, partial))

	require.NoError(t, svc.HandleAgentReport(context.Background(), child.ID, "done", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := svc.WaitForAgentReport(ctx, child.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", report.ReportMarkdown)
}

func TestTerminateRejectsWaitersAndCascadesLeafFirst(t *testing.T) {
	svc, cfgStore, _, _, _ := newHarness(t)
	parent := workspace.Workspace{ID: "parentterm", Name: "main", ProjectPath: "/proj"}
	child := workspace.Workspace{ID: "childterm1", Name: "agent_explore_childterm1", ProjectPath: "/proj", ParentWorkspaceID: parent.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	grandchild := workspace.Workspace{ID: "grandterm1", Name: "agent_explore_grandterm1", ProjectPath: "/proj", ParentWorkspaceID: child.ID, AgentType: "explore", TaskStatus: workspace.TaskRunning}
	seedProject(t, cfgStore, "/proj", parent, workspace.TaskSettings{MaxParallelAgentTasks: 2, MaxTaskNestingDepth: 3})
	_, err := cfgStore.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects["/proj"].Workspaces = append(doc.Projects["/proj"].Workspaces, child, grandchild)
		return doc, nil
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, waitErr := svc.WaitForAgentReport(context.Background(), child.ID, time.Second)
		done <- waitErr
	}()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, svc.Terminate(context.Background(), child.ID))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Regexp(t, "(?i)terminated", err.Error())
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected")
	}
}
