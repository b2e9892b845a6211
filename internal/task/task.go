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

// Package task is the Task Service (L10): subagent lifecycle. Each
// task is a child workspace whose parent holds an open "task" tool
// call waiting on the child's eventual agent_report.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/workspace"
)

// ErrMaxNestingDepth is returned by CreateTask when the parent chain
// already sits at taskSettings.maxTaskNestingDepth. The substring
// "maxTaskNestingDepth" is load-bearing: callers match on it (spec
// §4.10 step 1).
var ErrMaxNestingDepth = errors.New("task: maxTaskNestingDepth exceeded")

// ErrTerminated is returned to any waiter blocked on a task that is
// terminated out from under it. Callers match on /terminated/i (spec
// §4.10 guard clauses).
var ErrTerminated = errors.New("task: terminated")

// Kind distinguishes an agent task from a bare shell task.
type Kind string

const (
	KindAgent Kind = "agent"
	KindBash  Kind = "bash"
)

// SendMessageOptions mirrors the subset of workspaceService.sendMessage
// options the Task Service needs to pass through.
type SendMessageOptions struct {
	Model                string
	ThinkingLevel        string
	AllowQueuedAgentTask bool
}

// ResumeOptions mirrors workspaceService.resumeStream's options; the
// AdditionalSystemInstructions field carries the auto-resume /
// required-agent_report nudges this package generates.
type ResumeOptions struct {
	AdditionalSystemInstructions string
	RequireAgentReport           bool
}

// SendMessageFunc forwards a prompt to a workspace, starting its
// stream. Injected so this package never imports internal/wsservice
// (which itself calls back into the Task Service on task workspaces).
type SendMessageFunc func(ctx context.Context, wsID, prompt string, opts SendMessageOptions) error

// ResumeStreamFunc resumes a workspace's stream with optional nudging
// instructions.
type ResumeStreamFunc func(ctx context.Context, wsID string, opts ResumeOptions) error

// RemoveWorkspaceFunc deletes a workspace (its config entry, worktree,
// and history) entirely.
type RemoveWorkspaceFunc func(ctx context.Context, wsID string) error

// Deps bundles the Task Service's collaborators.
type Deps struct {
	Config          *config.Store
	History         *history.Store
	SendMessage     SendMessageFunc
	ResumeStream    ResumeStreamFunc
	RemoveWorkspace RemoveWorkspaceFunc
	Logger          *zap.Logger
}

// CreateRequest is the task-create input (spec §4.10 "Create").
type CreateRequest struct {
	ParentWorkspaceID string
	// ParentToolCallID is the conceptual "task" tool call id on the
	// parent this workspace will satisfy with agent_report. Recorded on
	// the child at create time (workspace.ParentToolCallID) so report
	// handling never has to re-derive it by scanning history.
	ParentToolCallID string
	Kind             Kind
	AgentType        string
	Prompt           string
	RunInBackground  bool
}

// CreateResult is returned by CreateTask.
type CreateResult struct {
	TaskID string
	Status workspace.TaskStatus
}

// Report is a finalized or fallback agent_report, cached for late
// WaitForAgentReport callers even after the task workspace is removed.
type Report struct {
	TaskID         string
	ReportMarkdown string
	ReportTitle    string
	Fallback       bool
}

type waiter struct {
	ch chan Report
}

// Service is the Task Service (L10).
type Service struct {
	deps Deps

	mu         sync.Mutex
	reports    map[string]Report
	waiters    map[string][]waiter
	missedEnds map[string]int
	// reporting tracks task ids currently mid-transition from running to
	// reported (spec §4.10 guard clause: "do not start queued tasks
	// while the most-recent-ancestor task is itself still streaming a
	// reported transition").
	reporting map[string]struct{}
}

// New constructs a Task Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		deps:       deps,
		reports:    make(map[string]Report),
		waiters:    make(map[string][]waiter),
		missedEnds: make(map[string]int),
		reporting:  make(map[string]struct{}),
	}
}

func (s *Service) beginReporting(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporting[taskID] = struct{}{}
}

func (s *Service) endReporting(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reporting, taskID)
}

func (s *Service) isReporting(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reporting[taskID]
	return ok
}

// ancestorReporting reports whether any ancestor of w (walking
// ParentWorkspaceID up to the root) is currently mid-report-transition.
func (s *Service) ancestorReporting(doc *config.Document, w workspace.Workspace) bool {
	cur := w
	for cur.ParentWorkspaceID != "" {
		if s.isReporting(cur.ParentWorkspaceID) {
			return true
		}
		parent, _, err := findInDoc(doc, cur.ParentWorkspaceID)
		if err != nil {
			return false
		}
		cur = parent
	}
	return false
}

func taskDepth(doc *config.Document, parentID string) int {
	depth := 0
	id := parentID
	for id != "" {
		w, _, err := findInDoc(doc, id)
		if err != nil {
			break
		}
		if w.ParentWorkspaceID == "" {
			break
		}
		depth++
		id = w.ParentWorkspaceID
	}
	return depth
}

func findInDoc(doc *config.Document, id string) (workspace.Workspace, string, error) {
	for path, p := range doc.Projects {
		if w, ok := p.FindWorkspace(id); ok {
			return w, path, nil
		}
	}
	return workspace.Workspace{}, "", config.ErrWorkspaceNotFound
}

func taskSettingsFor(doc *config.Document, projectPath string) workspace.TaskSettings {
	settings := workspace.TaskSettings{MaxParallelAgentTasks: 1, MaxTaskNestingDepth: 1}
	if doc.TaskSettings != nil {
		settings = *doc.TaskSettings
	}
	if p, ok := doc.Projects[projectPath]; ok && p.TaskSettings != nil {
		settings = *p.TaskSettings
	}
	return settings
}

func runningAgentTaskCount(p *workspace.Project) int {
	n := 0
	for _, w := range p.Workspaces {
		if w.IsTask() && w.AgentType != "" && (w.TaskStatus == workspace.TaskRunning || w.TaskStatus == workspace.TaskAwaitingReport) {
			n++
		}
	}
	return n
}

// CreateTask allocates a child workspace for one subagent or bash task
// (spec §4.10 "Create"). The worktree/init hook for a queued task is
// never materialized here; that happens only when it later transitions
// out of queued (left to the runtime layer, driven by SendMessage).
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (CreateResult, error) {
	var result CreateResult
	var startPrompt bool
	var startOpts SendMessageOptions
	var childID string

	_, err := s.deps.Config.EditConfig(func(doc *config.Document) (*config.Document, error) {
		parent, projectPath, err := findInDoc(doc, req.ParentWorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("task: parent %s: %w", req.ParentWorkspaceID, err)
		}

		settings := taskSettingsFor(doc, projectPath)
		if depth := taskDepth(doc, req.ParentWorkspaceID); depth >= settings.MaxTaskNestingDepth {
			return nil, fmt.Errorf("%w: depth %d >= maxTaskNestingDepth %d", ErrMaxNestingDepth, depth, settings.MaxTaskNestingDepth)
		}

		id, err := workspace.NewWorkspaceID()
		if err != nil {
			return nil, err
		}
		childID = id

		child := workspace.Workspace{
			ID:                id,
			Name:              fmt.Sprintf("agent_%s_%s", req.AgentType, id),
			ProjectPath:       projectPath,
			CreatedAt:         time.Now().UnixMilli(),
			RuntimeConfig:     parent.RuntimeConfig,
			ParentWorkspaceID: req.ParentWorkspaceID,
			ParentToolCallID:  req.ParentToolCallID,
			AgentType:         req.AgentType,
			TaskStatus:        workspace.TaskQueued,
			TaskPrompt:        req.Prompt,
		}

		model := safeModel(parent.AISettings)
		if defaults, ok := doc.SubagentAiDefaults[req.AgentType]; ok && defaults.ModelString != "" {
			model = defaults.ModelString
		}
		child.TaskModelString = model

		p := doc.Projects[projectPath]
		if runningAgentTaskCount(p) < settings.MaxParallelAgentTasks {
			child.TaskStatus = workspace.TaskRunning
			child.TaskPrompt = ""
			startPrompt = true
			startOpts = SendMessageOptions{Model: model, AllowQueuedAgentTask: true}
		}
		p.Workspaces = append(p.Workspaces, child)
		result = CreateResult{TaskID: id, Status: child.TaskStatus}
		return doc, nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	if startPrompt {
		if err := s.deps.SendMessage(ctx, childID, req.Prompt, startOpts); err != nil {
			s.rollbackFailedStart(childID)
			return CreateResult{}, fmt.Errorf("task: start %s: %w", childID, err)
		}
	}
	return result, nil
}

// CreateTaskTool adapts CreateTask to the flat signature the `task`
// tool handler (internal/tool.TaskCreator) calls through, so
// internal/tool never has to import this package's request/result
// struct types.
func (s *Service) CreateTaskTool(ctx context.Context, parentWorkspaceID, parentToolCallID, kind, agentType, prompt string, runInBackground bool) (string, string, error) {
	res, err := s.CreateTask(ctx, CreateRequest{
		ParentWorkspaceID: parentWorkspaceID,
		ParentToolCallID:  parentToolCallID,
		Kind:              Kind(kind),
		AgentType:         agentType,
		Prompt:            prompt,
		RunInBackground:   runInBackground,
	})
	if err != nil {
		return "", "", err
	}
	return res.TaskID, string(res.Status), nil
}

// rollbackFailedStart undoes a CreateTask that allocated a child
// workspace but failed to start its stream (spec §4.10 step 4).
func (s *Service) rollbackFailedStart(childID string) {
	if s.deps.RemoveWorkspace != nil {
		_ = s.deps.RemoveWorkspace(context.Background(), childID)
	}
}

// DrainQueue scans projectPath for queued tasks in FIFO order and
// starts as many as current capacity allows (spec §4.10 "Queue
// draining"). Called after any running task leaves running (reported
// or terminated).
func (s *Service) DrainQueue(ctx context.Context, projectPath string) error {
	for {
		var toStart *workspace.Workspace
		var opts SendMessageOptions
		var prompt string

		_, err := s.deps.Config.EditConfig(func(doc *config.Document) (*config.Document, error) {
			p, ok := doc.Projects[projectPath]
			if !ok {
				return doc, nil
			}
			settings := taskSettingsFor(doc, projectPath)
			if runningAgentTaskCount(p) >= settings.MaxParallelAgentTasks {
				return doc, nil
			}
			var queued []int
			for i, w := range p.Workspaces {
				if w.IsTask() && w.AgentType != "" && w.TaskStatus == workspace.TaskQueued {
					queued = append(queued, i)
				}
			}
			if len(queued) == 0 {
				return doc, nil
			}
			sort.Slice(queued, func(a, b int) bool { return p.Workspaces[queued[a]].CreatedAt < p.Workspaces[queued[b]].CreatedAt })
			idx := -1
			for _, i := range queued {
				if s.ancestorReporting(doc, p.Workspaces[i]) {
					continue
				}
				idx = i
				break
			}
			if idx == -1 {
				// Every queued task's nearest ancestor is itself mid
				// report-transition; DrainQueue runs again once that
				// transition's own call finishes.
				return doc, nil
			}
			p.Workspaces[idx].TaskStatus = workspace.TaskRunning
			prompt = p.Workspaces[idx].TaskPrompt
			p.Workspaces[idx].TaskPrompt = ""
			w := p.Workspaces[idx]
			toStart = &w
			opts = SendMessageOptions{Model: w.TaskModelString, AllowQueuedAgentTask: true}
			return doc, nil
		})
		if err != nil {
			return err
		}
		if toStart == nil {
			return nil
		}
		if err := s.deps.SendMessage(ctx, toStart.ID, prompt, opts); err != nil {
			s.deps.Logger.Warn("task: queue drain start failed", zap.String("taskId", toStart.ID), zap.Error(err))
			return err
		}
	}
}

// HandleAgentReport processes a tool-call-end for toolName="agent_report"
// emitted on a task workspace (spec §4.10 "Agent report handling").
func (s *Service) HandleAgentReport(ctx context.Context, taskID, reportMarkdown, title string) error {
	s.beginReporting(taskID)
	defer s.endReporting(taskID)

	var parentID, projectPath, parentToolCallID string
	var hasActiveDescendants bool

	_, err := s.deps.Config.EditConfig(func(doc *config.Document) (*config.Document, error) {
		child, path, err := findInDoc(doc, taskID)
		if err != nil {
			return nil, err
		}
		parentID = child.ParentWorkspaceID
		parentToolCallID = child.ParentToolCallID
		if parentToolCallID == "" {
			parentToolCallID = taskID
		}
		projectPath = path

		if hasActiveDescendants = anyActiveDescendant(doc.Projects[path], taskID); hasActiveDescendants {
			return doc, nil
		}

		p := doc.Projects[path]
		for i := range p.Workspaces {
			if p.Workspaces[i].ID == taskID {
				p.Workspaces[i].TaskStatus = workspace.TaskReported
				p.Workspaces[i].ReportedAt = time.Now().UnixMilli()
				p.Workspaces[i].ReportMarkdown = reportMarkdown
				p.Workspaces[i].ReportTitle = title
			}
		}
		return doc, nil
	})
	if err != nil {
		return err
	}
	if hasActiveDescendants {
		// Guard clause: don't finalize a report while descendants are
		// still active. Caller is expected to retry once they clear.
		return nil
	}

	if err := s.finalizeParentToolPart(parentID, parentToolCallID, reportMarkdown, false); err != nil {
		return err
	}

	report := Report{TaskID: taskID, ReportMarkdown: reportMarkdown, ReportTitle: title}
	s.cacheReport(taskID, report)

	if s.deps.RemoveWorkspace != nil {
		if err := s.deps.RemoveWorkspace(ctx, taskID); err != nil {
			s.deps.Logger.Warn("task: remove reported child failed", zap.String("taskId", taskID), zap.Error(err))
		}
	}
	// Cleanup (finalize, remove, resume) is complete: the report
	// transition is no longer "in flight" from a queued descendant's
	// point of view, so clear it before the trailing drain rather than
	// waiting for the deferred clear at function return.
	s.endReporting(taskID)

	if s.deps.ResumeStream != nil {
		if err := s.deps.ResumeStream(ctx, parentID, ResumeOptions{}); err != nil {
			s.deps.Logger.Warn("task: resume parent failed", zap.String("parentId", parentID), zap.Error(err))
		}
	}
	return s.DrainQueue(ctx, projectPath)
}

func anyActiveDescendant(p *workspace.Project, ancestorID string) bool {
	if p == nil {
		return false
	}
	for _, w := range p.Workspaces {
		if w.ParentWorkspaceID == ancestorID {
			switch w.TaskStatus {
			case workspace.TaskQueued, workspace.TaskRunning, workspace.TaskAwaitingReport:
				return true
			}
			if anyActiveDescendant(p, w.ID) {
				return true
			}
		}
	}
	return false
}

// HandleStreamEnd implements the missing-report fallback (spec §4.10):
// on the first stream-end without agent_report, the task moves to
// awaiting_report and the child gets a reminder; on the second, a
// fallback report is synthesized and posted exactly like a real one.
func (s *Service) HandleStreamEnd(ctx context.Context, taskID, finalAssistantText string, calledAgentReport bool) error {
	if calledAgentReport {
		return nil
	}

	s.mu.Lock()
	s.missedEnds[taskID]++
	attempt := s.missedEnds[taskID]
	s.mu.Unlock()

	if attempt == 1 {
		_, err := s.deps.Config.EditConfig(func(doc *config.Document) (*config.Document, error) {
			child, path, err := findInDoc(doc, taskID)
			if err != nil {
				return nil, err
			}
			if anyActiveDescendant(doc.Projects[path], taskID) {
				return doc, nil
			}
			p := doc.Projects[path]
			for i := range p.Workspaces {
				if p.Workspaces[i].ID == child.ID {
					p.Workspaces[i].TaskStatus = workspace.TaskAwaitingReport
				}
			}
			return doc, nil
		})
		if err != nil {
			return err
		}
		if s.deps.SendMessage != nil {
			return s.deps.SendMessage(ctx, taskID, "Remember to call agent_report with your findings before finishing.", SendMessageOptions{AllowQueuedAgentTask: true})
		}
		return nil
	}

	fallback := fmt.Sprintf("%s\n\n(fallback: task ended without calling agent_report)", finalAssistantText)
	return s.HandleAgentReport(ctx, taskID, fallback, "")
}

// AutoResumeParent resumes a parent workspace that still has background
// tasks running when its own stream ends, naming those tasks so the
// model waits instead of concluding (spec §4.10 "Auto-resume").
func (s *Service) AutoResumeParent(ctx context.Context, parentID string) error {
	doc := s.deps.Config.Load()
	w, path, err := findInDoc(doc, parentID)
	if err != nil {
		return err
	}
	p := doc.Projects[path]
	var running []string
	for _, child := range p.Workspaces {
		if child.ParentWorkspaceID == w.ID {
			switch child.TaskStatus {
			case workspace.TaskQueued, workspace.TaskRunning, workspace.TaskAwaitingReport:
				running = append(running, child.Name)
			}
		}
	}
	if len(running) == 0 || s.deps.ResumeStream == nil {
		return nil
	}
	instr := fmt.Sprintf("Background tasks still running: %v. Wait for their reports before concluding.", running)
	return s.deps.ResumeStream(ctx, parentID, ResumeOptions{AdditionalSystemInstructions: instr})
}

var terminatedWaiterErr = fmt.Errorf("task: waiter rejected: %w", ErrTerminated)

// Terminate cancels a task and, recursively, every descendant
// leaf-first, rejecting any waiter blocked on it (spec §4.10 guard
// clauses).
func (s *Service) Terminate(ctx context.Context, taskID string) error {
	doc := s.deps.Config.Load()
	_, path, err := findInDoc(doc, taskID)
	if err != nil {
		return err
	}
	p := doc.Projects[path]

	var leaves []string
	var collect func(id string)
	collect = func(id string) {
		for _, w := range p.Workspaces {
			if w.ParentWorkspaceID == id {
				collect(w.ID)
			}
		}
		leaves = append(leaves, id)
	}
	collect(taskID)

	for _, id := range leaves {
		s.rejectWaiters(id)
		if s.deps.RemoveWorkspace != nil {
			if err := s.deps.RemoveWorkspace(ctx, id); err != nil {
				s.deps.Logger.Warn("task: terminate remove failed", zap.String("taskId", id), zap.Error(err))
			}
		}
	}
	return s.DrainQueue(ctx, path)
}

func (s *Service) rejectWaiters(taskID string) {
	s.mu.Lock()
	ws := s.waiters[taskID]
	delete(s.waiters, taskID)
	s.mu.Unlock()
	for _, w := range ws {
		close(w.ch)
	}
}

func (s *Service) cacheReport(taskID string, r Report) {
	s.mu.Lock()
	s.reports[taskID] = r
	ws := s.waiters[taskID]
	delete(s.waiters, taskID)
	s.mu.Unlock()
	for _, w := range ws {
		w.ch <- r
		close(w.ch)
	}
}

// WaitForAgentReport returns the cached report once produced (even
// after the task workspace has been removed), or blocks until then or
// until timeout/ctx cancellation. The timeout countdown starts only
// after the caller invokes this (callers are expected to not call it
// while the task is still queued, per spec §4.10).
func (s *Service) WaitForAgentReport(ctx context.Context, taskID string, timeout time.Duration) (Report, error) {
	s.mu.Lock()
	if r, ok := s.reports[taskID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	ch := make(chan Report, 1)
	s.waiters[taskID] = append(s.waiters[taskID], waiter{ch: ch})
	s.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return Report{}, terminatedWaiterErr
		}
		return r, nil
	case <-timer:
		return Report{}, fmt.Errorf("task: waitForAgentReport %s: timed out", taskID)
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

var agentReportRequire = []map[string]string{{"pattern": "^agent_report$", "action": "require"}}

// Initialize resumes every awaiting_report task across every project
// with a tool policy that requires agent_report (spec §4.10 "after
// restart"), reverts any awaiting_report task with active descendants
// back to running, and drains every project's task queue (picking up
// any task left queued when the process last stopped).
func (s *Service) Initialize(ctx context.Context) error {
	doc := s.deps.Config.Load()
	for path := range doc.Projects {
		if err := s.DrainQueue(ctx, path); err != nil {
			s.deps.Logger.Warn("task: initialize drain failed", zap.String("project", path), zap.Error(err))
		}
	}
	doc = s.deps.Config.Load()
	for path, p := range doc.Projects {
		for _, w := range p.Workspaces {
			if !w.IsTask() || w.TaskStatus != workspace.TaskAwaitingReport {
				continue
			}
			if anyActiveDescendant(p, w.ID) {
				_ = s.deps.Config.EditWorkspace(w.ID, func(cur workspace.Workspace) (workspace.Workspace, error) {
					cur.TaskStatus = workspace.TaskRunning
					return cur, nil
				})
				continue
			}
			if s.deps.ResumeStream != nil {
				requireJSON, _ := json.Marshal(agentReportRequire)
				if err := s.deps.ResumeStream(ctx, w.ID, ResumeOptions{RequireAgentReport: true, AdditionalSystemInstructions: string(requireJSON)}); err != nil {
					s.deps.Logger.Warn("task: resume awaiting_report failed", zap.String("taskId", w.ID), zap.String("project", path), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// finalizeParentToolPart locates the parent's pending "task" tool part
// matching taskID's conceptual call id and transitions it to
// output-available, whether that part lives in the partial slot or is
// already committed to history (the background-task case), per spec
// §4.10 step 2.
func (s *Service) finalizeParentToolPart(parentID, toolCallID, reportMarkdown string, fallback bool) error {
	output, err := json.Marshal(map[string]any{"status": "reported", "reportMarkdown": reportMarkdown, "fallback": fallback})
	if err != nil {
		return err
	}

	partial, err := s.deps.History.ReadPartial(parentID)
	if err != nil {
		return err
	}
	if partial != nil {
		if _, idx, ok := partial.ToolPart(toolCallID); ok {
			partial.Parts[idx] = partial.Parts[idx].WithOutput(output)
			return s.deps.History.WritePartial(parentID, *partial)
		}
	}

	msgs, err := s.deps.History.List(parentID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, idx, ok := msg.ToolPart(toolCallID); ok {
			msg.Parts[idx] = msg.Parts[idx].WithOutput(output)
			if err := s.deps.History.UpdateHistory(parentID, msg); err != nil {
				return err
			}
			synthetic := message.Message{
				Role:     message.User,
				Parts:    []message.Part{message.NewTextPart(reportMarkdown)},
				Metadata: message.Metadata{Synthetic: true},
			}
			_, err := s.deps.History.AppendToHistory(parentID, synthetic)
			return err
		}
	}
	return fmt.Errorf("task: no pending task tool part for call %s on parent %s", toolCallID, parentID)
}

func safeModel(a *workspace.AISettings) string {
	if a == nil {
		return ""
	}
	return a.Model
}
