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

// Package wsservice is the Workspace Service (L9): the public surface
// for workspace lifecycle (create/rename/fork/remove) and the only
// entry point that turns a user action into an L8 stream.
package wsservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/initstate"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/orchestrator"
	"github.com/muxrun/mux/internal/runtime"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/workspace"
)

// ErrRenaming is returned by SendMessage, ResumeStream, TruncateHistory
// and ClearQueue while the rename lock is held for the target, and by
// Rename when the lock is already held. It is a plain error value, not
// an *orchestrator.OrchestratorError; its message contains "being
// renamed".
var ErrRenaming = fmt.Errorf("workspace: target is being renamed")

// ErrStreamActive is returned by rename/remove when the target has an
// in-flight stream and force wasn't requested.
var ErrStreamActive = fmt.Errorf("workspace: stream is active")

// ErrNameConflict is returned by create/rename/fork on a colliding
// non-archived name within the same project.
var ErrNameConflict = fmt.Errorf("workspace: name already in use")

// ErrInvalidName is returned by create on an empty name.
var ErrInvalidName = fmt.Errorf("workspace: invalid name")

// CreateOptions configures Create.
type CreateOptions struct {
	ProjectPath   string
	Name          string
	RuntimeConfig workspace.RuntimeConfig
	BranchName    string
	TrunkBranch   string
}

// SendOptions configures SendMessage/ResumeStream.
type SendOptions struct {
	Model                        string
	ThinkingLevel                string
	AgentID                      string
	AdditionalSystemInstructions string
	AllowQueuedAgentTask         bool
}

// Service is the Workspace Service (L9).
type Service struct {
	muxRoot      string
	config       *config.Store
	history      *history.Store
	initState    *initstate.Manager
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger

	mu          sync.Mutex
	renameLocks map[string]bool
}

// Deps bundles the Workspace Service's collaborators.
type Deps struct {
	MuxRoot      string
	Config       *config.Store
	History      *history.Store
	InitState    *initstate.Manager
	Orchestrator *orchestrator.Orchestrator
	Logger       *zap.Logger
}

// New constructs a Workspace Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		muxRoot:      deps.MuxRoot,
		config:       deps.Config,
		history:      deps.History,
		initState:    deps.InitState,
		orchestrator: deps.Orchestrator,
		logger:       deps.Logger.Named("wsservice"),
		renameLocks:  make(map[string]bool),
	}
}

func (s *Service) workspaceDir(wsID string) string {
	return filepath.Join(s.muxRoot, "workspaces", wsID)
}

func (s *Service) isRenaming(wsID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameLocks[wsID]
}

func (s *Service) lockRename(wsID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renameLocks[wsID] {
		return false
	}
	s.renameLocks[wsID] = true
	return true
}

func (s *Service) unlockRename(wsID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renameLocks, wsID)
}

// Create allocates a workspace id, materializes its runtime working
// directory, persists its metadata, and runs the project's init hook
// via L11 (spec §4.9 "create").
func (s *Service) Create(ctx context.Context, opts CreateOptions) (workspace.Workspace, error) {
	if opts.Name == "" {
		return workspace.Workspace{}, ErrInvalidName
	}

	doc := s.config.Load()
	if p, ok := doc.Projects[opts.ProjectPath]; ok && p.NameConflict(opts.Name, "") {
		return workspace.Workspace{}, ErrNameConflict
	}

	id, err := workspace.NewWorkspaceID()
	if err != nil {
		return workspace.Workspace{}, err
	}

	ws := workspace.Workspace{
		ID:            id,
		Name:          opts.Name,
		ProjectPath:   opts.ProjectPath,
		CreatedAt:     time.Now().UnixMilli(),
		RuntimeConfig: opts.RuntimeConfig,
	}

	dir := s.workspaceDir(id)
	rt, err := runtime.For(ws, dir)
	if err != nil {
		return workspace.Workspace{}, fmt.Errorf("workspace: runtime_error: %w", err)
	}

	if err := s.initState.StartInit(id, filepath.Join(dir, ".mux", "init")); err != nil {
		return workspace.Workspace{}, err
	}
	result, err := rt.CreateWorkspace(ctx, runtime.CreateWorkspaceOptions{
		ProjectPath:   opts.ProjectPath,
		BranchName:    opts.BranchName,
		TrunkBranch:   opts.TrunkBranch,
		DirectoryName: id,
		InitLogger: func(line string) {
			_ = s.initState.AppendOutput(id, line, false)
		},
	})
	if err != nil {
		return workspace.Workspace{}, fmt.Errorf("workspace: runtime_error: %w", err)
	}
	if err := s.initState.EndInit(id, result.InitExit); err != nil {
		return workspace.Workspace{}, err
	}

	_, err = s.config.EditConfig(func(doc *config.Document) (*config.Document, error) {
		p, ok := doc.Projects[opts.ProjectPath]
		if !ok {
			p = &workspace.Project{Path: opts.ProjectPath}
			doc.Projects[opts.ProjectPath] = p
		}
		p.Workspaces = append(p.Workspaces, ws)
		return doc, nil
	})
	if err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

// Rename refuses while a stream is active or the rename lock is
// already held, holds the lock for the duration of the metadata
// rewrite, and releases it unconditionally (spec §4.9
// "rename").
func (s *Service) Rename(ctx context.Context, id, newName string) error {
	if s.orchestrator != nil && s.orchestrator.IsStreaming(id) {
		return ErrStreamActive
	}
	if !s.lockRename(id) {
		return ErrRenaming
	}
	defer s.unlockRename(id)

	_, path, err := s.config.FindWorkspace(id)
	if err != nil {
		return err
	}
	doc := s.config.Load()
	if p, ok := doc.Projects[path]; ok && p.NameConflict(newName, id) {
		return ErrNameConflict
	}

	// Working directories are addressed by workspace id (see
	// workspaceDir), the same convention the session store uses, so a
	// rename never has to move anything on disk; the lock above still
	// serializes the metadata rewrite against a concurrent sendMessage.
	return s.config.EditWorkspace(id, func(w workspace.Workspace) (workspace.Workspace, error) {
		w.Name = newName
		return w, nil
	})
}

// Fork creates a new workspace under a non-colliding name suffix,
// copying src's working directory (when one exists on disk) and its
// history. No git branch is created for the fork.
func (s *Service) Fork(ctx context.Context, srcID, newName string) (workspace.Workspace, error) {
	src, path, err := s.config.FindWorkspace(srcID)
	if err != nil {
		return workspace.Workspace{}, fmt.Errorf("workspace: source_not_found: %w", err)
	}

	doc := s.config.Load()
	p := doc.Projects[path]
	name := newName
	for suffix := 2; p.NameConflict(name, ""); suffix++ {
		name = fmt.Sprintf("%s-%d", newName, suffix)
	}

	id, err := workspace.NewWorkspaceID()
	if err != nil {
		return workspace.Workspace{}, err
	}
	forked := src
	forked.ID = id
	forked.Name = name
	forked.CreatedAt = time.Now().UnixMilli()
	forked.ParentWorkspaceID = ""
	forked.TaskStatus = ""
	forked.ArchivedAt = 0
	forked.UnarchivedAt = 0

	srcDir := s.workspaceDir(srcID)
	dstDir := s.workspaceDir(id)
	if _, err := os.Stat(srcDir); err == nil {
		if err := copyDir(srcDir, dstDir); err != nil {
			return workspace.Workspace{}, fmt.Errorf("workspace: fork copy: %w", err)
		}
	}

	msgs, err := s.history.List(srcID)
	if err != nil {
		return workspace.Workspace{}, err
	}
	for _, m := range msgs {
		if _, err := s.history.AppendToHistory(id, m); err != nil {
			return workspace.Workspace{}, err
		}
	}

	_, err = s.config.EditConfig(func(doc *config.Document) (*config.Document, error) {
		doc.Projects[path].Workspaces = append(doc.Projects[path].Workspaces, forked)
		return doc, nil
	})
	if err != nil {
		return workspace.Workspace{}, err
	}
	return forked, nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// Remove soft-stops any active stream, removes the runtime worktree,
// and deletes the session directory (spec §4.9 "remove").
func (s *Service) Remove(ctx context.Context, id string, force bool) error {
	if s.orchestrator != nil && s.orchestrator.IsStreaming(id) {
		if !force {
			return ErrStreamActive
		}
		_ = s.orchestrator.StopStream(id, stream.StopOptions{Soft: true})
	}

	_, path, err := s.config.FindWorkspace(id)
	if err != nil {
		return err
	}

	dir := s.workspaceDir(id)
	_ = os.RemoveAll(dir)
	_ = os.RemoveAll(filepath.Join(s.muxRoot, "sessions", id))

	_, err = s.config.EditConfig(func(doc *config.Document) (*config.Document, error) {
		p, ok := doc.Projects[path]
		if !ok {
			return doc, nil
		}
		for i, w := range p.Workspaces {
			if w.ID == id {
				p.Workspaces = append(p.Workspaces[:i], p.Workspaces[i+1:]...)
				break
			}
		}
		return doc, nil
	})
	return err
}

// SendMessage appends a user message and invokes L8 (spec §4.9
// "sendMessage"). Refuses with ErrRenaming while the rename lock is
// held for id.
func (s *Service) SendMessage(ctx context.Context, id, text string, opts SendOptions) error {
	if s.isRenaming(id) {
		return ErrRenaming
	}
	if text != "" {
		if _, err := s.history.AppendToHistory(id, message.Message{
			Role:  message.User,
			Parts: []message.Part{message.NewTextPart(text)},
		}); err != nil {
			return err
		}
	}
	return s.orchestrator.StreamMessage(ctx, orchestrator.Request{
		WorkspaceID:                  id,
		ModelString:                  opts.Model,
		ThinkingLevel:                opts.ThinkingLevel,
		AgentID:                      opts.AgentID,
		AdditionalSystemInstructions: opts.AdditionalSystemInstructions,
	})
}

// ResumeStream invokes L8 against existing history without appending a
// new user message (spec §4.9 "resumeStream").
func (s *Service) ResumeStream(ctx context.Context, id string, opts SendOptions) error {
	if s.isRenaming(id) {
		return ErrRenaming
	}
	return s.orchestrator.StreamMessage(ctx, orchestrator.Request{
		WorkspaceID:                  id,
		ModelString:                  opts.Model,
		ThinkingLevel:                opts.ThinkingLevel,
		AgentID:                      opts.AgentID,
		AdditionalSystemInstructions: opts.AdditionalSystemInstructions,
	})
}

// InterruptStream delegates to L8's StopStream (spec §4.9
// "interruptStream"). Interrupting a workspace with nothing in flight
// is not an error.
func (s *Service) InterruptStream(id string, abandonPartial bool) error {
	err := s.orchestrator.StopStream(id, stream.StopOptions{AbandonPartial: abandonPartial})
	if err == stream.ErrNoActiveStream {
		return nil
	}
	return err
}

// TruncateHistory trims percentage of the oldest history entries,
// forbidden during an active stream or while the rename lock is held
// (spec §4.9).
func (s *Service) TruncateHistory(id string, percentage float64) error {
	if s.isRenaming(id) {
		return ErrRenaming
	}
	if s.orchestrator != nil && s.orchestrator.IsStreaming(id) {
		return ErrStreamActive
	}
	return s.history.TruncateHistory(id, percentage)
}

// ClearQueue drops any queued-but-unsent user messages. The history
// log carries no separate input queue in this repo (queued compose-box
// text lives client-side); server-side, clearing the queue is a no-op
// beyond rejecting it during an active stream or while the rename lock
// is held, preserved here as an explicit operation so callers get the
// same `stream_active` surface as the other persistent-edit operations.
func (s *Service) ClearQueue(id string) error {
	if s.isRenaming(id) {
		return ErrRenaming
	}
	if s.orchestrator != nil && s.orchestrator.IsStreaming(id) {
		return ErrStreamActive
	}
	return nil
}

// ReplaceChatHistory replaces the entire chat log with a single
// summary message, forbidden during an active stream (spec §4.9).
func (s *Service) ReplaceChatHistory(id string, summary message.Message) error {
	if s.orchestrator != nil && s.orchestrator.IsStreaming(id) {
		return ErrStreamActive
	}
	return s.history.ReplaceChatHistory(id, summary)
}
