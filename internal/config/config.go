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

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/workspace"
)

// ErrWorkspaceNotFound is returned by FindWorkspace when no project
// holds the requested id.
var ErrWorkspaceNotFound = errors.New("config: workspace not found")

// AIDefaults is the {modelString, thinkingLevel} pair recorded per
// agent type under subagentAiDefaults (spec §6).
type AIDefaults struct {
	ModelString   string `json:"modelString,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// ProjectDefaults holds per-project persisted settings, including the
// idle-compaction sweep threshold consumed by internal/compaction.
type ProjectDefaults struct {
	IdleCompactionHours float64 `json:"idleCompactionHours,omitempty"`
}

// PersistedSettings is the free-form UI/AI settings block (spec §6).
type PersistedSettings struct {
	AI struct {
		ThinkingLevelByModel map[string]string `json:"thinkingLevelByModel,omitempty"`
	} `json:"ai,omitempty"`
	ProjectDefaults ProjectDefaults `json:"projectDefaults,omitempty"`
}

// Document is the single JSON document persisted at config.json.
type Document struct {
	Projects            map[string]*workspace.Project `json:"projects"`
	TaskSettings        *workspace.TaskSettings        `json:"taskSettings,omitempty"`
	SubagentAiDefaults  map[string]AIDefaults          `json:"subagentAiDefaults,omitempty"`
	PersistedSettings   PersistedSettings               `json:"persistedSettings,omitempty"`
	DefaultProjectCloneDir string                       `json:"defaultProjectCloneDir,omitempty"`
	APIServerPort       int                              `json:"apiServerPort,omitempty"`
}

func emptyDocument() *Document {
	return &Document{Projects: make(map[string]*workspace.Project)}
}

func cloneDocument(d *Document) *Document {
	b, err := json.Marshal(d)
	if err != nil {
		return emptyDocument()
	}
	out := emptyDocument()
	_ = json.Unmarshal(b, out)
	for path, p := range out.Projects {
		p.Path = path
	}
	return out
}

// Store is the Config Store: a single mutex-guarded JSON document with
// compare-and-write semantics (spec §4.2, §5).
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger

	onChange func(*Document)
}

// NewStore opens (without yet reading) the config document at
// <muxRoot>/config.json.
func NewStore(muxRoot string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   filepath.Join(muxRoot, "config.json"),
		logger: logger.Named("config"),
	}
}

// OnChange registers a callback invoked (synchronously, inside the
// store's lock) after every successful EditConfig commit. Used by
// internal/index to keep the read-index in sync without a second
// source of truth.
func (s *Store) OnChange(fn func(*Document)) {
	s.onChange = fn
}

// Load returns the current snapshot. It never fails: a missing or
// corrupt file yields the default empty document.
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() *Document {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return emptyDocument()
	}
	doc := emptyDocument()
	if err := json.Unmarshal(b, doc); err != nil {
		s.logger.Warn("config document corrupt, using empty default", zap.Error(err))
		return emptyDocument()
	}
	if doc.Projects == nil {
		doc.Projects = make(map[string]*workspace.Project)
	}
	for path, p := range doc.Projects {
		p.Path = path
	}
	return doc
}

func (s *Store) writeLocked(doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// EditConfig reads a fresh snapshot, applies fn, and writes the result
// atomically. The whole read-apply-write cycle is serialized by an
// in-process mutex so no two callers ever observe overlapping writes
// (spec §4.2 invariant, §8 "no two concurrent writers").
func (s *Store) EditConfig(fn func(*Document) (*Document, error)) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadLocked()
	next, err := fn(cloneDocument(current))
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = current
	}
	if next.Projects == nil {
		next.Projects = make(map[string]*workspace.Project)
	}
	if err := s.writeLocked(next); err != nil {
		return nil, err
	}
	if s.onChange != nil {
		s.onChange(next)
	}
	return next, nil
}

// FindWorkspace locates a workspace by id across every project.
func (s *Store) FindWorkspace(id string) (workspace.Workspace, string, error) {
	doc := s.Load()
	for path, p := range doc.Projects {
		if w, ok := p.FindWorkspace(id); ok {
			return w, path, nil
		}
	}
	return workspace.Workspace{}, "", ErrWorkspaceNotFound
}

// WorkspaceMetadata is the flattened, project-qualified view returned
// by GetAllWorkspaceMetadata.
type WorkspaceMetadata struct {
	workspace.Workspace
	ProjectPath string `json:"projectPath"`
}

// GetAllWorkspaceMetadata flattens every project's workspace list. It
// is a direct, unindexed read against the live document; internal/index
// provides a faster, filterable view for large documents, rebuilt from
// this same source of truth.
func (s *Store) GetAllWorkspaceMetadata() []WorkspaceMetadata {
	doc := s.Load()
	var out []WorkspaceMetadata
	for path, p := range doc.Projects {
		for _, w := range p.Workspaces {
			out = append(out, WorkspaceMetadata{Workspace: w, ProjectPath: path})
		}
	}
	return out
}

// EditWorkspace runs fn against the workspace with the given id,
// replacing it in place, inside a single EditConfig closure.
func (s *Store) EditWorkspace(id string, fn func(workspace.Workspace) (workspace.Workspace, error)) error {
	_, err := s.EditConfig(func(doc *Document) (*Document, error) {
		for _, p := range doc.Projects {
			for i, w := range p.Workspaces {
				if w.ID == id {
					updated, err := fn(w)
					if err != nil {
						return nil, err
					}
					p.Workspaces[i] = updated
					return doc, nil
				}
			}
		}
		return nil, ErrWorkspaceNotFound
	})
	return err
}
