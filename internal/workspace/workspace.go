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

// Package workspace defines the Project/Workspace data model and the
// runtime-configuration tagged variant, including the legacy
// runtime-string serialization used by UI clients.
package workspace

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a task workspace (one whose
// ParentWorkspaceID is set). It advances monotonically; Reported is
// terminal.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingReport TaskStatus = "awaiting_report"
	TaskReported       TaskStatus = "reported"
)

// RuntimeMode names the concrete runtime backend a workspace runs
// under.
type RuntimeMode string

const (
	RuntimeLocal     RuntimeMode = "local"
	RuntimeWorktree  RuntimeMode = "worktree"
	RuntimeSSH       RuntimeMode = "ssh"
	RuntimeContainer RuntimeMode = "container"
)

// RuntimeConfig is the tagged-variant runtime configuration stored on a
// Workspace. Only the fields relevant to Mode are meaningful.
type RuntimeConfig struct {
	Mode RuntimeMode `json:"mode"`

	// worktree / local
	SrcBaseDir string `json:"srcBaseDir,omitempty"`

	// ssh
	Host         string `json:"host,omitempty"`
	IdentityFile string `json:"identityFile,omitempty"`
	Port         int    `json:"port,omitempty"`

	// container
	ContainerName  string `json:"containerName,omitempty"`
	ContainerImage string `json:"containerImage,omitempty"`
}

// BuildRuntimeString renders the legacy UI serialization of a runtime
// mode/host pair: "local", "ssh", "ssh <host>", or "" for worktree
// (spec §6, §8 scenario 6).
func BuildRuntimeString(mode RuntimeMode, host string) string {
	switch mode {
	case RuntimeLocal:
		return "local"
	case RuntimeSSH:
		if host == "" {
			return "ssh"
		}
		return "ssh " + host
	case RuntimeWorktree:
		return ""
	default:
		return string(mode)
	}
}

// ParseRuntimeString is the inverse of BuildRuntimeString. An undefined
// or empty string parses to worktree mode; exactly "local" parses to
// local; "ssh" or "ssh <host>" parses to ssh, with the remainder (if
// any) as the host. Any other string is the legacy "local { srcBaseDir }"
// form and parses to worktree mode with the whole string as SrcBaseDir.
func ParseRuntimeString(s *string) RuntimeConfig {
	if s == nil || *s == "" {
		return RuntimeConfig{Mode: RuntimeWorktree}
	}
	v := *s
	switch {
	case v == "local":
		return RuntimeConfig{Mode: RuntimeLocal}
	case v == "ssh":
		return RuntimeConfig{Mode: RuntimeSSH, Host: ""}
	case strings.HasPrefix(v, "ssh "):
		return RuntimeConfig{Mode: RuntimeSSH, Host: strings.TrimPrefix(v, "ssh ")}
	default:
		// Legacy form: "local { srcBaseDir }" meant worktree.
		return RuntimeConfig{Mode: RuntimeWorktree, SrcBaseDir: v}
	}
}

// AISettings holds the per-workspace model override.
type AISettings struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// Workspace is a single execution context: a conversation backed by a
// runtime and a history/partial log.
type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProjectPath string `json:"projectPath"`
	CreatedAt   int64  `json:"createdAt"`

	RuntimeConfig RuntimeConfig `json:"runtimeConfig"`

	ParentWorkspaceID string     `json:"parentWorkspaceId,omitempty"`
	AgentType         string     `json:"agentType,omitempty"`
	TaskStatus        TaskStatus `json:"taskStatus,omitempty"`
	TaskModelString   string     `json:"taskModelString,omitempty"`
	TaskThinkingLevel string     `json:"taskThinkingLevel,omitempty"`

	// TaskPrompt holds a task workspace's initial prompt until it
	// leaves queued: the worktree isn't materialized for a queued task,
	// so the Task Service cannot replay the prompt via sendMessage
	// until queue draining starts it, at which point this is sent and
	// cleared.
	TaskPrompt string `json:"taskPrompt,omitempty"`
	ReportedAt        int64      `json:"reportedAt,omitempty"`
	ReportMarkdown    string     `json:"reportMarkdown,omitempty"`
	ReportTitle       string     `json:"reportTitle,omitempty"`

	// ParentToolCallID records, at task-create time, the conceptual
	// `task` tool call id on the parent that this workspace will
	// eventually satisfy with agent_report — resolved open question
	// (spec §9): not re-derived by scanning history on resume.
	ParentToolCallID string `json:"parentToolCallId,omitempty"`

	AISettings  *AISettings `json:"aiSettings,omitempty"`
	ArchivedAt  int64       `json:"archivedAt,omitempty"`
	UnarchivedAt int64      `json:"unarchivedAt,omitempty"`
	SectionID   string      `json:"sectionId,omitempty"`
}

// IsTask reports whether this workspace is a subagent task workspace.
func (w Workspace) IsTask() bool {
	return w.ParentWorkspaceID != ""
}

// IsArchived reports whether the workspace is currently archived.
func (w Workspace) IsArchived() bool {
	return w.ArchivedAt != 0 && w.ArchivedAt > w.UnarchivedAt
}

// TaskSettings bounds subagent fan-out for a project.
type TaskSettings struct {
	MaxParallelAgentTasks int `json:"maxParallelAgentTasks"`
	MaxTaskNestingDepth   int `json:"maxTaskNestingDepth"`
}

// Section is one node of a project's in-order linked list of sections,
// threaded via NextID (spec §3).
type Section struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	NextID string `json:"nextId,omitempty"`
}

// Project is keyed by absolute filesystem path in the Config document.
type Project struct {
	Path               string        `json:"-"`
	Workspaces         []Workspace   `json:"workspaces"`
	Sections           []Section     `json:"sections,omitempty"`
	TaskSettings       *TaskSettings `json:"taskSettings,omitempty"`
	IdleCompactionHours float64      `json:"idleCompactionHours,omitempty"`
}

// FindWorkspace returns the workspace with the given id, if present.
func (p Project) FindWorkspace(id string) (Workspace, bool) {
	for _, w := range p.Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return Workspace{}, false
}

// NameConflict reports whether name is already used by a non-archived
// workspace in this project, per the uniqueness invariant in spec §3.
func (p Project) NameConflict(name string, excludeID string) bool {
	for _, w := range p.Workspaces {
		if w.ID == excludeID {
			continue
		}
		if w.IsArchived() {
			continue
		}
		if w.Name == name {
			return true
		}
	}
	return false
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewWorkspaceID generates a stable 10-character lowercase id (spec §3).
func NewWorkspaceID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("workspace: generate id: %w", err)
	}
	out := make([]byte, 10)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
