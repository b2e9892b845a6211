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

// Package tool is the canonical tool registry and dispatcher (spec
// §4.6): it holds one Definition per tool name, resolves a workspace's
// effective call surface against an internal/policy.Policy, and
// invokes the matching Handler.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/muxrun/mux/internal/policy"
)

// Canonical tool names referenced directly by spec §4.6 and the
// scheduler/stream packages.
const (
	NameFileRead              = "file_read"
	NameFileEditReplaceString = "file_edit_replace_string"
	NameFileEditInsert        = "file_edit_insert"
	NameBash                  = "bash"
	NameBashOutput            = "bash_output"
	NameBashBackgroundStart   = "bash_background_start"
	NameTask                  = "task"
	NameAgentReport           = "agent_report"
	NameProposePlan           = "propose_plan"
	NameAskUserQuestion       = "ask_user_question"
	NameWebFetch              = "web_fetch"
	NameAgentSkillRead        = "agent_skill_read"
	NameAgentSkillReadFile    = "agent_skill_read_file"
)

// Result is a tool invocation's output, serialized to JSON for the
// output-available tool-call part (spec §3 Part.output).
type Result struct {
	Content  string `json:"content,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
}

// Handler executes one tool call against a resolved workspace context.
// input is the raw JSON arguments the model produced.
type Handler func(ctx context.Context, call Call) (Result, error)

// Call bundles the identifying information a Handler needs: which
// workspace issued the call, the tool call id (threaded back onto the
// Part by the stream manager), and the raw arguments.
type Call struct {
	WorkspaceID string
	ToolCallID  string
	Input       json.RawMessage
}

// Definition is one registered tool: its canonical name and handler.
// Description/JSON schema are supplied by the provider adapter layer,
// which maps Definition into that provider's tool-declaration shape.
type Definition struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry holds every tool the orchestrator knows how to dispatch.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns an empty registry; call Register to populate it.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def Definition) {
	r.defs[def.Name] = def
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve computes the tool names visible under p (spec §4.5
// applyToolPolicy, delegated to internal/policy).
func (r *Registry) Resolve(p policy.Policy) ([]string, error) {
	return policy.Apply(r.Names(), p)
}

// ErrUnknownTool is returned by Dispatch when no Definition is
// registered under the requested name.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tool: unknown tool %q", e.Name)
}

// ErrDenied is returned by Dispatch when name is a registered tool but
// not present in the caller's resolved, policy-filtered surface.
type ErrDenied struct{ Name string }

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("tool: %q is not enabled by the current policy", e.Name)
}

// Dispatch resolves allowed against p and invokes name's handler, if
// permitted. The dispatcher never exposes a tool call outside the
// filtered set (spec §4.6 "tools not in the filtered set do not
// appear in the call surface at all").
func (r *Registry) Dispatch(ctx context.Context, name string, p policy.Policy, call Call) (Result, error) {
	def, ok := r.defs[name]
	if !ok {
		return Result{}, &ErrUnknownTool{Name: name}
	}

	allowed, err := r.Resolve(p)
	if err != nil {
		return Result{}, err
	}
	permitted := false
	for _, a := range allowed {
		if a == name {
			permitted = true
			break
		}
	}
	if !permitted {
		return Result{}, &ErrDenied{Name: name}
	}

	return def.Handler(ctx, call)
}
