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

// Package agentdef loads and resolves agent-definition markdown files
// (spec §4.4): built-in, global (~/.mux/agents), and project
// (<workspace>/.mux/agents) scopes, with deterministic precedence and
// prompt inheritance.
package agentdef

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope names where a definition came from. Later scopes win on id
// collision.
type Scope int

const (
	ScopeBuiltin Scope = iota
	ScopeGlobal
	ScopeProject
)

func (s Scope) String() string {
	switch s {
	case ScopeBuiltin:
		return "built-in"
	case ScopeGlobal:
		return "global"
	case ScopeProject:
		return "project"
	default:
		return "unknown"
	}
}

// UIHints controls agent visibility in a client.
type UIHints struct {
	Selectable *bool  `yaml:"selectable,omitempty"`
	Hidden     bool   `yaml:"hidden,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty"`
	Color      string `yaml:"color,omitempty"`
}

// ToolsPolicyOnlyDeny is the policy.tools block in frontmatter.
type ToolsPolicyOnlyDeny struct {
	Only []string `yaml:"only,omitempty"`
	Deny []string `yaml:"deny,omitempty"`
}

// PolicyBlock is the policy.{base,tools} frontmatter block.
type PolicyBlock struct {
	Base  string              `yaml:"base,omitempty"`
	Tools ToolsPolicyOnlyDeny `yaml:"tools,omitempty"`
}

// AIDefaults is the ai block in frontmatter.
type AIDefaults struct {
	Model         string `yaml:"model,omitempty"`
	ThinkingLevel string `yaml:"thinkingLevel,omitempty"`
}

// Frontmatter is the parsed YAML header of an agent markdown file
// (spec §3).
type Frontmatter struct {
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description,omitempty"`
	Base             string       `yaml:"base,omitempty"`
	PromptAppend     *bool        `yaml:"prompt.append,omitempty"`
	PermissionMode   string       `yaml:"permissionMode,omitempty"`
	Tools            []string     `yaml:"tools,omitempty"`
	DisallowedTools  []string     `yaml:"disallowedTools,omitempty"`
	Policy           PolicyBlock  `yaml:"policy,omitempty"`
	UI               UIHints      `yaml:"ui,omitempty"`
	SubagentRunnable bool         `yaml:"subagent.runnable,omitempty"`
	AI               *AIDefaults  `yaml:"ai,omitempty"`
}

// AppendToBase reports the effective prompt.append default (spec §9
// open question #1): false unless explicitly set true.
func (f Frontmatter) AppendToBase() bool {
	return f.PromptAppend != nil && *f.PromptAppend
}

// Definition is one loaded agent markdown file.
type Definition struct {
	ID          string
	Scope       Scope
	Path        string
	Frontmatter Frontmatter
	Body        string
}

// Descriptor is the summary view returned by DiscoverAgentDefinitions:
// enough to populate a picker without resolving inheritance.
type Descriptor struct {
	ID          string
	Name        string
	Description string
	Scope       Scope
}

// ParseError is the typed AgentDefinitionParseError named in spec §4.4.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agentdef: parse %s: %s", e.Path, e.Reason)
}

const frontmatterDelim = "---"

// Parse splits a markdown-with-frontmatter document into its
// Frontmatter and Body, failing with a *ParseError on malformed input
// per spec §4.4: missing delimiters, invalid YAML, or both
// policy.tools.deny and policy.tools.only set.
func Parse(path string, content []byte) (Definition, error) {
	text := string(content)
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return Definition{}, &ParseError{Path: path, Reason: "missing frontmatter delimiters"}
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelim {
			end = i
			break
		}
	}
	if end == -1 {
		return Definition{}, &ParseError{Path: path, Reason: "missing closing frontmatter delimiter"}
	}

	yamlBlock := strings.Join(lines[1:end], "\n")
	body := strings.TrimLeft(strings.Join(lines[end+1:], "\n"), "\n")

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return Definition{}, &ParseError{Path: path, Reason: "invalid YAML: " + err.Error()}
	}

	if len(fm.Policy.Tools.Only) > 0 && len(fm.Policy.Tools.Deny) > 0 {
		return Definition{}, &ParseError{Path: path, Reason: "policy.tools.deny and policy.tools.only are mutually exclusive"}
	}

	return Definition{Frontmatter: fm, Body: body, Path: path}, nil
}

// Registry holds every discovered definition, indexed by id with
// scope-precedence already applied.
type Registry struct {
	byID map[string]Definition
}

// NewRegistry merges three scope-ordered definition lists
// (built-in, global, project, lowest to highest precedence) into one
// registry: higher scope wins on id collision (spec §4.4).
func NewRegistry(builtin, global, project []Definition) *Registry {
	r := &Registry{byID: make(map[string]Definition)}
	for _, defs := range [][]Definition{builtin, global, project} {
		for _, d := range defs {
			r.byID[d.ID] = d
		}
	}
	return r
}

// Get resolves a single definition by id.
func (r *Registry) Get(id string) (Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Discover returns every non-disabled definition sorted by display
// name (spec §4.4 discoverAgentDefinitions).
func (r *Registry) Discover() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		if d.Frontmatter.UI.Disabled {
			continue
		}
		out = append(out, Descriptor{
			ID:          d.ID,
			Name:        d.Frontmatter.Name,
			Description: d.Frontmatter.Description,
			Scope:       d.Scope,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const maxInheritanceDepth = 10

// ErrCircularInheritance is returned by ResolveBody on a base cycle.
var ErrCircularInheritance = fmt.Errorf("agentdef: circular inheritance")

// ErrInheritanceTooDeep is returned when a base chain exceeds
// maxInheritanceDepth.
var ErrInheritanceTooDeep = fmt.Errorf("agentdef: inheritance chain exceeds depth %d", maxInheritanceDepth)

// ResolveBody computes the effective system-prompt body for id,
// recursively applying prompt.append inheritance (spec §4.4): when an
// agent has AppendToBase()==true and a Base, the base's body is
// resolved first and concatenated in front, separated by "\n\n" when
// both sides are non-empty. Cycle detection uses a visited set; depth
// is capped at maxInheritanceDepth.
func (r *Registry) ResolveBody(id string) (string, error) {
	return r.resolveBody(id, map[string]bool{}, 0)
}

func (r *Registry) resolveBody(id string, visited map[string]bool, depth int) (string, error) {
	if depth > maxInheritanceDepth {
		return "", ErrInheritanceTooDeep
	}
	if visited[id] {
		return "", ErrCircularInheritance
	}
	visited[id] = true

	def, ok := r.byID[id]
	if !ok {
		return "", fmt.Errorf("agentdef: unknown id %q", id)
	}

	if !def.Frontmatter.AppendToBase() || def.Frontmatter.Base == "" {
		return def.Body, nil
	}

	baseBody, err := r.resolveBody(def.Frontmatter.Base, visited, depth+1)
	if err != nil {
		return "", err
	}

	if baseBody == "" {
		return def.Body, nil
	}
	if def.Body == "" {
		return baseBody, nil
	}
	return baseBody + "\n\n" + def.Body, nil
}
