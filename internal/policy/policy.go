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

// Package policy resolves the effective tool-policy filter list for an
// (agent, subagent, depth) triple and applies it against a tool name
// set (spec §4.5).
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode is the effective operating mode of an agent.
type Mode string

const (
	ModeExec    Mode = "exec"
	ModePlan    Mode = "plan"
	ModeCompact Mode = "compact"
)

// PermissionMode narrows the baseline tool surface independently of
// the tools/policy.tools.* frontmatter fields.
type PermissionMode string

const (
	PermissionDefault  PermissionMode = "default"
	PermissionReadOnly PermissionMode = "readOnly"
	// PermissionUndefined is the zero value: no permissionMode was set
	// on the agent's frontmatter.
	PermissionUndefined PermissionMode = ""
)

// Action is what a filter entry does to a matched tool name.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionRequire Action = "require"
)

// Filter is one entry of the ordered policy list. Later entries
// override earlier ones for a given tool name (except Require, which
// overrides everything).
type Filter struct {
	Pattern string
	Action  Action
}

// Policy is the ordered filter list produced by Resolve.
type Policy []Filter

// Input bundles everything Resolve needs to compute the effective
// policy for a single streamMessage invocation.
type Input struct {
	Mode                     Mode
	PermissionMode           PermissionMode
	Tools                    []string
	DisallowedTools          []string
	PolicyToolsOnly          []string
	PolicyToolsDeny          []string
	IsSubagent               bool
	DisableTaskToolsForDepth bool
}

var aliasPatterns = map[string]string{
	"Read": "file_read",
	"Edit": "file_edit_.*",
	"Bash": "(?:bash|bash_output|bash_background_.*)",
}

// normalizeNames trims whitespace, drops empties, and maps human
// aliases to their canonical regex (spec §4.5 last paragraph).
func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if canon, ok := aliasPatterns[n]; ok {
			n = canon
		}
		out = append(out, n)
	}
	return out
}

func asEnable(names []string) []Filter {
	out := make([]Filter, 0, len(names))
	for _, n := range names {
		out = append(out, Filter{Pattern: n, Action: ActionEnable})
	}
	return out
}

func asDisable(names []string) []Filter {
	out := make([]Filter, 0, len(names))
	for _, n := range names {
		out = append(out, Filter{Pattern: n, Action: ActionDisable})
	}
	return out
}

// baselineDeniedInMode reports whether name is hard-denied regardless
// of an `only` allowlist trying to re-enable it, e.g. propose_plan in
// exec mode (spec §4.5 step 3 parenthetical).
func baselineDeniedInMode(mode Mode, name string) bool {
	return mode == ModeExec && name == "propose_plan"
}

// Resolve computes the ordered filter list for in, per the algorithm
// in spec §4.5. Hard-denies are appended last so no earlier entry can
// re-enable them.
func Resolve(in Input) Policy {
	if in.Mode == ModeCompact {
		return Policy{{Pattern: ".*", Action: ActionDisable}}
	}

	var p Policy

	switch in.PermissionMode {
	case PermissionDefault:
		// no baseline filters
	case PermissionReadOnly:
		p = append(p, Filter{Pattern: ".*", Action: ActionDisable})
		for _, n := range []string{"file_read", "agent_skill_read", "agent_skill_read_file", "web_fetch"} {
			p = append(p, Filter{Pattern: n, Action: ActionEnable})
		}
	default: // PermissionUndefined: safe-by-default for unknown custom agents
		p = append(p, Filter{Pattern: ".*", Action: ActionDisable})
	}

	only := normalizeNames(in.PolicyToolsOnly)
	if len(only) > 0 {
		p = Policy{{Pattern: ".*", Action: ActionDisable}}
		for _, n := range only {
			if baselineDeniedInMode(in.Mode, n) {
				continue
			}
			p = append(p, Filter{Pattern: n, Action: ActionEnable})
		}
	} else {
		p = append(p, asEnable(normalizeNames(in.Tools))...)
		p = append(p, asDisable(normalizeNames(in.DisallowedTools))...)
		p = append(p, asDisable(normalizeNames(in.PolicyToolsDeny))...)
	}

	if in.Mode == ModeExec {
		p = append(p, Filter{Pattern: "propose_plan", Action: ActionDisable})
	}

	if in.DisableTaskToolsForDepth {
		p = append(p, Filter{Pattern: "task", Action: ActionDisable})
		p = append(p, Filter{Pattern: "task_.*", Action: ActionDisable})
	}

	if in.IsSubagent {
		for _, n := range []string{"task", "task_.*", "propose_plan", "ask_user_question"} {
			p = append(p, Filter{Pattern: n, Action: ActionDisable})
		}
		p = append(p, Filter{Pattern: "agent_report", Action: ActionEnable})
	}

	return p
}

// ErrAmbiguousRequire is returned by Apply when more than one distinct
// tool name is matched by a `require` filter.
type ErrAmbiguousRequire struct {
	Names []string
}

func (e *ErrAmbiguousRequire) Error() string {
	return fmt.Sprintf("policy: ambiguous require matched multiple tools: %v", e.Names)
}

// Apply filters tools (a list of tool names) against p, per
// applyToolPolicy (spec §4.5). Every pattern is implicitly anchored.
func Apply(tools []string, p Policy) ([]string, error) {
	if len(p) == 0 {
		return tools, nil
	}

	compiled := make([]struct {
		re     *regexp.Regexp
		action Action
	}, 0, len(p))
	for _, f := range p {
		re, err := regexp.Compile("^(?:" + f.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("policy: invalid pattern %q: %w", f.Pattern, err)
		}
		compiled = append(compiled, struct {
			re     *regexp.Regexp
			action Action
		}{re, f.Action})
	}

	requireSeen := map[string]bool{}
	for _, name := range tools {
		for _, c := range compiled {
			if c.action == ActionRequire && c.re.MatchString(name) {
				requireSeen[name] = true
			}
		}
	}
	if len(requireSeen) > 0 {
		if len(requireSeen) > 1 {
			names := make([]string, 0, len(requireSeen))
			for n := range requireSeen {
				names = append(names, n)
			}
			return nil, &ErrAmbiguousRequire{Names: names}
		}
		for n := range requireSeen {
			return []string{n}, nil
		}
	}

	enabled := make(map[string]bool, len(tools))
	for _, name := range tools {
		enabled[name] = true
		for _, c := range compiled {
			if c.action == ActionRequire {
				continue
			}
			if c.re.MatchString(name) {
				enabled[name] = c.action == ActionEnable
			}
		}
	}

	out := make([]string, 0, len(tools))
	for _, name := range tools {
		if enabled[name] {
			out = append(out, name)
		}
	}
	return out, nil
}
