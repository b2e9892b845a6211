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

// Package config implements the Config Store (spec §4.2): a single
// durable JSON document of projects, workspaces, and task/ai settings,
// mutated only through atomic compare-and-write closures.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Root returns the orchestrator's data directory.
//
// Priority:
//  1. MUX_ROOT environment variable (tilde-expanded, made absolute).
//  2. ~/.mux.
//  3. ".mux" relative to the process cwd, if the home directory can't
//     be resolved.
func Root() string {
	if dir := os.Getenv("MUX_ROOT"); dir != "" {
		return expandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mux"
	}
	return filepath.Join(home, ".mux")
}

// SubDir returns a subdirectory within the root data directory, e.g.
// SubDir("agents") -> ~/.mux/agents.
func SubDir(name string) string {
	return filepath.Join(Root(), name)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
