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

package agentdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir walks dir non-recursively for *.md files and parses each one
// into a Definition tagged with scope, using the file's basename
// (without extension) as the agent id. A missing directory is not an
// error — built-in definitions are compiled in, global/project
// directories commonly don't exist yet.
func LoadDir(dir string, scope Scope) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentdef: read dir %s: %w", dir, err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agentdef: read %s: %w", path, err)
		}
		def, err := Parse(path, content)
		if err != nil {
			return nil, err
		}
		def.ID = strings.TrimSuffix(entry.Name(), ".md")
		def.Scope = scope
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadBuiltin parses a fixed set of embedded-at-compile-time
// definitions; callers typically pass a small hardcoded slice for the
// handful of first-party agents shipped with the binary (spec §4.4's
// "built-in" scope is not a directory the operator edits).
func LoadBuiltin(files map[string][]byte) ([]Definition, error) {
	var defs []Definition
	for name, content := range files {
		def, err := Parse(name, content)
		if err != nil {
			return nil, err
		}
		def.ID = strings.TrimSuffix(filepath.Base(name), ".md")
		def.Scope = ScopeBuiltin
		defs = append(defs, def)
	}
	return defs, nil
}
