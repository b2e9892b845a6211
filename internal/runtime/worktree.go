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

package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Worktree isolates a workspace in its own `git worktree`, branched
// off the project's trunk, rather than touching the project directory
// in place. All filesystem/exec operations otherwise behave exactly
// like Local, rooted at the worktree's directory.
type Worktree struct {
	*Local
	SrcBaseDir string
}

// NewWorktree returns a Worktree runtime rooted at the already-created
// worktree directory dir.
func NewWorktree(dir, srcBaseDir string) *Worktree {
	return &Worktree{Local: NewLocal(dir), SrcBaseDir: srcBaseDir}
}

// CreateWorkspace runs `git worktree add` against opts.ProjectPath to
// materialize opts.DirectoryName under w.SrcBaseDir on a new branch
// opts.BranchName off opts.TrunkBranch, then runs the init hook.
func (w *Worktree) CreateWorkspace(ctx context.Context, opts CreateWorkspaceOptions) (CreateWorkspaceResult, error) {
	if err := os.MkdirAll(w.SrcBaseDir, 0o750); err != nil {
		return CreateWorkspaceResult{}, fmt.Errorf("runtime: create worktree base dir: %w", err)
	}

	dir := filepath.Join(w.SrcBaseDir, opts.DirectoryName)
	trunk := opts.TrunkBranch
	if trunk == "" {
		trunk = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", opts.BranchName, dir, trunk)
	cmd.Dir = opts.ProjectPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return CreateWorkspaceResult{}, fmt.Errorf("runtime: git worktree add failed: %w: %s", err, out)
	}

	w.Local = NewLocal(dir)
	return runInitHook(ctx, w, dir, opts.InitLogger)
}

// EnsureReady for a worktree is the same path-exists probe as Local:
// once `git worktree add` has run, the directory is immediately
// usable with no separate readiness wait.
func (w *Worktree) EnsureReady(ctx context.Context, sink StatusSink) (ReadyState, error) {
	return w.Local.EnsureReady(ctx, sink)
}

// RemoveWorktree runs `git worktree remove` against the worktree, used
// by workspace removal (spec §4.9).
func RemoveWorktree(ctx context.Context, projectPath, dir string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = projectPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("runtime: git worktree remove failed: %w: %s", err, out)
	}
	return nil
}
