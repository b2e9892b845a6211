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

// Package runtime is the L1 uniform adapter over local filesystem,
// git-worktree, SSH host, and container execution targets (spec
// §4.1). Every component that touches a workspace's files or shell
// goes through a Runtime rather than the host process's own cwd.
package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// FileInfo is the result of Stat.
type FileInfo struct {
	Size        int64
	IsDirectory bool
	Mode        os.FileMode
	ModTime     time.Time
}

// ExecOptions configures a single synchronous command run.
type ExecOptions struct {
	Cwd        string
	TimeoutSec int
	Env        map[string]string
	Stdin      string
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	WallMs     int64
	Truncated  bool
}

// SpawnOptions configures a long-running background command.
type SpawnOptions struct {
	Cwd   string
	Env   map[string]string
	Stdin io.Reader
}

// Process is a handle on a backgrounded command started by Spawn.
type Process interface {
	// Stdout/Stderr stream accumulated output chunks; each read
	// reflects everything produced since the process started.
	Stdout() string
	Stderr() string
	// Wait blocks until the process exits or ctx is cancelled, in
	// which case the process is killed and its stdio closed on the
	// write side first to avoid pipeline hangs.
	Wait(ctx context.Context) (exitCode int, err error)
	// Kill terminates the process immediately.
	Kill() error
}

// CreateWorkspaceOptions configures CreateWorkspace.
type CreateWorkspaceOptions struct {
	ProjectPath   string
	BranchName    string
	TrunkBranch   string
	DirectoryName string
	// InitLogger receives each line of stdout/stderr produced by the
	// project's .mux/init hook, if present.
	InitLogger func(line string)
}

// CreateWorkspaceResult is the outcome of CreateWorkspace.
type CreateWorkspaceResult struct {
	Path        string
	InitHookRan bool
	InitExit    int
}

// ReadyState is the outcome of EnsureReady.
type ReadyState struct {
	Ready     bool
	Error     error
	ErrorType string // "runtime_not_ready" | "runtime_start_failed"
}

// StatusSink receives human-readable phase updates while EnsureReady
// brings a runtime up (starting a container, waking a remote host).
type StatusSink func(phase string)

// ErrNotFound is returned by Stat/ReadFile when path does not exist.
var ErrNotFound = errors.New("runtime: not found")

// Runtime is the capability set every workspace-touching component
// depends on (spec §4.1). Exec and Spawn are cancellation-aware: a
// cancelled ctx must forward an abort signal to the underlying
// process and close its stdio on the write side before waiting on
// exit, never leaving a `grep | head`-style pipeline hung on a full
// pipe buffer.
type Runtime interface {
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error

	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
	Spawn(ctx context.Context, command string, opts SpawnOptions) (Process, error)

	ResolvePath(p string) (string, error)
	NormalizePath(rel, base string) string

	CreateWorkspace(ctx context.Context, opts CreateWorkspaceOptions) (CreateWorkspaceResult, error)
	EnsureReady(ctx context.Context, sink StatusSink) (ReadyState, error)
}
