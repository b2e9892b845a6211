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

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/muxrun/mux/internal/runtime"
)

// RuntimeResolver looks up the Runtime a workspace should execute
// against; the same function value every other layer threads through
// (orchestrator.Deps.Runtimes, wsservice).
type RuntimeResolver func(wsID string) (runtime.Runtime, error)

// CostLookup reports a workspace's cumulative session cost in USD,
// exposed to shell tools as MUX_COSTS_USD (spec §6).
type CostLookup func(wsID string) float64

type fileReadInput struct {
	Path      string `json:"path"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewFileReadHandler reads a file through the workspace's runtime,
// optionally slicing by line (spec §4.1 readFile, composed with the
// tool surface of spec §4.6).
func NewFileReadHandler(runtimes RuntimeResolver) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in fileReadInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: file_read: decode input: %w", err)
		}
		rt, err := runtimes(call.WorkspaceID)
		if err != nil {
			return Result{}, err
		}
		path, err := rt.ResolvePath(in.Path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		data, err := rt.ReadFile(ctx, path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		content := string(data)
		if in.Offset > 0 || in.Limit > 0 {
			lines := strings.Split(content, "\n")
			start := in.Offset
			if start > len(lines) {
				start = len(lines)
			}
			end := len(lines)
			if in.Limit > 0 && start+in.Limit < end {
				end = start + in.Limit
			}
			content = strings.Join(lines[start:end], "\n")
		}
		return Result{Content: content}, nil
	}
}

type fileEditReplaceInput struct {
	Path      string `json:"path"`
	OldString string `json:"oldString"`
	NewString string `json:"newString"`
	ReplaceAll bool  `json:"replaceAll,omitempty"`
}

// ErrAmbiguousEdit is returned when oldString matches more than once
// and replaceAll wasn't requested, mirroring the uniqueness invariant
// editing tools in this family enforce.
var ErrAmbiguousEdit = fmt.Errorf("tool: file_edit_replace_string: oldString is not unique")

// ErrNoMatch is returned when oldString is not found in the file.
var ErrNoMatch = fmt.Errorf("tool: file_edit_replace_string: oldString not found")

// NewFileEditReplaceStringHandler performs a literal string
// replacement and reports the resulting diff, computed with
// diffmatchpatch, via Result.Metadata.
func NewFileEditReplaceStringHandler(runtimes RuntimeResolver) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in fileEditReplaceInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: file_edit_replace_string: decode input: %w", err)
		}
		rt, err := runtimes(call.WorkspaceID)
		if err != nil {
			return Result{}, err
		}
		path, err := rt.ResolvePath(in.Path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		data, err := rt.ReadFile(ctx, path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		before := string(data)
		count := strings.Count(before, in.OldString)
		if count == 0 {
			return Result{IsError: true, Content: ErrNoMatch.Error()}, nil
		}
		if count > 1 && !in.ReplaceAll {
			return Result{IsError: true, Content: ErrAmbiguousEdit.Error()}, nil
		}

		var after string
		if in.ReplaceAll {
			after = strings.ReplaceAll(before, in.OldString, in.NewString)
		} else {
			after = strings.Replace(before, in.OldString, in.NewString, 1)
		}
		if err := rt.WriteFile(ctx, path, []byte(after)); err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}

		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(before, after, false)
		diffs = dmp.DiffCleanupSemantic(diffs)
		return Result{
			Content:  fmt.Sprintf("edited %s", in.Path),
			Metadata: map[string]any{"diff": dmp.DiffPrettyText(diffs)},
		}, nil
	}
}

type fileEditInsertInput struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// NewFileEditInsertHandler inserts text before the given 0-indexed
// line (appending at end-of-file when line >= line count).
func NewFileEditInsertHandler(runtimes RuntimeResolver) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in fileEditInsertInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: file_edit_insert: decode input: %w", err)
		}
		rt, err := runtimes(call.WorkspaceID)
		if err != nil {
			return Result{}, err
		}
		path, err := rt.ResolvePath(in.Path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		data, err := rt.ReadFile(ctx, path)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		lines := strings.Split(string(data), "\n")
		at := in.Line
		if at < 0 {
			at = 0
		}
		if at > len(lines) {
			at = len(lines)
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:at]...)
		out = append(out, in.Text)
		out = append(out, lines[at:]...)

		if err := rt.WriteFile(ctx, path, []byte(strings.Join(out, "\n"))); err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		return Result{Content: fmt.Sprintf("inserted into %s at line %d", in.Path, at)}, nil
	}
}

type bashInput struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

const defaultBashTimeoutSec = 120

// scratchFilePaths returns the workspace-relative MUX_OUTPUT and
// MUX_PROMPT paths for one tool call, namespaced under .mux/tmp/ so
// concurrent bash calls never collide (spec §6).
func scratchFilePaths(toolCallID string) (output, prompt string) {
	id := toolCallID
	if id == "" {
		id = uuid.NewString()
	}
	base := ".mux/tmp/" + id
	return base + ".output", base + ".prompt"
}

// shellEnv builds the MUX_OUTPUT/MUX_PROMPT/MUX_COSTS_USD environment
// a shell tool runs with (spec §6: "pipe MUX_OUTPUT and MUX_PROMPT file
// paths in the subprocess environment... MUX_COSTS_USD cumulative cost
// for this session").
func shellEnv(wsID, outputPath, promptPath string, costs CostLookup) map[string]string {
	env := map[string]string{
		"MUX_OUTPUT": outputPath,
		"MUX_PROMPT": promptPath,
	}
	if costs != nil {
		env["MUX_COSTS_USD"] = strconv.FormatFloat(costs(wsID), 'f', 4, 64)
	}
	return env
}

// readScratchFile best-effort reads back a MUX_OUTPUT/MUX_PROMPT file a
// shell tool may have written; a tool that never touches the path is
// the common case, so a read error is silently treated as "nothing
// written" rather than surfaced to the model.
func readScratchFile(ctx context.Context, rt runtime.Runtime, path string) string {
	resolved, err := rt.ResolvePath(path)
	if err != nil {
		return ""
	}
	data, err := rt.ReadFile(ctx, resolved)
	if err != nil {
		return ""
	}
	return string(data)
}

// NewBashHandler runs a synchronous shell command through the
// workspace's runtime (spec §4.1 exec).
func NewBashHandler(runtimes RuntimeResolver, costs CostLookup) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in bashInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: bash: decode input: %w", err)
		}
		rt, err := runtimes(call.WorkspaceID)
		if err != nil {
			return Result{}, err
		}
		timeout := in.TimeoutSec
		if timeout <= 0 {
			timeout = defaultBashTimeoutSec
		}
		outputPath, promptPath := scratchFilePaths(call.ToolCallID)
		res, err := rt.Exec(ctx, in.Command, runtime.ExecOptions{
			Cwd:        in.Cwd,
			TimeoutSec: timeout,
			Env:        shellEnv(call.WorkspaceID, outputPath, promptPath, costs),
		})
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		meta := map[string]any{
			"exitCode":  res.ExitCode,
			"stderr":    res.Stderr,
			"wallMs":    res.WallMs,
			"truncated": res.Truncated,
		}
		if toast := readScratchFile(ctx, rt, outputPath); toast != "" {
			meta["toast"] = toast
		}
		if promptAppend := readScratchFile(ctx, rt, promptPath); promptAppend != "" {
			meta["promptAppend"] = promptAppend
		}
		return Result{
			Content:  res.Stdout,
			IsError:  res.ExitCode != 0,
			Metadata: meta,
		}, nil
	}
}

// backgroundEntry pairs a spawned process with the runtime and scratch
// paths bash_output needs to read its MUX_OUTPUT/MUX_PROMPT files back
// once it exits.
type backgroundEntry struct {
	proc       runtime.Process
	runtime    runtime.Runtime
	outputPath string
	promptPath string
}

// BackgroundProcesses tracks spawned background commands so
// bash_output can poll a process started by an earlier
// bash_background_start call. Keyed by the tool call id that started
// the process.
type BackgroundProcesses struct {
	mu    sync.Mutex
	procs map[string]backgroundEntry
}

// NewBackgroundProcesses constructs an empty tracker.
func NewBackgroundProcesses() *BackgroundProcesses {
	return &BackgroundProcesses{procs: make(map[string]backgroundEntry)}
}

func (b *BackgroundProcesses) put(id string, e backgroundEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.procs[id] = e
}

func (b *BackgroundProcesses) get(id string) (backgroundEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.procs[id]
	return e, ok
}

type bashBackgroundStartInput struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// NewBashBackgroundStartHandler spawns a long-running command and
// registers it under its own tool call id for later bash_output polls.
func NewBashBackgroundStartHandler(runtimes RuntimeResolver, procs *BackgroundProcesses, costs CostLookup) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in bashBackgroundStartInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: bash_background_start: decode input: %w", err)
		}
		rt, err := runtimes(call.WorkspaceID)
		if err != nil {
			return Result{}, err
		}
		outputPath, promptPath := scratchFilePaths(call.ToolCallID)
		proc, err := rt.Spawn(ctx, in.Command, runtime.SpawnOptions{
			Cwd: in.Cwd,
			Env: shellEnv(call.WorkspaceID, outputPath, promptPath, costs),
		})
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		procs.put(call.ToolCallID, backgroundEntry{proc: proc, runtime: rt, outputPath: outputPath, promptPath: promptPath})
		return Result{Content: fmt.Sprintf("started background process %s", call.ToolCallID)}, nil
	}
}

type bashOutputInput struct {
	ProcessID string `json:"processId"`
	Wait      bool   `json:"wait,omitempty"`
}

// NewBashOutputHandler reports accumulated stdout/stderr for a
// previously started background command, optionally blocking until it
// exits.
func NewBashOutputHandler(procs *BackgroundProcesses) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in bashOutputInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: bash_output: decode input: %w", err)
		}
		entry, ok := procs.get(in.ProcessID)
		if !ok {
			return Result{IsError: true, Content: fmt.Sprintf("no background process %q", in.ProcessID)}, nil
		}
		if !in.Wait {
			return Result{
				Content:  entry.proc.Stdout(),
				Metadata: map[string]any{"stderr": entry.proc.Stderr(), "running": true},
			}, nil
		}
		exitCode, err := entry.proc.Wait(ctx)
		meta := map[string]any{"stderr": entry.proc.Stderr(), "running": false, "exitCode": exitCode}
		if err != nil {
			meta["waitError"] = err.Error()
		}
		if toast := readScratchFile(ctx, entry.runtime, entry.outputPath); toast != "" {
			meta["toast"] = toast
		}
		if promptAppend := readScratchFile(ctx, entry.runtime, entry.promptPath); promptAppend != "" {
			meta["promptAppend"] = promptAppend
		}
		return Result{Content: entry.proc.Stdout(), IsError: exitCode != 0, Metadata: meta}, nil
	}
}
