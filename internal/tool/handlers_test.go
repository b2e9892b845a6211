package tool_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/internal/runtime"
	"github.com/muxrun/mux/internal/tool"
)

type fakeRuntime struct {
	runtime.Runtime
	files map[string]string
	exec  func(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecResult, error)
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{files: make(map[string]string)} }

func (f *fakeRuntime) ResolvePath(p string) (string, error) { return p, nil }

func (f *fakeRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return []byte(content), nil
}

func (f *fakeRuntime) WriteFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = string(data)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	if f.exec != nil {
		return f.exec(ctx, command, opts)
	}
	return runtime.ExecResult{Stdout: "ran: " + command, ExitCode: 0}, nil
}

func resolver(rt runtime.Runtime) tool.RuntimeResolver {
	return func(wsID string) (runtime.Runtime, error) { return rt, nil }
}

func TestFileReadHandlerReturnsContent(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "line1\nline2\nline3"

	h := tool.NewFileReadHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3", res.Content)
}

func TestFileReadHandlerSlicesByOffsetAndLimit(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "l0\nl1\nl2\nl3\nl4"

	h := tool.NewFileReadHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "offset": 1, "limit": 2})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2", res.Content)
}

func TestFileEditReplaceStringRewritesFile(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "hello world"

	h := tool.NewFileEditReplaceStringHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "world", "newString": "mux"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello mux", rt.files["a.txt"])
}

func TestFileEditReplaceStringRejectsAmbiguousMatch(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "foo foo"

	h := tool.NewFileEditReplaceStringHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "foo", "newString": "bar"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not unique")
}

func TestFileEditReplaceStringReplaceAllRewritesEveryOccurrence(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "foo foo"

	h := tool.NewFileEditReplaceStringHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "oldString": "foo", "newString": "bar", "replaceAll": true})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "bar bar", rt.files["a.txt"])
}

func TestFileEditInsertAddsLineAtPosition(t *testing.T) {
	rt := newFakeRuntime()
	rt.files["a.txt"] = "l0\nl1\nl2"

	h := tool.NewFileEditInsertHandler(resolver(rt))
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "line": 1, "text": "inserted"})
	_, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.Equal(t, "l0\ninserted\nl1\nl2", rt.files["a.txt"])
}

func TestBashHandlerRunsCommand(t *testing.T) {
	rt := newFakeRuntime()
	h := tool.NewBashHandler(resolver(rt), nil)
	input, _ := json.Marshal(map[string]any{"command": "echo hi"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", Input: input})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ran: echo hi", res.Content)
}

func TestBashHandlerExposesCostsAndScratchFilesInEnv(t *testing.T) {
	rt := newFakeRuntime()
	var gotEnv map[string]string
	rt.exec = func(ctx context.Context, command string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
		gotEnv = opts.Env
		rt.files[opts.Env["MUX_OUTPUT"]] = "toast message"
		rt.files[opts.Env["MUX_PROMPT"]] = "prompt append"
		return runtime.ExecResult{Stdout: "ran", ExitCode: 0}, nil
	}
	costs := func(wsID string) float64 { return 1.5 }

	h := tool.NewBashHandler(resolver(rt), costs)
	input, _ := json.Marshal(map[string]any{"command": "echo hi"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "ws1", ToolCallID: "call1", Input: input})
	require.NoError(t, err)
	assert.Equal(t, "1.5000", gotEnv["MUX_COSTS_USD"])
	assert.NotEmpty(t, gotEnv["MUX_OUTPUT"])
	assert.NotEmpty(t, gotEnv["MUX_PROMPT"])
	assert.Equal(t, "toast message", res.Metadata["toast"])
	assert.Equal(t, "prompt append", res.Metadata["promptAppend"])
}

type fakeTaskCreator struct {
	taskID, status string
}

func (f *fakeTaskCreator) CreateTaskTool(ctx context.Context, parentWorkspaceID, parentToolCallID, kind, agentType, prompt string, runInBackground bool) (string, string, error) {
	return f.taskID, f.status, nil
}

func TestTaskHandlerForwardsToCreator(t *testing.T) {
	creator := &fakeTaskCreator{taskID: "t1", status: "running"}
	h := tool.NewTaskHandler(creator)
	input, _ := json.Marshal(map[string]any{"kind": "agent", "agentType": "reviewer", "prompt": "look at this"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "parent1", ToolCallID: "call1", Input: input})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "t1")
	assert.Contains(t, res.Content, "running")
}

type fakeAgentReporter struct {
	called bool
}

func (f *fakeAgentReporter) HandleAgentReport(ctx context.Context, taskID, reportMarkdown, title string) error {
	f.called = true
	return nil
}

func TestAgentReportHandlerDelegates(t *testing.T) {
	reporter := &fakeAgentReporter{}
	h := tool.NewAgentReportHandler(reporter)
	input, _ := json.Marshal(map[string]any{"reportMarkdown": "done", "title": "Result"})
	res, err := h(context.Background(), tool.Call{WorkspaceID: "child1", Input: input})
	require.NoError(t, err)
	assert.True(t, reporter.called)
	assert.Equal(t, `{"success":true}`, res.Content)
}
