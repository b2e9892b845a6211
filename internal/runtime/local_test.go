package runtime_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/internal/runtime"
)

func TestLocalWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	ctx := context.Background()

	require.NoError(t, l.WriteFile(ctx, "a/b.txt", []byte("hello")))
	b, err := l.ReadFile(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestLocalWriteFileLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	require.NoError(t, l.WriteFile(context.Background(), "f.txt", []byte("x")))
	assert.NoFileExists(t, filepath.Join(dir, "f.txt.tmp"))
	assert.FileExists(t, filepath.Join(dir, "f.txt"))
}

func TestLocalStatNotFound(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	_, err := l.Stat(context.Background(), "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestLocalExecCapturesStdoutAndExitCode(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	res, err := l.Exec(context.Background(), "echo hi; exit 0", runtime.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocalExecNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	res, err := l.Exec(context.Background(), "exit 3", runtime.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalSpawnAndWait(t *testing.T) {
	dir := t.TempDir()
	l := runtime.NewLocal(dir)
	proc, err := l.Spawn(context.Background(), "echo background", runtime.SpawnOptions{})
	require.NoError(t, err)
	code, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "background\n", proc.Stdout())
}

func TestLocalCreateWorkspaceRunsInitHook(t *testing.T) {
	dir := t.TempDir()
	hookDir := filepath.Join(dir, ".mux")
	require.NoError(t, os.MkdirAll(hookDir, 0o755))
	hookPath := filepath.Join(hookDir, "init")
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/sh\necho ready\n"), 0o755))

	l := runtime.NewLocal(dir)
	var lines []string
	res, err := l.CreateWorkspace(context.Background(), runtime.CreateWorkspaceOptions{
		InitLogger: func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.True(t, res.InitHookRan)
	assert.Equal(t, 0, res.InitExit)
}

func TestLocalNormalizePath(t *testing.T) {
	l := runtime.NewLocal("/ws")
	assert.Equal(t, "/ws/foo/bar.txt", l.NormalizePath("foo/bar.txt", "/ws"))
	assert.Equal(t, "/abs/path", l.NormalizePath("/abs/path", "/ws"))
}
