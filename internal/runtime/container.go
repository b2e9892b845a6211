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
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Container runs a workspace inside a single long-lived Docker
// container, the concrete backend for RuntimeConfig.Mode ==
// RuntimeContainer (SPEC_FULL.md supplement #3).
type Container struct {
	Name  string
	Image string
	Root  string // working directory inside the container

	mu          sync.Mutex
	docker      *client.Client
	containerID string
}

// NewContainer returns a Container runtime bound to an already-running
// or not-yet-created container named name.
func NewContainer(name, image, root string) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &Container{Name: name, Image: image, Root: root, docker: cli}, nil
}

func (c *Container) ensureContainer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.containerID != "" {
		return c.containerID, nil
	}

	inspect, err := c.docker.ContainerInspect(ctx, c.Name)
	if err == nil {
		if !inspect.State.Running {
			if err := c.docker.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("runtime: start container: %w", err)
			}
		}
		c.containerID = inspect.ID
		return c.containerID, nil
	}

	resp, err := c.docker.ContainerCreate(ctx, &container.Config{
		Image:      c.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: c.Root,
	}, nil, nil, nil, c.Name)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("runtime: start container: %w", err)
	}
	c.containerID = resp.ID
	return c.containerID, nil
}

func (c *Container) abs(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.Root, p)
}

// execIn runs command inside the container and returns stdout, stderr,
// exit code, grounded on DockerExecutor.executeCommand's exec-create,
// exec-attach, stdcopy.StdCopy sequence.
func (c *Container) execIn(ctx context.Context, cmd []string, stdin []byte, cwd string, env map[string]string) ([]byte, []byte, int, error) {
	id, err := c.ensureContainer(ctx)
	if err != nil {
		return nil, nil, -1, err
	}

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          envVars,
		WorkingDir:   cwd,
		AttachStdin:  len(stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := c.docker.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("runtime: exec create: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, -1, fmt.Errorf("runtime: exec attach: %w", err)
	}
	defer attach.Close()

	if len(stdin) > 0 {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return nil, nil, -1, fmt.Errorf("runtime: write stdin: %w", err)
		}
		_ = attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, nil, -1, fmt.Errorf("runtime: read exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("runtime: exec inspect: %w", err)
	}

	return stdout.Bytes(), stderr.Bytes(), inspect.ExitCode, nil
}

func (c *Container) Stat(ctx context.Context, p string) (FileInfo, error) {
	_, _, exit, err := c.execIn(ctx, []string{"test", "-e", c.abs(p)}, nil, c.Root, nil)
	if err != nil {
		return FileInfo{}, err
	}
	if exit != 0 {
		return FileInfo{}, ErrNotFound
	}
	stdout, _, _, err := c.execIn(ctx, []string{"stat", "-c", "%s %F", c.abs(p)}, nil, c.Root, nil)
	if err != nil {
		return FileInfo{}, err
	}
	fields := strings.SplitN(strings.TrimSpace(string(stdout)), " ", 2)
	info := FileInfo{}
	if len(fields) == 2 {
		fmt.Sscanf(fields[0], "%d", &info.Size)
		info.IsDirectory = strings.Contains(fields[1], "directory")
	}
	return info, nil
}

func (c *Container) ReadFile(ctx context.Context, p string) ([]byte, error) {
	stdout, _, exit, err := c.execIn(ctx, []string{"cat", c.abs(p)}, nil, c.Root, nil)
	if err != nil {
		return nil, err
	}
	if exit != 0 {
		return nil, ErrNotFound
	}
	return stdout, nil
}

func (c *Container) WriteFile(ctx context.Context, p string, data []byte) error {
	full := c.abs(p)
	tmp := full + ".tmp"
	_, stderr, exit, err := c.execIn(ctx, []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && cat > %s && mv %s %s", path.Dir(full), tmp, tmp, full)}, data, c.Root, nil)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("runtime: container write failed: %s", stderr)
	}
	return nil
}

func (c *Container) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	cwd := c.Root
	if opts.Cwd != "" {
		cwd = c.abs(opts.Cwd)
	}
	shellCmd := command
	if opts.TimeoutSec > 0 {
		shellCmd = fmt.Sprintf("timeout %d sh -c %q", opts.TimeoutSec, command)
	}
	stdout, stderr, exit, err := c.execIn(ctx, []string{"sh", "-c", shellCmd}, []byte(opts.Stdin), cwd, opts.Env)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Stdout: string(stdout), Stderr: string(stderr), ExitCode: exit}, nil
}

// containerProcess only resolves once the exec finishes: Spawn runs the
// whole exec in a background goroutine, and Stdout/Stderr are filled in
// only when Wait receives its result; no incremental output is exposed.
type containerProcess struct {
	resultCh chan sshResult
	mu       sync.Mutex
	stdout   string
	stderr   string
}

func (p *containerProcess) Stdout() string { p.mu.Lock(); defer p.mu.Unlock(); return p.stdout }
func (p *containerProcess) Stderr() string { p.mu.Lock(); defer p.mu.Unlock(); return p.stderr }

func (p *containerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case r := <-p.resultCh:
		p.mu.Lock()
		p.stdout, p.stderr = r.stdout, r.stderr
		p.mu.Unlock()
		return r.exitCode, r.err
	case <-ctx.Done():
		r := <-p.resultCh
		p.mu.Lock()
		p.stdout, p.stderr = r.stdout, r.stderr
		p.mu.Unlock()
		return -1, ctx.Err()
	}
}

// Kill is a no-op that returns nil: there is no persistent exec handle
// to signal once ContainerExecCreate has returned, so the exec keeps
// running until it finishes.
func (p *containerProcess) Kill() error { return nil }

func (c *Container) Spawn(ctx context.Context, command string, opts SpawnOptions) (Process, error) {
	cwd := c.Root
	if opts.Cwd != "" {
		cwd = c.abs(opts.Cwd)
	}
	resultCh := make(chan sshResult, 1)
	go func() {
		stdout, stderr, exit, err := c.execIn(ctx, []string{"sh", "-c", command}, nil, cwd, opts.Env)
		resultCh <- sshResult{stdout: string(stdout), stderr: string(stderr), exitCode: exit, err: err}
	}()
	return &containerProcess{resultCh: resultCh}, nil
}

func (c *Container) ResolvePath(p string) (string, error) {
	return c.abs(p), nil
}

func (c *Container) NormalizePath(rel, base string) string {
	if path.IsAbs(rel) {
		return path.Clean(rel)
	}
	return path.Clean(path.Join(base, rel))
}

func (c *Container) CreateWorkspace(ctx context.Context, opts CreateWorkspaceOptions) (CreateWorkspaceResult, error) {
	if _, err := c.ensureContainer(ctx); err != nil {
		return CreateWorkspaceResult{}, err
	}
	dir := path.Join(c.Root, opts.DirectoryName)
	if _, _, exit, err := c.execIn(ctx, []string{"mkdir", "-p", dir}, nil, c.Root, nil); err != nil || exit != 0 {
		return CreateWorkspaceResult{}, fmt.Errorf("runtime: container mkdir failed: %w", err)
	}
	c.Root = dir

	hookPath := path.Join(dir, initHookRelPath)
	if _, _, exit, _ := c.execIn(ctx, []string{"test", "-x", hookPath}, nil, dir, nil); exit != 0 {
		return CreateWorkspaceResult{Path: dir}, nil
	}

	stdout, stderr, exit, err := c.execIn(ctx, []string{hookPath}, nil, dir, nil)
	if opts.InitLogger != nil {
		for _, line := range strings.Split(string(stdout)+string(stderr), "\n") {
			if line != "" {
				opts.InitLogger(line)
			}
		}
	}
	if err != nil {
		return CreateWorkspaceResult{}, err
	}
	return CreateWorkspaceResult{Path: dir, InitHookRan: true, InitExit: exit}, nil
}

func (c *Container) EnsureReady(ctx context.Context, sink StatusSink) (ReadyState, error) {
	if sink != nil {
		sink("starting container " + c.Name)
	}
	if _, err := c.docker.Ping(ctx); err != nil {
		return ReadyState{Ready: false, Error: err, ErrorType: "runtime_start_failed"}, nil
	}
	if _, err := c.ensureContainer(ctx); err != nil {
		return ReadyState{Ready: false, Error: err, ErrorType: "runtime_start_failed"}, nil
	}
	return ReadyState{Ready: true}, nil
}

// Close releases the Docker client connection.
func (c *Container) Close() error {
	return c.docker.Close()
}
