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
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSH runs exec/spawn and file I/O over a persistent SSH connection to
// a remote host; the equivalent of Local's FS/process model but
// implemented via SFTP-free `sh -c` invocations (cat/tee) since the
// orchestrator's file operations are line-oriented and small.
type SSH struct {
	Host         string
	Port         int
	IdentityFile string
	User         string
	// Root is the remote workspace directory; relative paths resolve
	// against it.
	Root string

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH returns an SSH runtime. The connection is established lazily
// on first use so constructing one never blocks on network I/O.
func NewSSH(host string, port int, identityFile, user, root string) *SSH {
	return &SSH{Host: host, Port: port, IdentityFile: identityFile, User: user, Root: root}
}

func (s *SSH) dial() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var authMethods []ssh.AuthMethod
	if s.IdentityFile != "" {
		key, err := os.ReadFile(s.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("runtime: read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("runtime: parse identity file: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	user := s.User
	if user == "" {
		user = "root"
	}
	port := s.Port
	if port == 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint // host key pinning is configured at the deployment layer
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(s.Host, fmt.Sprintf("%d", port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: ssh dial %s: %w", s.Host, err)
	}
	s.client = client
	return client, nil
}

func (s *SSH) runRemote(ctx context.Context, shellCmd string, stdin string) (string, string, int, error) {
	client, err := s.dial()
	if err != nil {
		return "", "", -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("runtime: ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(shellCmd) }()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if ok := asExitError(err, &exitErr); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return stdout.String(), stderr.String(), -1, err
			}
		}
		return stdout.String(), stderr.String(), exitCode, nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (s *SSH) abs(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(s.Root, p)
}

func (s *SSH) Stat(ctx context.Context, p string) (FileInfo, error) {
	cmd := fmt.Sprintf("stat -c '%%s %%F %%Y' %s", shellQuote(s.abs(p)))
	stdout, _, exit, err := s.runRemote(ctx, cmd, "")
	if err != nil {
		return FileInfo{}, err
	}
	if exit != 0 {
		return FileInfo{}, ErrNotFound
	}
	var size int64
	var kind string
	var mtime int64
	fmt.Sscanf(strings.TrimSpace(stdout), "%d %s %d", &size, &kind, &mtime)
	return FileInfo{Size: size, IsDirectory: strings.Contains(kind, "directory"), ModTime: time.Unix(mtime, 0)}, nil
}

func (s *SSH) ReadFile(ctx context.Context, p string) ([]byte, error) {
	stdout, _, exit, err := s.runRemote(ctx, "cat "+shellQuote(s.abs(p)), "")
	if err != nil {
		return nil, err
	}
	if exit != 0 {
		return nil, ErrNotFound
	}
	return []byte(stdout), nil
}

// WriteFile writes remotely via a temp-file-then-rename shell pipeline
// so a concurrent reader never observes a partial write, mirroring
// the local atomic-write convention.
func (s *SSH) WriteFile(ctx context.Context, p string, data []byte) error {
	full := s.abs(p)
	tmp := full + ".tmp"
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && mv %s %s", shellQuote(path.Dir(full)), shellQuote(tmp), shellQuote(tmp), shellQuote(full))
	_, stderr, exit, err := s.runRemote(ctx, cmd, string(data))
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("runtime: remote write failed: %s", stderr)
	}
	return nil
}

func (s *SSH) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	timeout := opts.TimeoutSec
	cwd := s.Root
	if opts.Cwd != "" {
		cwd = s.abs(opts.Cwd)
	}
	shellCmd := fmt.Sprintf("cd %s && %s", shellQuote(cwd), command)
	if timeout > 0 {
		shellCmd = fmt.Sprintf("timeout %d sh -c %s", timeout, shellQuote(shellCmd))
	}
	for k, v := range opts.Env {
		shellCmd = fmt.Sprintf("%s=%s %s", k, shellQuote(v), shellCmd)
	}

	start := time.Now()
	stdout, stderr, exit, err := s.runRemote(ctx, shellCmd, opts.Stdin)
	wallMs := time.Since(start).Milliseconds()
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exit, WallMs: wallMs}, nil
}

// sshProcess is a coarse Process: SSH sessions don't expose incremental
// streaming the way a local pipe does, so Stdout/Stderr only populate
// once Wait returns.
type sshProcess struct {
	resultCh chan sshResult
	mu       sync.Mutex
	stdout   string
	stderr   string
	exitCode int
	session  *ssh.Session
}

type sshResult struct {
	stdout, stderr string
	exitCode       int
	err            error
}

func (p *sshProcess) Stdout() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

func (p *sshProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *sshProcess) Wait(ctx context.Context) (int, error) {
	select {
	case r := <-p.resultCh:
		p.mu.Lock()
		p.stdout, p.stderr, p.exitCode = r.stdout, r.stderr, r.exitCode
		p.mu.Unlock()
		return r.exitCode, r.err
	case <-ctx.Done():
		p.Kill()
		r := <-p.resultCh
		p.mu.Lock()
		p.stdout, p.stderr, p.exitCode = r.stdout, r.stderr, r.exitCode
		p.mu.Unlock()
		return -1, ctx.Err()
	}
}

func (p *sshProcess) Kill() error {
	return p.session.Signal(ssh.SIGKILL)
}

func (s *SSH) Spawn(ctx context.Context, command string, opts SpawnOptions) (Process, error) {
	client, err := s.dial()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("runtime: ssh session: %w", err)
	}

	cwd := s.Root
	if opts.Cwd != "" {
		cwd = s.abs(opts.Cwd)
	}
	shellCmd := fmt.Sprintf("cd %s && %s", shellQuote(cwd), command)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	resultCh := make(chan sshResult, 1)
	go func() {
		err := session.Run(shellCmd)
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if asExitError(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
				err = nil
			}
		}
		resultCh <- sshResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitCode, err: err}
		session.Close()
	}()

	return &sshProcess{resultCh: resultCh, session: session}, nil
}

func (s *SSH) ResolvePath(p string) (string, error) {
	return s.abs(p), nil
}

func (s *SSH) NormalizePath(rel, base string) string {
	if path.IsAbs(rel) {
		return path.Clean(rel)
	}
	return path.Clean(path.Join(base, rel))
}

func (s *SSH) CreateWorkspace(ctx context.Context, opts CreateWorkspaceOptions) (CreateWorkspaceResult, error) {
	dir := path.Join(s.Root, opts.DirectoryName)
	cmd := fmt.Sprintf("mkdir -p %s", shellQuote(dir))
	_, stderr, exit, err := s.runRemote(ctx, cmd, "")
	if err != nil {
		return CreateWorkspaceResult{}, err
	}
	if exit != 0 {
		return CreateWorkspaceResult{}, fmt.Errorf("runtime: remote mkdir failed: %s", stderr)
	}
	s.Root = dir

	hookPath := path.Join(dir, initHookRelPath)
	statCmd := fmt.Sprintf("test -x %s", shellQuote(hookPath))
	_, _, statExit, err := s.runRemote(ctx, statCmd, "")
	if err != nil || statExit != 0 {
		return CreateWorkspaceResult{Path: dir}, nil
	}

	stdout, stderr, exit, err := s.runRemote(ctx, hookPath, "")
	if opts.InitLogger != nil {
		for _, line := range strings.Split(stdout+stderr, "\n") {
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

// EnsureReady dials the host (waking it if it responds slowly to the
// first TCP attempt is out of scope: the orchestrator's caller is
// expected to retry) and reports readiness based on whether both the
// connection and the workspace directory are reachable.
func (s *SSH) EnsureReady(ctx context.Context, sink StatusSink) (ReadyState, error) {
	if sink != nil {
		sink("connecting to " + s.Host)
	}
	if _, err := s.dial(); err != nil {
		return ReadyState{Ready: false, Error: err, ErrorType: "runtime_start_failed"}, nil
	}
	if sink != nil {
		sink("checking workspace directory")
	}
	_, _, exit, err := s.runRemote(ctx, "test -d "+shellQuote(s.Root), "")
	if err != nil || exit != 0 {
		return ReadyState{Ready: false, ErrorType: "runtime_not_ready"}, nil
	}
	return ReadyState{Ready: true}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
