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

// Package initstate is the Init-State Manager (L11): it persists each
// workspace's init-hook run to init-status.json and lets the
// orchestrator block any tool call until that hook has finished,
// surviving a process restart mid-run.
package initstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/pubsub"
)

// Status is a workspace's init-hook lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Line is one captured line of init-hook output.
type Line struct {
	Line      string    `json:"line"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the persisted record for one workspace.
type Snapshot struct {
	Status    Status     `json:"status"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Lines     []Line     `json:"lines"`
	HookPath  string     `json:"hookPath,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

// EventKind discriminates Event.
type EventKind string

const (
	EventInitStart  EventKind = "init-start"
	EventInitOutput EventKind = "init-output"
	EventInitEnd    EventKind = "init-end"
)

// Event is published on every init-state transition.
type Event struct {
	WorkspaceID string
	Kind        EventKind
	Snapshot    Snapshot
	Line        Line
}

type waiter struct {
	mu   sync.Mutex
	done chan struct{}
}

// Manager is the Init-State Manager.
type Manager struct {
	root   string
	logger *zap.Logger
	broker *pubsub.Broker[Event]

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewManager creates an Init-State Manager rooted at
// <muxRoot>/sessions/<workspaceId>/init-status.json.
func NewManager(muxRoot string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		root:    filepath.Join(muxRoot, "sessions"),
		logger:  logger.Named("initstate"),
		broker:  pubsub.NewBroker[Event](),
		waiters: make(map[string]*waiter),
	}
}

// Subscribe registers a listener for init-state events across all
// workspaces.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.broker.Subscribe()
}

func (m *Manager) statusPath(wsID string) string {
	return filepath.Join(m.root, wsID, "init-status.json")
}

func (m *Manager) write(wsID string, snap Snapshot) error {
	path := m.statusPath(wsID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *Manager) getWaiter(wsID string) *waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[wsID]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		m.waiters[wsID] = w
	}
	return w
}

// StartInit writes the initial running record for wsID and emits
// init-start. hookPath is empty when no .mux/init hook exists; the
// event stream still contains init-start in that case (spec §4.11
// behavior contract).
func (m *Manager) StartInit(wsID, hookPath string) error {
	w := m.getWaiter(wsID)
	w.mu.Lock()
	w.done = make(chan struct{})
	w.mu.Unlock()

	snap := Snapshot{Status: StatusRunning, HookPath: hookPath, StartTime: time.Now()}
	if err := m.write(wsID, snap); err != nil {
		return err
	}
	m.broker.Publish(Event{WorkspaceID: wsID, Kind: EventInitStart, Snapshot: snap})
	return nil
}

// AppendOutput appends one captured line to wsID's record and emits
// init-output.
func (m *Manager) AppendOutput(wsID, line string, isError bool) error {
	snap, err := m.readOrRunning(wsID)
	if err != nil {
		return err
	}
	l := Line{Line: line, IsError: isError, Timestamp: time.Now()}
	snap.Lines = append(snap.Lines, l)
	if err := m.write(wsID, snap); err != nil {
		return err
	}
	m.broker.Publish(Event{WorkspaceID: wsID, Kind: EventInitOutput, Snapshot: snap, Line: l})
	return nil
}

// EndInit finalizes wsID's record with exitCode (0 when no hook ran)
// and emits init-end, releasing every waiter blocked in WaitForInit.
func (m *Manager) EndInit(wsID string, exitCode int) error {
	snap, err := m.readOrRunning(wsID)
	if err != nil {
		return err
	}
	now := time.Now()
	snap.EndTime = &now
	snap.ExitCode = &exitCode
	if exitCode == 0 {
		snap.Status = StatusSuccess
	} else {
		snap.Status = StatusFailure
	}
	if err := m.write(wsID, snap); err != nil {
		return err
	}
	m.broker.Publish(Event{WorkspaceID: wsID, Kind: EventInitEnd, Snapshot: snap})

	w := m.getWaiter(wsID)
	w.mu.Lock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	return nil
}

func (m *Manager) readOrRunning(wsID string) (Snapshot, error) {
	snap, err := m.ReadInitStatus(wsID)
	if err != nil {
		return Snapshot{}, err
	}
	if snap == nil {
		return Snapshot{Status: StatusRunning, StartTime: time.Now()}, nil
	}
	return *snap, nil
}

// ReadInitStatus returns the current persisted snapshot, or nil if the
// workspace has never run init.
func (m *Manager) ReadInitStatus(wsID string) (*Snapshot, error) {
	b, err := os.ReadFile(m.statusPath(wsID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WaitForInit blocks until wsID's init hook finishes, or ctx is
// cancelled. It replays correctly across a process restart: if the
// persisted record already shows a terminal status, it returns
// immediately without relying on in-memory waiter state. A workspace
// with no init record (no hook was ever started for it) also returns
// immediately.
func (m *Manager) WaitForInit(ctx context.Context, wsID string) error {
	snap, err := m.ReadInitStatus(wsID)
	if err != nil {
		return err
	}
	if snap == nil || snap.Status != StatusRunning {
		return nil
	}

	w := m.getWaiter(wsID)
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
