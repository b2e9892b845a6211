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

// Package history implements the per-workspace append-only chat log
// and the single-slot partial message, persisted under
// sessions/<workspaceId>/{chat.jsonl,partial.json}.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/csync"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/pubsub"
)

// ErrNotFound is returned when a message id does not exist in a
// workspace's history.
var ErrNotFound = errors.New("history: message not found")

// sequenceState tracks the next historySequence to assign and guards
// every mutation of a single workspace's chat.jsonl.
type sequenceState struct {
	mu   sync.Mutex
	next int64
}

// Store is the durable history log and partial-message slot.
type Store struct {
	root   string
	logger *zap.Logger

	locks *csync.Map[string, *sequenceState]

	broker *pubsub.Broker[Event]
}

// EventKind discriminates what happened to a workspace's log.
type EventKind int

const (
	EventAppended EventKind = iota
	EventUpdated
	EventDeleted
	EventPartialWritten
	EventPartialCleared
)

// Event is published whenever a workspace's history or partial slot
// changes, so the Workspace Service and Stream Manager can forward a
// "delete"/"queued-message-changed" style notification to subscribers
// without re-reading the file.
type Event struct {
	WorkspaceID string
	Kind        EventKind
	Message     message.Message
}

// NewStore creates a history store rooted at <muxRoot>/sessions.
func NewStore(muxRoot string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   filepath.Join(muxRoot, "sessions"),
		logger: logger.Named("history"),
		locks:  csync.NewMap[string, *sequenceState](),
		broker: pubsub.NewBroker[Event](),
	}
}

// Subscribe returns a channel of history/partial change events and an
// unsubscribe func; calling that func closes the channel. See
// pubsub.Broker for semantics.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.broker.Subscribe()
}

func (s *Store) sessionDir(wsID string) string {
	return filepath.Join(s.root, wsID)
}

func (s *Store) chatPath(wsID string) string {
	return filepath.Join(s.sessionDir(wsID), "chat.jsonl")
}

func (s *Store) partialPath(wsID string) string {
	return filepath.Join(s.sessionDir(wsID), "partial.json")
}

func (s *Store) seq(wsID string) *sequenceState {
	if st, ok := s.locks.Get(wsID); ok {
		return st
	}
	st := &sequenceState{}
	s.locks.Set(wsID, st)
	return st
}

// readAll loads every message currently in a workspace's chat.jsonl, in
// append order. Missing files are treated as an empty log.
func readAll(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", path, err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeAll(path string, msgs []message.Message) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func appendLine(path string, m message.Message) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

// List returns the full history of a workspace, in append order.
func (s *Store) List(wsID string) ([]message.Message, error) {
	return readAll(s.chatPath(wsID))
}

// LastActivity returns the createdAt timestamp of the most recent
// message in a workspace's history, for idle-compaction scheduling. The
// second return is false if the workspace has no history yet.
func (s *Store) LastActivity(wsID string) (time.Time, bool, error) {
	msgs, err := readAll(s.chatPath(wsID))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(msgs) == 0 {
		return time.Time{}, false, nil
	}
	last := msgs[len(msgs)-1]
	return time.Unix(last.Metadata.CreatedAt, 0), true, nil
}

// CumulativeCostUSD sums Metadata.CostUSD across every message in a
// workspace's history (spec §6's MUX_COSTS_USD: "cumulative cost for
// this session").
func (s *Store) CumulativeCostUSD(wsID string) (float64, error) {
	msgs, err := readAll(s.chatPath(wsID))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, m := range msgs {
		total += m.Metadata.CostUSD
	}
	return total, nil
}

// AppendToHistory assigns the next strictly-increasing historySequence
// for wsID, stamps it onto msg.Metadata, and appends the record.
func (s *Store) AppendToHistory(wsID string, msg message.Message) (int64, error) {
	st := s.seq(wsID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.next == 0 {
		existing, err := readAll(s.chatPath(wsID))
		if err != nil {
			return 0, err
		}
		var max int64
		for _, m := range existing {
			if m.Metadata.HistorySequence > max {
				max = m.Metadata.HistorySequence
			}
		}
		st.next = max + 1
	}

	msg.Metadata.HistorySequence = st.next
	if msg.Metadata.CreatedAt == 0 {
		msg.Metadata.CreatedAt = time.Now().Unix()
	}
	if err := appendLine(s.chatPath(wsID), msg); err != nil {
		return 0, err
	}
	st.next++

	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventAppended, Message: msg})
	return msg.Metadata.HistorySequence, nil
}

// UpdateHistory rewrites the record carrying msg.ID in place, preserving
// its original historySequence. Used to promote a partial to its final
// committed form.
func (s *Store) UpdateHistory(wsID string, msg message.Message) error {
	st := s.seq(wsID)
	st.mu.Lock()
	defer st.mu.Unlock()

	path := s.chatPath(wsID)
	msgs, err := readAll(path)
	if err != nil {
		return err
	}
	found := false
	for i, m := range msgs {
		if m.ID == msg.ID {
			if msg.Metadata.HistorySequence == 0 {
				msg.Metadata.HistorySequence = m.Metadata.HistorySequence
			}
			msgs[i] = msg
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	if err := writeAll(path, msgs); err != nil {
		return err
	}
	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventUpdated, Message: msg})
	return nil
}

// DeleteMessage removes the record with the given id.
func (s *Store) DeleteMessage(wsID, id string) error {
	st := s.seq(wsID)
	st.mu.Lock()
	defer st.mu.Unlock()

	path := s.chatPath(wsID)
	msgs, err := readAll(path)
	if err != nil {
		return err
	}
	out := msgs[:0]
	var removed message.Message
	found := false
	for _, m := range msgs {
		if m.ID == id {
			removed = m
			found = true
			continue
		}
		out = append(out, m)
	}
	if !found {
		return ErrNotFound
	}
	if err := writeAll(path, out); err != nil {
		return err
	}
	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventDeleted, Message: removed})
	return nil
}

// TruncateHistory drops the trailing percentage (0-100) of a workspace's
// history, rounded down, keeping at least the first message.
func (s *Store) TruncateHistory(wsID string, percentage float64) error {
	st := s.seq(wsID)
	st.mu.Lock()
	defer st.mu.Unlock()

	path := s.chatPath(wsID)
	msgs, err := readAll(path)
	if err != nil {
		return err
	}
	if len(msgs) == 0 || percentage <= 0 {
		return nil
	}
	if percentage > 100 {
		percentage = 100
	}
	drop := int(float64(len(msgs)) * percentage / 100)
	keep := len(msgs) - drop
	if keep < 1 {
		keep = 1
	}
	return writeAll(path, msgs[:keep])
}

// ReplaceChatHistory discards the entire log and replaces it with a
// single summary message, used both by explicit client requests and by
// the idle-compaction sweep.
func (s *Store) ReplaceChatHistory(wsID string, summary message.Message) error {
	st := s.seq(wsID)
	st.mu.Lock()
	defer st.mu.Unlock()

	summary.Metadata.HistorySequence = 1
	st.next = 2
	if err := writeAll(s.chatPath(wsID), []message.Message{summary}); err != nil {
		return err
	}
	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventUpdated, Message: summary})
	return nil
}

// WritePartial overwrites the single partial-message slot.
func (s *Store) WritePartial(wsID string, msg message.Message) error {
	msg.Metadata.Partial = true
	if err := os.MkdirAll(s.sessionDir(wsID), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	path := s.partialPath(wsID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventPartialWritten, Message: msg})
	return nil
}

// ReadPartial returns the current partial message, or nil if none is
// set.
func (s *Store) ReadPartial(wsID string) (*message.Message, error) {
	b, err := os.ReadFile(s.partialPath(wsID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m message.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeletePartial clears the partial slot without touching history.
func (s *Store) DeletePartial(wsID string) error {
	err := os.Remove(s.partialPath(wsID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.broker.Publish(Event{WorkspaceID: wsID, Kind: EventPartialCleared})
	return nil
}

// CommitToHistory promotes the current partial (if any) into the
// history log and clears the slot. It is idempotent: if no partial
// exists, or the partial's id is already present in history, it is a
// no-op, satisfying the invariant that every sendMessage can call it
// unconditionally (spec §4.3).
func (s *Store) CommitToHistory(wsID string) error {
	partial, err := s.ReadPartial(wsID)
	if err != nil {
		return err
	}
	if partial == nil {
		return nil
	}

	st := s.seq(wsID)
	st.mu.Lock()
	path := s.chatPath(wsID)
	msgs, err := readAll(path)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	for _, m := range msgs {
		if m.ID == partial.ID {
			st.mu.Unlock()
			return s.DeletePartial(wsID)
		}
	}
	st.mu.Unlock()

	final := *partial
	final.Metadata.Partial = true
	if _, err := s.AppendToHistory(wsID, final); err != nil {
		return err
	}
	return s.DeletePartial(wsID)
}
