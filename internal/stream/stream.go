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

// Package stream implements the Stream Manager (L7): it owns at most
// one active model response per workspace, fans its events out to any
// number of subscribers, and drives the partial-commit policy when a
// stream ends, aborts, or errors.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/provider"
	"github.com/muxrun/mux/internal/pubsub"
)

// State is a workspace's position in the stream lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateAborting  State = "aborting"
)

// EventKind discriminates an Event, matching spec §6's stream event
// enum in emission order:
// stream-start → (stream-delta|reasoning-delta|tool-call-start|
// tool-call-delta|tool-call-end|usage-delta)* →
// (stream-end|stream-abort|stream-error).
type EventKind string

const (
	EventStreamStart    EventKind = "stream-start"
	EventStreamDelta    EventKind = "stream-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCallStart  EventKind = "tool-call-start"
	EventToolCallDelta  EventKind = "tool-call-delta"
	EventToolCallEnd    EventKind = "tool-call-end"
	EventUsageDelta     EventKind = "usage-delta"
	EventStreamEnd      EventKind = "stream-end"
	EventStreamAbort    EventKind = "stream-abort"
	EventStreamError    EventKind = "stream-error"
)

// Event is one increment delivered to subscribers. Every event carries
// WorkspaceID and MessageID so a multiplexed subscriber (the HTTP SSE
// boundary) can demultiplex by workspace.
type Event struct {
	WorkspaceID string
	MessageID   string
	Kind        EventKind

	TextDelta      string
	ReasoningDelta string

	ToolCallID    string
	ToolName      string
	ToolInputJSON string

	Usage provider.Usage

	AbortReason string
	Err         string
}

// Info describes the currently active (or most recently finished)
// stream for a workspace, returned by GetStreamInfo.
type Info struct {
	State       State
	MessageID   string
	StartedAt   time.Time
	StreamToken string
}

// StopOptions tunes StopStream's behavior.
type StopOptions struct {
	Soft           bool
	AbandonPartial bool
	AbortReason    string
}

// StartOptions bundles everything StartStream needs to run one
// provider turn and commit its result. The caller (L8) is responsible
// for resolving the agent, tools, and policy before calling this.
type StartOptions struct {
	AssistantMessageID string
	StreamToken        string
	WorkspaceName      string
	HasQueuedMessage   bool
	Provider           provider.Provider
	Request            provider.Request
}

var (
	// ErrAlreadyStreaming is returned by StartStream when a workspace
	// already owns an active stream slot.
	ErrAlreadyStreaming = errors.New("stream: workspace already has an active stream")
	// ErrNoActiveStream is returned by StopStream/ReplayStream when
	// nothing is running or pending for the workspace.
	ErrNoActiveStream = errors.New("stream: no active stream for workspace")
)

type slot struct {
	mu          sync.Mutex
	state       State
	messageID   string
	streamToken string
	startedAt   time.Time
	parts       []message.Part
	cancel      context.CancelFunc
	abandon     bool
	abortReason string
	model       string
	usage       provider.Usage
}

// Manager is the Stream Manager. One Manager instance serves every
// workspace in the process; per-workspace state lives in an internal
// slot map.
type Manager struct {
	history *history.Store
	logger  *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot

	broker *pubsub.Broker[Event]
}

// NewManager constructs a Stream Manager backed by store for
// partial-commit persistence.
func NewManager(store *history.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		history: store,
		logger:  logger.Named("stream"),
		slots:   make(map[string]*slot),
		broker:  pubsub.NewBroker[Event](),
	}
}

// Subscribe registers a listener for every workspace's stream events.
// Callers filter by Event.WorkspaceID; this mirrors the teacher's
// single-broker-per-store pattern (internal/history does the same)
// rather than allocating one broker per workspace.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.broker.Subscribe()
}

func (m *Manager) getOrCreateSlot(wsID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[wsID]
	if !ok {
		s = &slot{state: StateIdle}
		m.slots[wsID] = s
	}
	return s
}

// IsStreaming reports whether wsID currently owns an active stream.
func (m *Manager) IsStreaming(wsID string) bool {
	m.mu.Lock()
	s, ok := m.slots[wsID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStarting || s.state == StateStreaming
}

// GetStreamState reports the raw lifecycle state, StateIdle if none.
func (m *Manager) GetStreamState(wsID string) State {
	m.mu.Lock()
	s, ok := m.slots[wsID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetStreamInfo reports the slot's descriptive metadata.
func (m *Manager) GetStreamInfo(wsID string) (Info, bool) {
	m.mu.Lock()
	s, ok := m.slots[wsID]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		State:       s.state,
		MessageID:   s.messageID,
		StartedAt:   s.startedAt,
		StreamToken: s.streamToken,
	}, true
}

func (m *Manager) publish(e Event) {
	m.broker.Publish(e)
}

// StartStream claims the active-stream slot for wsID, invokes
// opts.Provider.Stream, and forwards its events to subscribers while
// accumulating the assistant message's parts into the partial slot.
// It blocks until the stream terminates (end, abort, or error) or ctx
// is cancelled, implementing the §4.7 state machine's
// starting→streaming→idle / aborting→idle transitions.
func (m *Manager) StartStream(ctx context.Context, wsID string, opts StartOptions) error {
	s := m.getOrCreateSlot(wsID)

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStreaming
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.state = StateStarting
	s.messageID = opts.AssistantMessageID
	s.streamToken = opts.StreamToken
	s.startedAt = time.Now()
	s.parts = nil
	s.cancel = cancel
	s.abandon = false
	s.abortReason = ""
	s.model = opts.Provider.Model()
	s.usage = provider.Usage{}
	s.mu.Unlock()

	m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventStreamStart})

	events, err := opts.Provider.Stream(streamCtx, opts.Request)
	if err != nil {
		cancel()
		m.finishError(wsID, s, err)
		return nil
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()

	for ev := range events {
		if streamCtx.Err() != nil {
			break
		}
		switch ev.Kind {
		case provider.EventTextDelta:
			s.mu.Lock()
			s.parts = appendTextDelta(s.parts, ev.TextDelta)
			s.mu.Unlock()
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventStreamDelta, TextDelta: ev.TextDelta})
		case provider.EventReasoningDelta:
			s.mu.Lock()
			s.parts = appendReasoningDelta(s.parts, ev.ReasoningDelta)
			s.mu.Unlock()
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventReasoningDelta, ReasoningDelta: ev.ReasoningDelta})
		case provider.EventToolCallStart:
			s.mu.Lock()
			s.parts = append(s.parts, message.NewToolCallPart(ev.ToolCallID, ev.ToolName, nil))
			s.mu.Unlock()
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventToolCallStart, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName})
		case provider.EventToolCallDelta:
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventToolCallDelta, ToolCallID: ev.ToolCallID, ToolInputJSON: ev.ToolInputJSON})
		case provider.EventToolCallEnd:
			s.mu.Lock()
			s.parts = setToolInput(s.parts, ev.ToolCallID, json.RawMessage(ev.ToolInputJSON))
			s.mu.Unlock()
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventToolCallEnd, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, ToolInputJSON: ev.ToolInputJSON})
		case provider.EventUsage:
			s.mu.Lock()
			s.usage.InputTokens += ev.Usage.InputTokens
			s.usage.OutputTokens += ev.Usage.OutputTokens
			s.mu.Unlock()
			m.publish(Event{WorkspaceID: wsID, MessageID: opts.AssistantMessageID, Kind: EventUsageDelta, Usage: ev.Usage})
		case provider.EventError:
			m.finishError(wsID, s, ev.Err)
			return nil
		case provider.EventDone:
			// handled after the loop drains
		}
	}

	if streamCtx.Err() != nil {
		return m.finishAbort(wsID, s)
	}
	return m.finishEnd(wsID, s)
}

func appendTextDelta(parts []message.Part, delta string) []message.Part {
	if n := len(parts); n > 0 && parts[n-1].Type == message.PartText {
		parts[n-1].Text += delta
		return parts
	}
	return append(parts, message.NewTextPart(delta))
}

func appendReasoningDelta(parts []message.Part, delta string) []message.Part {
	if n := len(parts); n > 0 && parts[n-1].Type == message.PartReasoning {
		parts[n-1].Reasoning += delta
		return parts
	}
	return append(parts, message.NewReasoningPart(delta))
}

func setToolInput(parts []message.Part, toolCallID string, input json.RawMessage) []message.Part {
	for i, p := range parts {
		if p.Type == message.PartDynamicTool && p.ToolCallID == toolCallID {
			p.Input = input
			parts[i] = p
			return parts
		}
	}
	return parts
}

func (m *Manager) assembleMessage(wsID string, s *slot) message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := message.Message{
		ID:    s.messageID,
		Role:  message.Assistant,
		Parts: append([]message.Part(nil), s.parts...),
	}
	if s.model != "" {
		msg.Metadata.CostUSD = provider.EstimateCostUSD(s.model, s.usage)
	}
	return msg
}

// finishEnd implements the stream-end partial-commit policy: merge the
// accumulated parts into the history record and clear the partial
// slot. The target record is the assistant placeholder L8 appended
// before dispatch (step 10), so the normal path is an UpdateHistory in
// place; a caller that drove StartStream without that placeholder
// (unit tests) falls back to appending a fresh record.
func (m *Manager) finishEnd(wsID string, s *slot) error {
	final := m.assembleMessage(wsID, s)
	final.Metadata.Partial = false

	if err := m.history.UpdateHistory(wsID, final); err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("stream: commit final message for %s: %w", wsID, err)
		}
		if _, err := m.history.AppendToHistory(wsID, final); err != nil {
			return fmt.Errorf("stream: append final message for %s: %w", wsID, err)
		}
	}
	if err := m.history.DeletePartial(wsID); err != nil {
		return err
	}
	m.publish(Event{WorkspaceID: wsID, MessageID: s.messageID, Kind: EventStreamEnd})
	m.resetSlot(s)
	return nil
}

func (m *Manager) finishAbort(wsID string, s *slot) error {
	s.mu.Lock()
	abandon := s.abandon
	reason := s.abortReason
	s.mu.Unlock()

	if abandon {
		if err := m.history.DeletePartial(wsID); err != nil {
			return err
		}
	} else {
		final := m.assembleMessage(wsID, s)
		if err := m.history.WritePartial(wsID, final); err != nil {
			return err
		}
		if err := m.history.CommitToHistory(wsID); err != nil {
			return err
		}
	}
	m.publish(Event{WorkspaceID: wsID, MessageID: s.messageID, Kind: EventStreamAbort, AbortReason: reason})
	m.resetSlot(s)
	return nil
}

func (m *Manager) finishError(wsID string, s *slot, cause error) {
	final := m.assembleMessage(wsID, s)
	final.Metadata.Error = cause.Error()
	final.Metadata.ErrorType = "provider_error"
	if err := m.history.WritePartial(wsID, final); err == nil {
		_ = m.history.CommitToHistory(wsID)
	}
	m.publish(Event{WorkspaceID: wsID, MessageID: s.messageID, Kind: EventStreamError, Err: cause.Error()})
	m.resetSlot(s)
}

func (m *Manager) resetSlot(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.cancel = nil
}

// StopStream cancels the active (or pending-start) stream for wsID. If
// no slot exists yet at all it returns ErrNoActiveStream; a synthetic
// stream-abort is still published when the abort races a start that
// has registered its slot but not yet entered Streaming, so a
// subscriber that connected before the race sees a terminal event.
func (m *Manager) StopStream(wsID string, opts StopOptions) error {
	m.mu.Lock()
	s, ok := m.slots[wsID]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveStream
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrNoActiveStream
	}
	s.state = StateAborting
	s.abandon = opts.AbandonPartial
	s.abortReason = opts.AbortReason
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// ReplayStream re-emits stream-start followed by the current partial
// contents as synthetic deltas, for a subscriber that reconnected
// mid-stream. If the stream has already finished, it synthesizes a
// terminal event from the committed history record instead.
func (m *Manager) ReplayStream(wsID string) ([]Event, error) {
	m.mu.Lock()
	s, ok := m.slots[wsID]
	m.mu.Unlock()

	if ok {
		s.mu.Lock()
		state := s.state
		messageID := s.messageID
		parts := append([]message.Part(nil), s.parts...)
		s.mu.Unlock()
		if state != StateIdle {
			out := []Event{{WorkspaceID: wsID, MessageID: messageID, Kind: EventStreamStart}}
			for _, p := range parts {
				switch p.Type {
				case message.PartText:
					out = append(out, Event{WorkspaceID: wsID, MessageID: messageID, Kind: EventStreamDelta, TextDelta: p.Text})
				case message.PartReasoning:
					out = append(out, Event{WorkspaceID: wsID, MessageID: messageID, Kind: EventReasoningDelta, ReasoningDelta: p.Reasoning})
				case message.PartDynamicTool:
					out = append(out, Event{WorkspaceID: wsID, MessageID: messageID, Kind: EventToolCallEnd, ToolCallID: p.ToolCallID, ToolName: p.ToolName})
				}
			}
			return out, nil
		}
	}

	partial, err := m.history.ReadPartial(wsID)
	if err != nil {
		return nil, err
	}
	if partial != nil {
		return m.replayFromMessage(wsID, *partial, EventStreamAbort), nil
	}

	// The stream already finished and its partial slot was cleared;
	// if the slot remembers which message it produced, synthesize the
	// terminal event from the now-committed history record instead.
	if ok {
		s.mu.Lock()
		messageID := s.messageID
		s.mu.Unlock()
		if messageID != "" {
			if msgs, err := m.history.List(wsID); err == nil {
				for _, msg := range msgs {
					if msg.ID != messageID {
						continue
					}
					terminal := EventStreamEnd
					switch {
					case msg.Metadata.Error != "":
						terminal = EventStreamError
					case msg.Metadata.Partial:
						terminal = EventStreamAbort
					}
					return m.replayFromMessage(wsID, msg, terminal), nil
				}
			}
		}
	}
	return nil, ErrNoActiveStream
}

func (m *Manager) replayFromMessage(wsID string, msg message.Message, terminal EventKind) []Event {
	out := []Event{{WorkspaceID: wsID, MessageID: msg.ID, Kind: EventStreamStart}}
	for _, p := range msg.Parts {
		if p.Type == message.PartText {
			out = append(out, Event{WorkspaceID: wsID, MessageID: msg.ID, Kind: EventStreamDelta, TextDelta: p.Text})
		}
	}
	out = append(out, Event{WorkspaceID: wsID, MessageID: msg.ID, Kind: terminal})
	return out
}
