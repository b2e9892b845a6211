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

// Package provider abstracts model backends behind the streaming
// surface the AI orchestrator (L8) needs: a Provider turns a prepared
// message list plus the resolved tool surface into a stream of
// deltas, without the orchestrator knowing whether it's talking to
// Anthropic's API directly or via Bedrock.
package provider

import (
	"context"
	"encoding/json"
)

// Role mirrors internal/message.Role for the subset a provider needs
// to see; kept distinct so this package has no dependency on the
// history/storage layer.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the input-side echo of a completed tool call, fed back
// to the model as part of the next turn's message history.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// MessagePart is one piece of a Message: text, a tool call the
// assistant made, or a tool result being reported back.
type MessagePart struct {
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// Message is one turn in the conversation sent to the provider.
type Message struct {
	Role  Role
	Parts []MessagePart
}

// ToolSpec describes one callable tool's name/description/JSON schema,
// the shape internal/tool.Registry hands to a Provider.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// EventKind discriminates Event.
type EventKind string

const (
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCallStart  EventKind = "tool-call-start"
	EventToolCallDelta  EventKind = "tool-call-delta"
	EventToolCallEnd    EventKind = "tool-call-end"
	EventUsage          EventKind = "usage"
	EventDone           EventKind = "done"
	EventError          EventKind = "error"
)

// Event is one increment of a streamed response, shaped so
// internal/stream can translate it directly into the spec §6 event
// stream enum without an intermediate remapping table.
type Event struct {
	Kind EventKind

	TextDelta      string
	ReasoningDelta string

	ToolCallID    string
	ToolName      string
	ToolInputJSON string // accumulated so far, valid JSON only at ToolCallEnd

	Usage Usage
	Err   error
}

// Request bundles everything a Provider needs to produce one
// streamed response.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Thinking    string // thinkingLevel passthrough, interpreted per-provider
}

// Provider is a model backend capable of streaming a chat completion.
type Provider interface {
	Name() string
	Model() string
	// Stream sends req and returns a channel of Events, closed when
	// the stream ends (after an EventDone or EventError). The channel
	// is unbuffered from the caller's perspective: events are
	// delivered in order.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
