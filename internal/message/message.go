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

// Package message defines the chat message and content-part data model
// shared by the history log, stream manager, and orchestrator.
package message

import "encoding/json"

// Role identifies who produced a message.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// ToolState is the lifecycle state of a dynamic-tool part.
type ToolState string

const (
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
)

// PartType discriminates the concrete type carried by a Part.
type PartType string

const (
	PartText        PartType = "text"
	PartReasoning   PartType = "reasoning"
	PartDynamicTool PartType = "dynamic-tool"
	PartFile        PartType = "file"
)

// Part is a tagged-union entry in a Message's parts list. Exactly one of
// the type-specific fields is meaningful, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// reasoning
	Reasoning string `json:"reasoning,omitempty"`

	// dynamic-tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	// file
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NewTextPart builds a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewReasoningPart builds a reasoning part.
func NewReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Reasoning: text}
}

// NewToolCallPart builds a dynamic-tool part awaiting its output.
func NewToolCallPart(toolCallID, toolName string, input json.RawMessage) Part {
	return Part{
		Type:       PartDynamicTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		State:      ToolInputAvailable,
		Input:      input,
	}
}

// WithOutput returns a copy of a dynamic-tool part transitioned to
// output-available. It does not mutate the receiver: the caller is
// responsible for persisting the returned value in place of the
// original (history's updateHistory, or a partial-slot rewrite).
func (p Part) WithOutput(output json.RawMessage) Part {
	p.State = ToolOutputAvailable
	p.Output = output
	return p
}

// Metadata carries per-message bookkeeping that is not part of the
// conversational content itself.
type Metadata struct {
	HistorySequence int64   `json:"historySequence,omitempty"`
	CreatedAt       int64   `json:"createdAt,omitempty"`
	Partial         bool    `json:"partial,omitempty"`
	Synthetic       bool    `json:"synthetic,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorType       string  `json:"errorType,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
}

// Message is one entry in a workspace's history log or its partial slot.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// Text concatenates every text part's content, in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// IsEmpty reports whether a message carries no content parts at all,
// used by the orchestrator's message-filtering phase (spec §4.8 step 4)
// to drop empty assistant turns before they reach the provider.
func (m Message) IsEmpty() bool {
	return len(m.Parts) == 0
}

// ToolPart locates the dynamic-tool part with the given call id, if any.
func (m Message) ToolPart(toolCallID string) (Part, int, bool) {
	for i, p := range m.Parts {
		if p.Type == PartDynamicTool && p.ToolCallID == toolCallID {
			return p, i, true
		}
	}
	return Part{}, -1, false
}
