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

package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// DefaultAnthropicModel is used when AnthropicConfig.Model is empty.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicConfig configures an Anthropic-direct provider.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *zap.Logger
}

// Anthropic talks to Anthropic's API directly via anthropic-sdk-go.
type Anthropic struct {
	client anthropic.Client
	model  string
	cfg    AnthropicConfig
	logger *zap.Logger
	limit  *RateLimiter
}

// NewAnthropic constructs a direct Anthropic provider.
func NewAnthropic(cfg AnthropicConfig, limit *RateLimiter) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
		cfg:    cfg,
		logger: logger.Named("provider.anthropic"),
		limit:  limit,
	}
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Model() string { return a.model }

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range m.Parts {
			switch {
			case p.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			case p.ToolCall != nil:
				var input any
				_ = json.Unmarshal(p.ToolCall.Input, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCall.ID, input, p.ToolCall.Name))
			case p.ToolResult != nil:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolResult.ToolCallID, p.ToolResult.Content, p.ToolResult.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

// Stream issues req against the Messages API with streaming enabled,
// translating accumulated SDK events into this package's Event stream
// (spec §6 event enum shapes are produced one level up, in
// internal/stream).
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	out := make(chan Event, 16)

	run := func(ctx context.Context) error {
		stream := a.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				return fmt.Errorf("provider: accumulate stream event: %w", err)
			}

			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					out <- Event{Kind: EventToolCallStart, ToolCallID: tu.ID, ToolName: tu.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- Event{Kind: EventTextDelta, TextDelta: delta.Text}
				case anthropic.ThinkingDelta:
					out <- Event{Kind: EventReasoningDelta, ReasoningDelta: delta.Thinking}
				case anthropic.InputJSONDelta:
					out <- Event{Kind: EventToolCallDelta, ToolInputJSON: delta.PartialJSON}
				}
			case anthropic.ContentBlockStopEvent:
				// Tool-call completion is reported once we know the
				// accumulated block's final shape, below via message.Content.
			case anthropic.MessageDeltaEvent:
				out <- Event{Kind: EventUsage, Usage: Usage{OutputTokens: variant.Usage.OutputTokens}}
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}

		for _, block := range message.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				inputJSON, _ := json.Marshal(tu.Input)
				out <- Event{Kind: EventToolCallEnd, ToolCallID: tu.ID, ToolName: tu.Name, ToolInputJSON: string(inputJSON)}
			}
		}

		out <- Event{
			Kind: EventUsage,
			Usage: Usage{
				InputTokens:  message.Usage.InputTokens,
				OutputTokens: message.Usage.OutputTokens,
			},
		}
		return nil
	}

	go func() {
		defer close(out)
		var err error
		if a.limit != nil {
			err = a.limit.Do(ctx, run)
		} else {
			err = run(ctx)
		}
		if err != nil {
			out <- Event{Kind: EventError, Err: err}
			return
		}
		out <- Event{Kind: EventDone}
	}()

	return out, nil
}
