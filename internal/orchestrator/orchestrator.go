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

// Package orchestrator implements the AI Orchestrator (L8):
// streamMessage's phase pipeline, from pending-start registration
// through dispatch to the Stream Manager.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/agentdef"
	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/initstate"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/policy"
	"github.com/muxrun/mux/internal/provider"
	"github.com/muxrun/mux/internal/runtime"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/tool"
)

// ErrorKind discriminates OrchestratorError, matching spec §4.8/§7's
// typed failure taxonomy exactly.
type ErrorKind string

const (
	ErrAPIKeyNotFound       ErrorKind = "api_key_not_found"
	ErrProviderNotSupported ErrorKind = "provider_not_supported"
	ErrInvalidModelString   ErrorKind = "invalid_model_string"
	ErrContextExceeded      ErrorKind = "context_exceeded"
	ErrRuntimeNotReady      ErrorKind = "runtime_not_ready"
	ErrRuntimeStartFailed   ErrorKind = "runtime_start_failed"
	ErrPolicyDenied         ErrorKind = "policy_denied"
	ErrUnknown              ErrorKind = "unknown"
)

// OrchestratorError is the typed error sum streamMessage returns on
// any phase failure.
type OrchestratorError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Raw      string
}

func (e *OrchestratorError) Error() string {
	switch e.Kind {
	case ErrAPIKeyNotFound, ErrProviderNotSupported:
		return fmt.Sprintf("orchestrator: %s: %s", e.Kind, e.Provider)
	case ErrInvalidModelString, ErrPolicyDenied:
		return fmt.Sprintf("orchestrator: %s: %s", e.Kind, e.Message)
	case ErrUnknown:
		return fmt.Sprintf("orchestrator: unknown: %s", e.Raw)
	default:
		return fmt.Sprintf("orchestrator: %s", e.Kind)
	}
}

// ProviderFactory resolves a "<provider>:<model>" modelString into a
// ready-to-use provider.Provider, reading credentials from secrets.
type ProviderFactory func(ctx context.Context, modelString string) (provider.Provider, error)

// AgentResolution is phase 6's output.
type AgentResolution struct {
	Agent                    agentdef.Definition
	EffectiveMode            policy.Mode
	IsSubagent               bool
	DisableTaskToolsForDepth bool
}

// Deps bundles every collaborator streamMessage's phases call into.
type Deps struct {
	Config     *config.Store
	History    *history.Store
	InitState  *initstate.Manager
	Agents     *agentdef.Registry
	Tools      *tool.Registry
	Stream     *stream.Manager
	Runtimes   func(wsID string) (runtime.Runtime, error)
	Providers  ProviderFactory
	MaxTaskDepth func(wsID string) (depth int, limit int, err error)
	Logger     *zap.Logger
}

// Request bundles streamMessage's parameters (spec §4.8 signature).
type Request struct {
	WorkspaceID                  string
	ModelString                  string
	ThinkingLevel                string
	AgentID                      string
	AdditionalSystemInstructions string
	MaxOutputTokens              int
	PlanModeFileContext          string
	Subagents                    []agentdef.Descriptor
}

type pendingStart struct {
	cancel    context.CancelFunc
	startTime time.Time
	messageID string
}

// Orchestrator runs streamMessage for the process.
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	pending map[string]*pendingStart
}

// New constructs an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, pending: make(map[string]*pendingStart)}
}

// IsStreaming reports whether wsID currently has an in-flight stream.
func (o *Orchestrator) IsStreaming(wsID string) bool {
	return o.deps.Stream.IsStreaming(wsID)
}

// StopStream cancels a pending-start or active stream for wsID,
// satisfying §4.8 phase 1's contract that an abort can race a start
// that hasn't reached the Stream Manager yet.
func (o *Orchestrator) StopStream(wsID string, opts stream.StopOptions) error {
	if err := o.deps.Stream.StopStream(wsID, opts); err == nil {
		return nil
	}
	o.mu.Lock()
	p, ok := o.pending[wsID]
	o.mu.Unlock()
	if !ok {
		return stream.ErrNoActiveStream
	}
	p.cancel()
	return nil
}

// StreamMessage runs the full phase pipeline and blocks until the
// Stream Manager's StartStream returns.
func (o *Orchestrator) StreamMessage(ctx context.Context, req Request) error {
	// Phase 1: pending-start registration.
	startCtx, cancel := context.WithCancel(ctx)
	syntheticID := uuid.NewString()
	o.mu.Lock()
	o.pending[req.WorkspaceID] = &pendingStart{cancel: cancel, startTime: time.Now(), messageID: syntheticID}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, req.WorkspaceID)
		o.mu.Unlock()
	}()

	// Phase 2: partial commit.
	if err := o.deps.History.CommitToHistory(req.WorkspaceID); err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}

	// Phase 3: provider model construction.
	prov, err := o.deps.Providers(startCtx, req.ModelString)
	if err != nil {
		return o.typedErr(req.WorkspaceID, classifyProviderError(req.ModelString, err))
	}

	// Phase 4: message filtering & normalization.
	priorMessages, err := o.deps.History.List(req.WorkspaceID)
	if err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}
	filtered := filterMessages(priorMessages)

	// Phase 5: workspace readiness.
	if err := o.deps.InitState.WaitForInit(startCtx, req.WorkspaceID); err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrRuntimeNotReady, Message: err.Error()})
	}
	rt, err := o.deps.Runtimes(req.WorkspaceID)
	if err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrRuntimeStartFailed, Message: err.Error()})
	}
	readyState, err := rt.EnsureReady(startCtx, nil)
	if err != nil || !readyState.Ready {
		kind := ErrRuntimeNotReady
		if readyState.ErrorType == "runtime_start_failed" {
			kind = ErrRuntimeStartFailed
		}
		msg := readyState.ErrorType
		if err != nil {
			msg = err.Error()
		}
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: kind, Message: msg})
	}

	// Phase 6: agent resolution.
	agentRes, err := o.resolveAgent(req)
	if err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}

	// Phase 7: tool-policy resolution.
	effectivePolicy := policy.Resolve(policy.Input{
		Mode:                     agentRes.EffectiveMode,
		PermissionMode:           policy.PermissionMode(agentRes.Agent.Frontmatter.PermissionMode),
		Tools:                    agentRes.Agent.Frontmatter.Tools,
		DisallowedTools:          agentRes.Agent.Frontmatter.DisallowedTools,
		PolicyToolsOnly:          agentRes.Agent.Frontmatter.Policy.Tools.Only,
		PolicyToolsDeny:          agentRes.Agent.Frontmatter.Policy.Tools.Deny,
		IsSubagent:               agentRes.IsSubagent,
		DisableTaskToolsForDepth: agentRes.DisableTaskToolsForDepth,
	})

	// Phase 8: system-prompt assembly.
	systemPrompt, err := o.assembleSystemPrompt(agentRes, req)
	if err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}

	// Phase 9: tool selection.
	allowedNames, err := o.deps.Tools.Resolve(effectivePolicy)
	if err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrPolicyDenied, Message: err.Error()})
	}
	toolSpecs := toToolSpecs(allowedNames)

	// Phase 10: assistant placeholder.
	assistantMsg := message.Message{ID: syntheticID, Role: message.Assistant, Parts: nil}
	if _, err := o.deps.History.AppendToHistory(req.WorkspaceID, assistantMsg); err != nil {
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}

	providerMessages := toProviderMessages(filtered)

	// Phase 11: dispatch to Stream Manager.
	err = o.deps.Stream.StartStream(startCtx, req.WorkspaceID, stream.StartOptions{
		AssistantMessageID: syntheticID,
		Provider:           prov,
		Request: provider.Request{
			System:    systemPrompt,
			Messages:  providerMessages,
			Tools:     toolSpecs,
			MaxTokens: req.MaxOutputTokens,
			Thinking:  req.ThinkingLevel,
		},
	})
	if err != nil {
		if err == stream.ErrAlreadyStreaming {
			return nil
		}
		return o.typedErr(req.WorkspaceID, &OrchestratorError{Kind: ErrUnknown, Raw: err.Error()})
	}
	return nil
}

// typedErr logs a failure from a phase before dispatch and returns oe.
// No stream event is published for these failures; only the caller of
// StreamMessage receives the typed error.
func (o *Orchestrator) typedErr(wsID string, oe *OrchestratorError) error {
	o.deps.Logger.Warn("streamMessage failed before dispatch", zap.String("workspaceId", wsID), zap.String("kind", string(oe.Kind)))
	return oe
}

func classifyProviderError(modelString string, err error) *OrchestratorError {
	prov, _, ok := strings.Cut(modelString, ":")
	if !ok {
		return &OrchestratorError{Kind: ErrInvalidModelString, Message: fmt.Sprintf("malformed model string %q, expected provider:model", modelString)}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unsupported provider"):
		return &OrchestratorError{Kind: ErrProviderNotSupported, Provider: prov}
	case strings.Contains(msg, "no api key") || strings.Contains(msg, "api key not found"):
		return &OrchestratorError{Kind: ErrAPIKeyNotFound, Provider: prov}
	default:
		return &OrchestratorError{Kind: ErrUnknown, Raw: msg}
	}
}

func (o *Orchestrator) resolveAgent(req Request) (AgentResolution, error) {
	id := req.AgentID
	if id == "" {
		id = "default"
	}
	def, ok := o.deps.Agents.Get(id)
	if !ok {
		return AgentResolution{}, fmt.Errorf("orchestrator: unknown agent %q", id)
	}

	depth, limit, err := o.deps.MaxTaskDepth(req.WorkspaceID)
	if err != nil {
		return AgentResolution{}, err
	}
	isSubagent := depth > 0

	mode := policy.ModeExec
	if def.Frontmatter.Base == "plan" || id == "plan" {
		mode = policy.ModePlan
	}

	return AgentResolution{
		Agent:                    def,
		EffectiveMode:            mode,
		IsSubagent:               isSubagent,
		DisableTaskToolsForDepth: limit > 0 && depth >= limit,
	}, nil
}

func (o *Orchestrator) assembleSystemPrompt(res AgentResolution, req Request) (string, error) {
	body, err := o.deps.Agents.ResolveBody(res.Agent.ID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(body)
	if req.AdditionalSystemInstructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.AdditionalSystemInstructions)
	}
	if res.EffectiveMode == policy.ModePlan && req.PlanModeFileContext != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.PlanModeFileContext)
	}
	if len(req.Subagents) > 0 {
		sb.WriteString("\n\nAvailable subagents:\n")
		for _, d := range req.Subagents {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		}
	}
	return sb.String(), nil
}

// filterMessages drops empty assistant turns, keeping reasoning-only
// messages intact since some providers use them under extended
// thinking (spec §4.8 phase 4).
func filterMessages(msgs []message.Message) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == message.Assistant && m.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func toProviderMessages(msgs []message.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := provider.Message{Role: provider.Role(m.Role)}
		for _, p := range m.Parts {
			switch p.Type {
			case message.PartText:
				pm.Parts = append(pm.Parts, provider.MessagePart{Text: p.Text})
			case message.PartDynamicTool:
				if p.State == message.ToolOutputAvailable {
					pm.Parts = append(pm.Parts, provider.MessagePart{ToolResult: &provider.ToolResult{
						ToolCallID: p.ToolCallID,
						Content:    string(p.Output),
					}})
				} else {
					pm.Parts = append(pm.Parts, provider.MessagePart{ToolCall: &provider.ToolCall{
						ID:    p.ToolCallID,
						Name:  p.ToolName,
						Input: p.Input,
					}})
				}
			}
		}
		out = append(out, pm)
	}
	return out
}

func toToolSpecs(names []string) []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(names))
	for _, n := range names {
		out = append(out, provider.ToolSpec{Name: n})
	}
	return out
}
