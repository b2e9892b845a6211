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

package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

type taskInput struct {
	Kind            string `json:"kind"`
	AgentType       string `json:"agentType,omitempty"`
	Prompt          string `json:"prompt"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// TaskCreator is the subset of internal/task.Service the `task` tool
// needs. Declared as an interface here to avoid internal/tool
// importing internal/task directly, which would otherwise need
// internal/task to depend back on internal/tool for registration.
type TaskCreator interface {
	CreateTaskTool(ctx context.Context, parentWorkspaceID, parentToolCallID, kind, agentType, prompt string, runInBackground bool) (taskID string, status string, err error)
}

// NewTaskHandler forwards `task` tool calls to the Task Service (spec
// §4.6 "forwards to L10").
func NewTaskHandler(tasks TaskCreator) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in taskInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: task: decode input: %w", err)
		}
		taskID, status, err := tasks.CreateTaskTool(ctx, call.WorkspaceID, call.ToolCallID, in.Kind, in.AgentType, in.Prompt, in.RunInBackground)
		if err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		out, _ := json.Marshal(map[string]any{"status": status, "taskId": taskID})
		return Result{Content: string(out)}, nil
	}
}

type agentReportInput struct {
	ReportMarkdown string `json:"reportMarkdown"`
	Title          string `json:"title,omitempty"`
}

// AgentReporter is the subset of internal/task.Service the
// `agent_report` tool needs.
type AgentReporter interface {
	HandleAgentReport(ctx context.Context, taskID, reportMarkdown, title string) error
}

// NewAgentReportHandler finalizes the parent's pending `task` tool
// output when a subagent calls agent_report (spec §4.6, §4.10).
func NewAgentReportHandler(tasks AgentReporter) Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		var in agentReportInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return Result{}, fmt.Errorf("tool: agent_report: decode input: %w", err)
		}
		if err := tasks.HandleAgentReport(ctx, call.WorkspaceID, in.ReportMarkdown, in.Title); err != nil {
			return Result{IsError: true, Content: err.Error()}, nil
		}
		return Result{Content: `{"success":true}`}, nil
	}
}

// NewProposePlanHandler echoes the proposed plan back as the tool
// result; plan-mode UI surfaces it for user approval. Policy hard-denies
// this tool outside plan mode (spec §4.5 step 5), so the handler itself
// does no mode checking.
func NewProposePlanHandler() Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		return Result{Content: string(call.Input)}, nil
	}
}

// NewAskUserQuestionHandler echoes the question payload back as the
// tool result; the client renders it and replies via the next
// sendMessage. Policy hard-denies this tool for subagents.
func NewAskUserQuestionHandler() Handler {
	return func(ctx context.Context, call Call) (Result, error) {
		return Result{Content: string(call.Input)}, nil
	}
}
