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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAnthropicMessagesSkipsEmptyParts(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Parts: []MessagePart{{Text: "hi"}}},
		{Role: RoleAssistant, Parts: nil},
	}
	out := toAnthropicMessages(msgs)
	require.Len(t, out, 1)
}

func TestToAnthropicMessagesIncludesToolCallAndResult(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Parts: []MessagePart{
			{ToolCall: &ToolCall{ID: "t1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)}},
		}},
		{Role: RoleUser, Parts: []MessagePart{
			{ToolResult: &ToolResult{ToolCallID: "t1", Content: "file.txt", IsError: false}},
		}},
	}
	out := toAnthropicMessages(msgs)
	require.Len(t, out, 2)
}

func TestToAnthropicToolsCarriesNameAndDescription(t *testing.T) {
	tools := []ToolSpec{
		{Name: "bash", Description: "run a shell command", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	out := toAnthropicTools(tools)
	require.Len(t, out, 1)
	assert.Equal(t, "bash", out[0].OfTool.Name)
}

func TestIsThrottlingRecognizesCommonPhrasings(t *testing.T) {
	assert.True(t, isThrottling(errors.New("anthropic: 429 rate limit exceeded")))
	assert.True(t, isThrottling(errors.New("upstream overloaded, try again")))
	assert.True(t, isThrottling(errors.New("received 529 from server")))
	assert.False(t, isThrottling(errors.New("invalid api key")))
	assert.False(t, isThrottling(nil))
}

func TestRateLimiterDoRetriesThrottlingThenSucceeds(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstCapacity:     10,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	})

	attempts := 0
	err := rl.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("429 too many requests")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, rl.Metrics().Succeeded)
	assert.Equal(t, 2, rl.Metrics().Throttled)
}

func TestRateLimiterDoDoesNotRetryPermanentErrors(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstCapacity:     10,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
	})

	attempts := 0
	wantErr := errors.New("invalid api key")
	err := rl.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return wantErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRateLimiterDoGivesUpAfterMaxRetries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstCapacity:     10,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
	})

	attempts := 0
	err := rl.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("503 server busy")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
}

func TestRateLimiterDoRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstCapacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Drain the single burst token so the second Do call must wait on
	// the limiter and observes the context deadline.
	require.NoError(t, rl.Do(context.Background(), func(ctx context.Context) error { return nil }))

	err := rl.Do(ctx, func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}
