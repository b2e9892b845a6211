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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateCostUSDMatchesKnownModel(t *testing.T) {
	got := EstimateCostUSD("claude-sonnet-4-5-20250929", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	assert.InDelta(t, 18.00, got, 0.0001)
}

func TestEstimateCostUSDMatchesBedrockInferenceProfileID(t *testing.T) {
	got := EstimateCostUSD("us.anthropic.claude-haiku-20250101-v1:0", Usage{InputTokens: 1_000_000, OutputTokens: 0})
	assert.InDelta(t, 0.80, got, 0.0001)
}

func TestEstimateCostUSDFallsBackToSonnetForUnknownModel(t *testing.T) {
	got := EstimateCostUSD("some-future-model", Usage{InputTokens: 1_000_000, OutputTokens: 0})
	assert.InDelta(t, 3.00, got, 0.0001)
}

func TestEstimateCostUSDZeroUsageIsZero(t *testing.T) {
	assert.Equal(t, 0.0, EstimateCostUSD("claude-opus-4", Usage{}))
}
