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

import "strings"

// pricePerMillion is one model's list price, in USD per million
// tokens. Bedrock inference-profile ids and direct Anthropic model ids
// both resolve through substring matching so a dated suffix
// ("-20250929") or region prefix ("us.anthropic.") doesn't need its
// own table entry.
type pricePerMillion struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricePerMillion{
	"claude-opus":   {input: 15.00, output: 75.00},
	"claude-sonnet": {input: 3.00, output: 15.00},
	"claude-haiku":  {input: 0.80, output: 4.00},
}

// EstimateCostUSD approximates a completed turn's list-price cost from
// its token usage (spec §6's MUX_COSTS_USD). Unknown models fall back
// to the Sonnet tier rather than reporting zero, since a silent $0 is
// more misleading to a cost-aware shell script than a rough estimate.
func EstimateCostUSD(model string, usage Usage) float64 {
	price, ok := lookupPrice(model)
	if !ok {
		price = modelPricing["claude-sonnet"]
	}
	return float64(usage.InputTokens)/1_000_000*price.input +
		float64(usage.OutputTokens)/1_000_000*price.output
}

func lookupPrice(model string) (pricePerMillion, bool) {
	model = strings.ToLower(model)
	for prefix, price := range modelPricing {
		if strings.Contains(model, prefix) {
			return price, true
		}
	}
	return pricePerMillion{}, false
}
