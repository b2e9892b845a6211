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
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"
)

// DefaultBedrockModelID matches Bedrock's cross-region inference
// profile naming for Claude Sonnet.
const DefaultBedrockModelID = "anthropic.claude-sonnet-4-5-20250929-v1:0"

// BedrockConfig configures a Bedrock-backed Anthropic provider.
type BedrockConfig struct {
	ModelID         string
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxTokens       int
	Temperature     float64
	Logger          *zap.Logger
}

// NewBedrock constructs a provider that calls Claude models through
// Amazon Bedrock, using anthropic-sdk-go's bedrock transport rather
// than a hand-rolled Converse API client: the SDK's message/stream
// types are identical to the direct-Anthropic path, so NewBedrock
// returns an *Anthropic whose client uses the bedrock transport, and
// its Stream is the same code.
func NewBedrock(ctx context.Context, cfg BedrockConfig, limit *RateLimiter) (*Anthropic, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultBedrockModelID
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var awsCfg aws.Config
	var err error
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	case cfg.Profile != "":
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("provider: load aws config for bedrock: %w", err)
	}

	return &Anthropic{
		client: anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		model:  cfg.ModelID,
		cfg: AnthropicConfig{
			Model:       cfg.ModelID,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Logger:      logger,
		},
		logger: logger.Named("provider.bedrock"),
		limit:  limit,
	}, nil
}
