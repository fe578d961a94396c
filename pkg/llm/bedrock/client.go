// Copyright 2026 The EverMemOS Authors
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
// Package bedrock implements the llm.Provider contract for Claude models
// served through AWS Bedrock, using the Anthropic SDK's Bedrock backend
// for signing and endpoint handling.
package bedrock

import (
	"context"
	"fmt"
	"os"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
)

const (
	// DefaultModelID uses Claude Sonnet 4.5 with the cross-region
	// inference profile (us.* prefix).
	DefaultModelID = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"

	// DefaultRegion is the Bedrock region used when none is configured.
	DefaultRegion = "us-west-2"

	// DefaultMaxTokens bounds completions.
	DefaultMaxTokens = 4096
)

// Config configures the Bedrock provider. Credentials resolve in order:
// explicit keys, named profile, then the AWS default chain (IAM role, env
// vars, shared config).
type Config struct {
	// ModelID is the Bedrock model identifier. Falls back to
	// AWS_BEDROCK_MODEL_ID, then DefaultModelID.
	ModelID string

	// Region is the AWS region. Falls back to AWS_DEFAULT_REGION, then
	// DefaultRegion.
	Region string

	// AccessKeyID/SecretAccessKey/SessionToken set static credentials.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Profile selects a named shared-config profile.
	Profile string

	// MaxTokens is the per-call completion budget. Defaults to
	// DefaultMaxTokens.
	MaxTokens int
}

// Client calls Claude through Bedrock.
type Client struct {
	client    anthropic.Client
	modelID   string
	region    string
	maxTokens int64
}

// NewClient creates a Bedrock provider.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("AWS_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultModelID
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultRegion
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	var awsCfg aws.Config
	var err error
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	case cfg.Profile != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		client:    anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		modelID:   cfg.ModelID,
		region:    cfg.Region,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "bedrock"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.modelID
}

// Complete sends one request through Bedrock.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("bedrock invocation failed: %w", err)
	}

	resp := &llm.Response{
		StopReason: string(message.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	return resp, nil
}
