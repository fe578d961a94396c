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
// Package anthropic implements the llm.Provider contract against the
// Anthropic API directly.
package anthropic

import (
	"context"
	"fmt"
	"os"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
)

const (
	// DefaultModel is used when neither config nor environment name one.
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultMaxTokens bounds completions; judgment verdicts are short.
	DefaultMaxTokens = 4096
)

// Config configures the Anthropic provider.
type Config struct {
	// APIKey authenticates against the Anthropic API. Falls back to
	// ANTHROPIC_API_KEY, then EVERMEM_LLM_API_KEY.
	APIKey string

	// Model is the model identifier. Falls back to ANTHROPIC_MODEL, then
	// DefaultModel.
	Model string

	// MaxTokens is the per-call completion budget. Defaults to
	// DefaultMaxTokens.
	MaxTokens int

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string
}

// Client calls the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClient creates an Anthropic provider.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.APIKey = key
		} else if key := os.Getenv("EVERMEM_LLM_API_KEY"); key != "" {
			cfg.APIKey = key
		} else {
			return nil, fmt.Errorf("anthropic API key required (set ANTHROPIC_API_KEY)")
		}
	}
	if cfg.Model == "" {
		if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
			cfg.Model = model
		} else {
			cfg.Model = DefaultModel
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one request to the Messages API.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
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
		return nil, fmt.Errorf("anthropic invocation failed: %w", err)
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
