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
// Package llm defines the LLM collaborator contract consumed by the
// pipeline and retrieval subsystems, plus the helpers that turn raw
// completions into structured verdicts. Concrete providers live in the
// anthropic and bedrock subpackages; factory selects one by name.
package llm

import (
	"context"
)

// Temperature conventions across the memory core. Judgment calls must be
// reproducible; query refinement wants some variety.
const (
	TemperatureJudgment = 0.0
	TemperatureRefine   = 0.4
)

// Request is a single-turn completion request. The memory core never holds
// multi-turn LLM conversations; every call is one prompt, one response.
type Request struct {
	// System is the optional system prompt.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// Temperature is the sampling temperature. Zero is meaningful (and
	// the default for judgment calls), so it is always sent.
	Temperature float64

	// MaxTokens overrides the provider's response budget when positive.
	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a raw completion.
type Response struct {
	// Content is the concatenated text of the completion.
	Content string

	// StopReason is the provider's stop reason ("end_turn", "max_tokens").
	StopReason string

	// Usage reports token consumption.
	Usage Usage
}

// Provider is the LLM collaborator. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Complete sends one request and returns the completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider name, e.g. "anthropic".
	Name() string

	// Model returns the model identifier in use.
	Model() string
}
