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
package profile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Discriminator defaults.
const (
	// DefaultMinConfidence is the acceptance floor for high-value verdicts.
	// The boundary is inclusive: 0.59 rejects, 0.60 accepts.
	DefaultMinConfidence = 0.6

	// DefaultContextWindow is how many recent units are embedded as
	// context in the judgment prompt.
	DefaultContextWindow = 2
)

// judgmentSchema validates the discriminator's verdict before decoding.
var judgmentSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"is_high_value", "confidence"},
	"properties": map[string]interface{}{
		"is_high_value": map[string]interface{}{"type": "boolean"},
		"confidence":    map[string]interface{}{"type": "number"},
		"reason":        map[string]interface{}{"type": "string"},
	},
}

// DiscriminatorConfig configures a ValueDiscriminator. Start from
// DefaultDiscriminatorConfig; a zero MinConfidence or ContextWindow is
// replaced by the default.
type DiscriminatorConfig struct {
	// MinConfidence is the acceptance floor, inclusive.
	MinConfidence float64

	// ContextWindow is the maximum number of recent units embedded as
	// judgment context.
	ContextWindow int

	// UseContext controls whether recent units are embedded at all. When
	// false the recent slice is ignored even if supplied.
	UseContext bool

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultDiscriminatorConfig returns the standard configuration.
func DefaultDiscriminatorConfig() DiscriminatorConfig {
	return DiscriminatorConfig{
		MinConfidence: DefaultMinConfidence,
		ContextWindow: DefaultContextWindow,
		UseContext:    true,
	}
}

// ValueDiscriminator judges whether a conversation unit carries durable,
// profile-worthy information. Stateless; safe for concurrent use.
type ValueDiscriminator struct {
	provider llm.Provider
	config   DiscriminatorConfig
	logger   *zap.Logger
}

// NewValueDiscriminator creates a discriminator over the given provider.
func NewValueDiscriminator(provider llm.Provider, config DiscriminatorConfig) (*ValueDiscriminator, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if config.MinConfidence == 0 {
		config.MinConfidence = DefaultMinConfidence
	}
	if config.ContextWindow == 0 {
		config.ContextWindow = DefaultContextWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValueDiscriminator{
		provider: provider,
		config:   config,
		logger:   logger,
	}, nil
}

// Judge evaluates one unit against up to ContextWindow recent units and
// returns the verdict. A verdict whose confidence misses MinConfidence is
// returned with IsHighValue forced to false; confidence and rationale are
// preserved. Call or parse failures return a *DiscriminationError, which
// callers treat as low-value rather than fatal.
func (d *ValueDiscriminator) Judge(ctx context.Context, unit *types.ConversationUnit, recent []types.ConversationUnit) (*types.ValueJudgment, error) {
	if unit == nil {
		return nil, fmt.Errorf("unit is required")
	}
	if !unit.Scenario.Valid() {
		return nil, &DiscriminationError{
			UnitID: unit.ID,
			Err:    fmt.Errorf("unknown scenario %q", unit.Scenario),
		}
	}

	prompt, ctxIDs := buildJudgmentPrompt(unit, recent, d.config.ContextWindow, d.config.UseContext)

	resp, err := d.provider.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: llm.TemperatureJudgment,
	})
	if err != nil {
		return nil, &DiscriminationError{UnitID: unit.ID, Err: err}
	}

	var verdict struct {
		IsHighValue bool    `json:"is_high_value"`
		Confidence  float64 `json:"confidence"`
		Reason      string  `json:"reason"`
	}
	if err := llm.DecodeVerdict(resp.Content, judgmentSchema, &verdict); err != nil {
		return nil, &DiscriminationError{UnitID: unit.ID, Err: err}
	}

	judgment := &types.ValueJudgment{
		IsHighValue:    verdict.IsHighValue,
		Confidence:     clamp01(verdict.Confidence),
		Reason:         verdict.Reason,
		ContextUnitIDs: ctxIDs,
	}

	if judgment.IsHighValue && judgment.Confidence < d.config.MinConfidence {
		d.logger.Debug("high-value verdict below confidence floor",
			zap.String("unit_id", unit.ID),
			zap.Float64("confidence", judgment.Confidence),
			zap.Float64("min_confidence", d.config.MinConfidence))
		judgment.IsHighValue = false
	}

	return judgment, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
