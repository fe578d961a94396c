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
	"strings"

	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// extractionSchema validates the extractor's response before decoding.
var extractionSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"profiles"},
	"properties": map[string]interface{}{
		"profiles": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []string{"user_id", "attributes"},
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{"type": "string"},
					"attributes": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type":     "object",
							"required": []string{"dimension", "value", "confidence"},
							"properties": map[string]interface{}{
								"dimension":  map[string]interface{}{"type": "string"},
								"value":      map[string]interface{}{"type": "string"},
								"confidence": map[string]interface{}{"type": "number"},
							},
						},
					},
				},
			},
		},
	},
}

// Extractor turns a high-value conversation unit into per-user profile
// deltas with one LLM call covering every requested user. Stateless; safe
// for concurrent use.
type Extractor struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewExtractor creates an extractor over the given provider.
func NewExtractor(provider llm.Provider, logger *zap.Logger) (*Extractor, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{provider: provider, logger: logger}, nil
}

// Extract produces one delta per requested user. Users the model had
// nothing for get an empty delta, which merges as a no-op. Existing
// profiles are summarized into the prompt so the model updates rather than
// restates; a stored profile whose scenario differs from the unit's fails
// fast with a *ScenarioMismatchError before any call is made. Dimensions
// outside the scenario vocabulary are dropped with a warning, and
// confidences are clamped to [0,1]. Call or parse failures return a
// *ExtractionError, which the manager retries.
func (e *Extractor) Extract(ctx context.Context, unit *types.ConversationUnit, existing map[string]*types.Profile, userIDs []string) (map[string]*types.ProfileDelta, error) {
	if unit == nil {
		return nil, fmt.Errorf("unit is required")
	}
	if !unit.Scenario.Valid() {
		return nil, fmt.Errorf("unknown scenario %q", unit.Scenario)
	}
	if len(userIDs) == 0 {
		userIDs = unit.UserIDs
	}
	if len(userIDs) == 0 {
		return map[string]*types.ProfileDelta{}, nil
	}

	for _, userID := range userIDs {
		if p := existing[userID]; p != nil && p.Scenario != unit.Scenario {
			return nil, &ScenarioMismatchError{
				UserID:       userID,
				ProfileScope: p.Scenario,
				UnitScope:    unit.Scenario,
			}
		}
	}

	prompt := buildExtractionPrompt(unit, existing, userIDs)

	resp, err := e.provider.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: llm.TemperatureJudgment,
	})
	if err != nil {
		return nil, &ExtractionError{UnitID: unit.ID, Err: err}
	}

	var payload struct {
		Profiles []struct {
			UserID     string `json:"user_id"`
			Attributes []struct {
				Dimension  string  `json:"dimension"`
				Value      string  `json:"value"`
				Confidence float64 `json:"confidence"`
			} `json:"attributes"`
		} `json:"profiles"`
	}
	if err := llm.DecodeVerdict(resp.Content, extractionSchema, &payload); err != nil {
		return nil, &ExtractionError{UnitID: unit.ID, Err: err}
	}

	deltas := make(map[string]*types.ProfileDelta, len(userIDs))
	for _, userID := range userIDs {
		deltas[userID] = &types.ProfileDelta{
			UserID:     userID,
			Scenario:   unit.Scenario,
			Attributes: make(map[types.Dimension]types.DeltaValue),
			UnitID:     unit.ID,
		}
	}

	for _, p := range payload.Profiles {
		delta, requested := deltas[p.UserID]
		if !requested {
			e.logger.Warn("extraction returned unrequested user",
				zap.String("unit_id", unit.ID),
				zap.String("user_id", p.UserID))
			continue
		}
		for _, attr := range p.Attributes {
			dim := types.Dimension(attr.Dimension)
			if !unit.Scenario.Allows(dim) {
				e.logger.Warn("dropping dimension outside scenario vocabulary",
					zap.String("unit_id", unit.ID),
					zap.String("user_id", p.UserID),
					zap.String("dimension", attr.Dimension),
					zap.String("scenario", string(unit.Scenario)))
				continue
			}
			value := strings.TrimSpace(attr.Value)
			if value == "" {
				continue
			}
			delta.Attributes[dim] = types.DeltaValue{
				Value:      value,
				Confidence: clamp01(attr.Confidence),
			}
		}
	}

	return deltas, nil
}
