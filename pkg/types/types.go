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
// Package types defines the shared domain model of the memory core:
// conversation units, scenarios and their dimension vocabularies, user
// profiles with versioned history, and the memory records the retrieval
// subsystem ranks. It exists so the pipeline, storage, and retrieval
// packages can share these types without import cycles.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Scenarios
// ============================================================================

// Scenario identifies the conversational setting a unit was observed in.
// Each scenario owns a fixed dimension vocabulary; the two vocabularies are
// mutually exclusive, and a user's profile never mixes scenarios.
type Scenario string

const (
	// ScenarioGroupChat covers multi-party work conversations. Its
	// dimensions describe how a person operates in a team.
	ScenarioGroupChat Scenario = "group_chat"

	// ScenarioAssistant covers one-on-one user/assistant conversations.
	// Its dimensions describe personal traits and preferences.
	ScenarioAssistant Scenario = "assistant"
)

// Dimension names one profile attribute slot, e.g. "hard_skills".
type Dimension string

// Group-chat dimensions.
const (
	DimRoleResponsibility   Dimension = "role_responsibility"
	DimHardSkills           Dimension = "hard_skills"
	DimSoftSkills           Dimension = "soft_skills"
	DimProjectsParticipated Dimension = "projects_participated"
	DimWorkingHabitPref     Dimension = "working_habit_preference"
	DimWayOfDecisionMaking  Dimension = "way_of_decision_making"
)

// Assistant dimensions.
const (
	DimPersonality      Dimension = "personality"
	DimPreferences      Dimension = "preferences"
	DimInterests        Dimension = "interests"
	DimTendency         Dimension = "tendency"
	DimValueSystem      Dimension = "value_system"
	DimMotivationSystem Dimension = "motivation_system"
	DimRoutines         Dimension = "routines"
)

var groupChatDimensions = []Dimension{
	DimRoleResponsibility,
	DimHardSkills,
	DimSoftSkills,
	DimProjectsParticipated,
	DimWorkingHabitPref,
	DimWayOfDecisionMaking,
}

var assistantDimensions = []Dimension{
	DimPersonality,
	DimPreferences,
	DimInterests,
	DimTendency,
	DimValueSystem,
	DimMotivationSystem,
	DimRoutines,
}

// ParseScenario validates s and returns it as a Scenario.
func ParseScenario(s string) (Scenario, error) {
	switch Scenario(s) {
	case ScenarioGroupChat, ScenarioAssistant:
		return Scenario(s), nil
	default:
		return "", fmt.Errorf("unknown scenario %q (want %q or %q)", s, ScenarioGroupChat, ScenarioAssistant)
	}
}

// Valid reports whether the scenario is one of the known values.
func (s Scenario) Valid() bool {
	return s == ScenarioGroupChat || s == ScenarioAssistant
}

// Dimensions returns the scenario's dimension vocabulary. The returned
// slice is shared; callers must not mutate it.
func (s Scenario) Dimensions() []Dimension {
	switch s {
	case ScenarioGroupChat:
		return groupChatDimensions
	case ScenarioAssistant:
		return assistantDimensions
	default:
		return nil
	}
}

// Allows reports whether dim belongs to the scenario's vocabulary.
func (s Scenario) Allows(dim Dimension) bool {
	for _, d := range s.Dimensions() {
		if d == dim {
			return true
		}
	}
	return false
}

// ============================================================================
// Conversation units
// ============================================================================

// Turn is a single utterance inside a conversation unit.
type Turn struct {
	// Speaker is the user id (or "assistant") that produced the utterance.
	Speaker string `json:"speaker"`

	// Content is the utterance text.
	Content string `json:"content"`
}

// ConversationUnit is the atom the clustering collaborator emits: a small,
// topically coherent slice of conversation.
type ConversationUnit struct {
	// ID uniquely identifies the unit.
	ID string `json:"id"`

	// ConversationID groups units from the same conversation.
	ConversationID string `json:"conversation_id"`

	// Scenario is the conversational setting of the unit.
	Scenario Scenario `json:"scenario"`

	// UserIDs are the participants profile extraction may update.
	UserIDs []string `json:"user_ids"`

	// Turns are the ordered utterances of the unit.
	Turns []Turn `json:"turns"`

	// Timestamp is when the unit's conversation happened.
	Timestamp time.Time `json:"timestamp"`
}

// Text renders the unit's turns as "speaker: content" lines, the form the
// pipeline embeds in prompts.
func (u *ConversationUnit) Text() string {
	var b strings.Builder
	for _, t := range u.Turns {
		b.WriteString(t.Speaker)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ValueJudgment is the discriminator's verdict on a unit.
type ValueJudgment struct {
	// IsHighValue reports whether the unit should flow into extraction.
	// It is false both when the model judged the unit low-value and when
	// the model's confidence missed the configured floor.
	IsHighValue bool `json:"is_high_value"`

	// Confidence is the model's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Reason is the model's one-line rationale.
	Reason string `json:"reason"`

	// ContextUnitIDs lists the recent units shown alongside the judged
	// unit, oldest first.
	ContextUnitIDs []string `json:"context_unit_ids,omitempty"`
}
