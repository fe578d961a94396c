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
	"fmt"
	"sort"
	"strings"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Token budgets per prompt section. Oversized conversation text is cut,
// not rejected; a truncated unit still carries enough signal to judge.
const (
	unitTokenBudget    = 2048
	contextTokenBudget = 512
	profileTokenBudget = 1024
)

// dimensionGlosses annotates each dimension for the prompts. The glosses
// tell the model what belongs in a slot, so they stay short and concrete.
var dimensionGlosses = map[types.Dimension]string{
	types.DimRoleResponsibility:   "User's role, duties, responsibilities",
	types.DimHardSkills:           "Technical skills, tools, technologies",
	types.DimSoftSkills:           "Communication, leadership, collaboration",
	types.DimProjectsParticipated: "Project names, roles, contributions",
	types.DimWorkingHabitPref:     "Work style, preferences, routines",
	types.DimWayOfDecisionMaking:  "Decision patterns, priorities",

	types.DimPersonality:      "Enduring character traits, temperament",
	types.DimPreferences:      "Likes, dislikes, preferred ways of interacting",
	types.DimInterests:        "Long-term hobbies, passions, areas of interest",
	types.DimTendency:         "Behavioral patterns, recurring inclinations",
	types.DimValueSystem:      "Core values, beliefs, principles",
	types.DimMotivationSystem: "What drives or discourages the user",
	types.DimRoutines:         "Regular habits, schedules",
}

// fieldList renders the scenario's dimension vocabulary as a glossed
// bullet list for embedding in prompts.
func fieldList(scenario types.Scenario) string {
	var b strings.Builder
	for _, dim := range scenario.Dimensions() {
		fmt.Fprintf(&b, "- %s: %s\n", dim, dimensionGlosses[dim])
	}
	return strings.TrimRight(b.String(), "\n")
}

// contextBlock renders up to window recent units as numbered context
// entries, oldest first. Returns the block text and the ids of the units
// embedded in it.
func contextBlock(recent []types.ConversationUnit, window int) (string, []string) {
	if window <= 0 || len(recent) == 0 {
		return "No context available", nil
	}
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	counter := llm.GetTokenCounter()
	entries := make([]string, 0, len(recent))
	ids := make([]string, 0, len(recent))
	for i := range recent {
		text := strings.TrimSpace(recent[i].Text())
		if text == "" {
			continue
		}
		text = counter.Truncate(text, contextTokenBudget)
		entries = append(entries, fmt.Sprintf("[Context %d]\n%s", len(entries)+1, text))
		ids = append(ids, recent[i].ID)
	}
	if len(entries) == 0 {
		return "No context available", nil
	}
	return strings.Join(entries, "\n\n"), ids
}

// buildJudgmentPrompt constructs the value discrimination prompt for the
// unit's scenario. It returns the prompt and the ids of the context units
// embedded in it, oldest first.
func buildJudgmentPrompt(unit *types.ConversationUnit, recent []types.ConversationUnit, window int, useContext bool) (string, []string) {
	var ctx string
	var ctxIDs []string
	if useContext {
		ctx, ctxIDs = contextBlock(recent, window)
	} else {
		ctx = "No context available"
	}

	latest := llm.GetTokenCounter().Truncate(strings.TrimSpace(unit.Text()), unitTokenBudget)

	var header, rules string
	switch unit.Scenario {
	case types.ScenarioAssistant:
		header = "You are a precise value discriminator for a companion/assistant scenario.\n\n" +
			"Determine if the latest conversation unit reveals stable personal traits or preferences worth capturing:"
		rules = `1. Focus on stable, enduring traits (not transient moods or one-time events)
2. Reject casual chit-chat and vague statements
3. Look for repeated patterns or explicit self-descriptions
4. Prefer concrete examples over abstract claims
5. Ensure information is clearly attributable`
	default:
		header = "You are a precise profile value discriminator for a work/group chat scenario.\n\n" +
			"Given the latest conversation unit and recent context, determine if the latest unit contains\n" +
			"new, concrete, and attributable information about user profile fields such as:"
		rules = `1. Reject small talk, vague statements, or non-attributable content
2. Prefer explicit statements (e.g., "I am responsible for X", "I have experience with Y")
3. Look for concrete evidence, not assumptions
4. Consider if the information is stable/lasting vs transient
5. Ensure the information is clearly attributable to a specific user`
	}

	prompt := fmt.Sprintf(`%s

Profile Fields to Consider:
%s

Rules for Judgment:
%s

Context (Previous Units):
%s

Latest Unit to Evaluate:
%s

Respond with strict JSON only (no extra text):
{
  "is_high_value": true/false,
  "confidence": 0.0-1.0,
  "reason": "Brief explanation of your judgment"
}`, header, fieldList(unit.Scenario), rules, ctx, latest)

	return prompt, ctxIDs
}

// existingProfileBlock summarizes the users' current attributes so the
// model updates rather than restates. Users without a stored profile are
// omitted.
func existingProfileBlock(existing map[string]*types.Profile, userIDs []string) string {
	counter := llm.GetTokenCounter()
	var blocks []string
	for _, userID := range userIDs {
		p := existing[userID]
		if p == nil || len(p.Attributes) == 0 {
			continue
		}

		dims := make([]types.Dimension, 0, len(p.Attributes))
		for dim := range p.Attributes {
			dims = append(dims, dim)
		}
		sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

		var b strings.Builder
		fmt.Fprintf(&b, "[Existing Profile: %s]\n", userID)
		for _, dim := range dims {
			av := p.Attributes[dim]
			fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", dim, av.Value, av.Confidence)
		}
		blocks = append(blocks, counter.Truncate(strings.TrimRight(b.String(), "\n"), profileTokenBudget))
	}
	if len(blocks) == 0 {
		return "No existing profiles"
	}
	return strings.Join(blocks, "\n\n")
}

// buildExtractionPrompt constructs the profile extraction prompt covering
// every requested user in a single call.
func buildExtractionPrompt(unit *types.ConversationUnit, existing map[string]*types.Profile, userIDs []string) string {
	var header, rules string
	switch unit.Scenario {
	case types.ScenarioAssistant:
		header = "You are a precise profile extractor for a companion/assistant scenario.\n\n" +
			"From the conversation unit below, extract stable personal traits and preferences for the listed users."
		rules = `1. Extract only stable, enduring information (not transient moods or one-time events)
2. Prefer explicit self-descriptions and repeated patterns over inference
3. When an existing attribute is shown, output that dimension only if the conversation updates or strengthens it
4. Phrase each value as a short, standalone statement
5. Set confidence in [0,1] to reflect the strength of the supporting evidence`
	default:
		header = "You are a precise profile extractor for a work/group chat scenario.\n\n" +
			"From the conversation unit below, extract new or updated work profile attributes for the listed users."
		rules = `1. Extract only information clearly attributable to a specific listed user
2. Prefer explicit statements over inference
3. When an existing attribute is shown, output that dimension only if the conversation updates or strengthens it
4. Phrase each value as a short, standalone statement
5. Set confidence in [0,1] to reflect the strength of the supporting evidence`
	}

	text := llm.GetTokenCounter().Truncate(strings.TrimSpace(unit.Text()), unitTokenBudget)

	return fmt.Sprintf(`%s

Profile Fields to Extract:
%s

Rules for Extraction:
%s

Users to Profile:
%s

Existing Profiles:
%s

Conversation Unit:
%s

Respond with strict JSON only (no extra text):
{
  "profiles": [
    {
      "user_id": "<one of the listed users>",
      "attributes": [
        {"dimension": "<field name>", "value": "<extracted statement>", "confidence": 0.0-1.0}
      ]
    }
  ]
}
Users with nothing new may be omitted.`,
		header, fieldList(unit.Scenario), rules, strings.Join(userIDs, ", "),
		existingProfileBlock(existing, userIDs), text)
}
