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
package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	tests := []struct {
		input   string
		want    Scenario
		wantErr bool
	}{
		{"group_chat", ScenarioGroupChat, false},
		{"assistant", ScenarioAssistant, false},
		{"", "", true},
		{"groupchat", "", true},
		{"Assistant", "", true},
	}

	for _, tt := range tests {
		got, err := ParseScenario(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestScenario_VocabulariesAreDisjoint(t *testing.T) {
	group := ScenarioGroupChat.Dimensions()
	assistant := ScenarioAssistant.Dimensions()
	require.NotEmpty(t, group)
	require.NotEmpty(t, assistant)

	seen := make(map[Dimension]bool, len(group))
	for _, d := range group {
		seen[d] = true
	}
	for _, d := range assistant {
		assert.False(t, seen[d], "dimension %q appears in both scenarios", d)
	}
}

func TestScenario_Allows(t *testing.T) {
	assert.True(t, ScenarioGroupChat.Allows(DimHardSkills))
	assert.False(t, ScenarioGroupChat.Allows(DimPersonality))
	assert.True(t, ScenarioAssistant.Allows(DimPersonality))
	assert.False(t, ScenarioAssistant.Allows(DimHardSkills))
	assert.False(t, Scenario("bogus").Allows(DimHardSkills))
}

func TestConversationUnit_Text(t *testing.T) {
	unit := ConversationUnit{
		Turns: []Turn{
			{Speaker: "alice", Content: "I own the payments service"},
			{Speaker: "bob", Content: "nice, I can review the Go parts"},
		},
	}
	text := unit.Text()
	assert.Equal(t, "alice: I own the payments service\nbob: nice, I can review the Go parts\n", text)
}

func TestProfile_CloneIsDeep(t *testing.T) {
	now := time.Now()
	p := NewProfile("u1", ScenarioGroupChat, now)
	p.Attributes[DimHardSkills] = &AttributeValue{
		Value:      "Go",
		Confidence: 0.8,
		UpdatedAt:  now,
		Evidence:   []string{"unit-1"},
	}
	p.Version = 1

	cp := p.Clone()
	cp.Attributes[DimHardSkills].Value = "Rust"
	cp.Attributes[DimHardSkills].Evidence[0] = "unit-x"
	cp.Attributes[DimSoftSkills] = &AttributeValue{Value: "mentoring"}

	assert.Equal(t, "Go", p.Attributes[DimHardSkills].Value)
	assert.Equal(t, []string{"unit-1"}, p.Attributes[DimHardSkills].Evidence)
	assert.NotContains(t, p.Attributes, DimSoftSkills)
}

func TestAttributeValue_HasEvidence(t *testing.T) {
	av := &AttributeValue{Evidence: []string{"a", "b"}}
	assert.True(t, av.HasEvidence("a"))
	assert.False(t, av.HasEvidence("c"))
}
