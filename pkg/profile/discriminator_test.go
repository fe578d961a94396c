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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

func TestValueDiscriminator_AcceptsHighValueVerdict(t *testing.T) {
	fake := &fakeProvider{judgments: []string{
		judgmentJSON(true, 0.92, "explicit responsibility statement"),
	}}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	unit := testUnit("unit-3", "conv-1", types.ScenarioGroupChat, []string{"u1"},
		"I am responsible for the payments service")
	recent := []types.ConversationUnit{
		testUnit("unit-0", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "morning"),
		testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "standup at ten"),
		testUnit("unit-2", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "deploy went out"),
	}

	judgment, err := d.Judge(context.Background(), &unit, recent)
	require.NoError(t, err)

	assert.True(t, judgment.IsHighValue)
	assert.Equal(t, 0.92, judgment.Confidence)
	assert.Equal(t, "explicit responsibility statement", judgment.Reason)
	assert.Equal(t, []string{"unit-1", "unit-2"}, judgment.ContextUnitIDs,
		"only the last ContextWindow units feed the prompt, oldest first")

	prompt := fake.judgePrompt()
	assert.Contains(t, prompt, "[Context 1]")
	assert.Contains(t, prompt, "[Context 2]")
	assert.Contains(t, prompt, "I am responsible for the payments service")
}

func TestValueDiscriminator_ConfidenceBoundary(t *testing.T) {
	tests := []struct {
		confidence float64
		want       bool
	}{
		{0.59, false},
		{0.60, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("confidence_%.2f", tt.confidence), func(t *testing.T) {
			fake := &fakeProvider{judgments: []string{
				judgmentJSON(true, tt.confidence, "borderline"),
			}}
			d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
			require.NoError(t, err)

			unit := testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "text")
			judgment, err := d.Judge(context.Background(), &unit, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.want, judgment.IsHighValue)
			assert.Equal(t, tt.confidence, judgment.Confidence,
				"gating must preserve the model's confidence")
			assert.Equal(t, "borderline", judgment.Reason,
				"gating must preserve the model's rationale")
		})
	}
}

func TestValueDiscriminator_NegativeVerdictPassesThrough(t *testing.T) {
	fake := &fakeProvider{judgments: []string{
		judgmentJSON(false, 0.95, "small talk"),
	}}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	unit := testUnit("unit-1", "conv-1", types.ScenarioAssistant, []string{"u1"}, "hi there")
	judgment, err := d.Judge(context.Background(), &unit, nil)
	require.NoError(t, err)

	assert.False(t, judgment.IsHighValue)
	assert.Equal(t, 0.95, judgment.Confidence)
	assert.Equal(t, "small talk", judgment.Reason)
}

func TestValueDiscriminator_CallFailure(t *testing.T) {
	fake := &fakeProvider{judgeErr: errors.New("rate limited")}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	unit := testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "text")
	_, err = d.Judge(context.Background(), &unit, nil)

	var derr *DiscriminationError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "unit-1", derr.UnitID)
	assert.ErrorContains(t, err, "rate limited")
}

func TestValueDiscriminator_MalformedVerdict(t *testing.T) {
	fake := &fakeProvider{judgments: []string{"I cannot answer that."}}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	unit := testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "text")
	_, err = d.Judge(context.Background(), &unit, nil)

	var derr *DiscriminationError
	require.ErrorAs(t, err, &derr)
}

func TestValueDiscriminator_ContextDisabled(t *testing.T) {
	fake := &fakeProvider{judgments: []string{judgmentJSON(true, 0.9, "ok")}}
	cfg := DefaultDiscriminatorConfig()
	cfg.UseContext = false
	d, err := NewValueDiscriminator(fake, cfg)
	require.NoError(t, err)

	unit := testUnit("unit-2", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "text")
	recent := []types.ConversationUnit{
		testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "earlier"),
	}

	judgment, err := d.Judge(context.Background(), &unit, recent)
	require.NoError(t, err)

	assert.Empty(t, judgment.ContextUnitIDs)
	assert.Contains(t, fake.judgePrompt(), "No context available")
	assert.NotContains(t, fake.judgePrompt(), "earlier")
}

func TestValueDiscriminator_UnknownScenario(t *testing.T) {
	fake := &fakeProvider{judgments: []string{judgmentJSON(true, 0.9, "ok")}}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	unit := testUnit("unit-1", "conv-1", types.Scenario("podcast"), []string{"u1"}, "text")
	_, err = d.Judge(context.Background(), &unit, nil)

	var derr *DiscriminationError
	require.ErrorAs(t, err, &derr)
	judges, _ := fake.counts()
	assert.Zero(t, judges, "no call should be made for an unknown scenario")
}

func TestValueDiscriminator_ScenarioPromptSelection(t *testing.T) {
	fake := &fakeProvider{judgments: []string{judgmentJSON(true, 0.9, "ok")}}
	d, err := NewValueDiscriminator(fake, DefaultDiscriminatorConfig())
	require.NoError(t, err)

	group := testUnit("unit-1", "conv-1", types.ScenarioGroupChat, []string{"u1"}, "text")
	_, err = d.Judge(context.Background(), &group, nil)
	require.NoError(t, err)
	assert.Contains(t, fake.judgePrompt(), "work/group chat scenario")
	assert.Contains(t, fake.judgePrompt(), string(types.DimProjectsParticipated))
	assert.NotContains(t, fake.judgePrompt(), string(types.DimValueSystem))

	companion := testUnit("unit-2", "conv-2", types.ScenarioAssistant, []string{"u1"}, "text")
	_, err = d.Judge(context.Background(), &companion, nil)
	require.NoError(t, err)
	assert.Contains(t, fake.judgePrompt(), "companion/assistant scenario")
	assert.Contains(t, fake.judgePrompt(), string(types.DimValueSystem))
	assert.NotContains(t, fake.judgePrompt(), string(types.DimProjectsParticipated))
}
