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
	"sync"
	"time"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// fakeProvider implements llm.Provider for tests. It routes by prompt
// kind: discrimination prompts pop from judgments, extraction prompts pop
// from extractions. The last queue entry repeats once a queue drains, so a
// single canned response serves any number of calls.
type fakeProvider struct {
	mu sync.Mutex

	judgments   []string
	extractions []string

	// judgeErr fails every discrimination call; extractFailures fails
	// that many extraction calls before extractions resume; extractErr
	// fails every extraction call. failUserSubstring fails any extraction
	// call whose prompt mentions that substring, deterministically under
	// concurrency.
	judgeErr          error
	extractErr        error
	extractFailures   int
	failUserSubstring string

	judgeCalls        int
	extractCalls      int
	lastJudgePrompt   string
	lastExtractPrompt string
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(req.Prompt, "value discriminator"):
		f.judgeCalls++
		f.lastJudgePrompt = req.Prompt
		if f.judgeErr != nil {
			return nil, f.judgeErr
		}
		return &llm.Response{Content: pop(&f.judgments), StopReason: "end_turn"}, nil

	case strings.Contains(req.Prompt, "profile extractor"):
		f.extractCalls++
		f.lastExtractPrompt = req.Prompt
		if f.extractErr != nil {
			return nil, f.extractErr
		}
		if f.extractFailures > 0 {
			f.extractFailures--
			return nil, fmt.Errorf("backend unavailable")
		}
		if f.failUserSubstring != "" && strings.Contains(req.Prompt, f.failUserSubstring) {
			return nil, fmt.Errorf("backend unavailable")
		}
		return &llm.Response{Content: pop(&f.extractions), StopReason: "end_turn"}, nil
	}

	return nil, fmt.Errorf("unexpected prompt kind: %.60s", req.Prompt)
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model-v1" }

func (f *fakeProvider) counts() (judge, extract int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.judgeCalls, f.extractCalls
}

func (f *fakeProvider) judgePrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastJudgePrompt
}

func (f *fakeProvider) extractPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastExtractPrompt
}

// pop removes and returns the queue head, keeping the last entry in place.
func pop(queue *[]string) string {
	q := *queue
	if len(q) == 0 {
		return ""
	}
	head := q[0]
	if len(q) > 1 {
		*queue = q[1:]
	}
	return head
}

func judgmentJSON(high bool, confidence float64, reason string) string {
	return fmt.Sprintf(`{"is_high_value": %t, "confidence": %g, "reason": %q}`,
		high, confidence, reason)
}

// extractionJSON builds a one-user, one-attribute extraction payload.
func extractionJSON(userID string, dim types.Dimension, value string, confidence float64) string {
	return fmt.Sprintf(`{"profiles": [{"user_id": %q, "attributes": [{"dimension": %q, "value": %q, "confidence": %g}]}]}`,
		userID, dim, value, confidence)
}

const emptyExtractionJSON = `{"profiles": []}`

func testUnit(id, conversationID string, scenario types.Scenario, userIDs []string, text string) types.ConversationUnit {
	speaker := "narrator"
	if len(userIDs) > 0 {
		speaker = userIDs[0]
	}
	return types.ConversationUnit{
		ID:             id,
		ConversationID: conversationID,
		Scenario:       scenario,
		UserIDs:        userIDs,
		Turns:          []types.Turn{{Speaker: speaker, Content: text}},
		Timestamp:      time.Now().UTC(),
	}
}
