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
package retrieval

import (
	"fmt"
	"strings"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
)

// Token budget per memory shown to the judge. Oversized contents are cut,
// not rejected.
const memoryTokenBudget = 512

// formatMemories renders up to maxDocs items as numbered memory blocks
// for embedding in the sufficiency and refinement prompts.
func formatMemories(items []FusedItem, maxDocs int) string {
	if maxDocs > 0 && len(items) > maxDocs {
		items = items[:maxDocs]
	}
	if len(items) == 0 {
		return "No retrieval results"
	}

	counter := llm.GetTokenCounter()
	blocks := make([]string, 0, len(items))
	for i, it := range items {
		content := counter.Truncate(strings.TrimSpace(it.Record.Content), memoryTokenBudget)
		blocks = append(blocks, fmt.Sprintf("[Memory %d]\nTime: %s\nContent: %s\nRelevance score: %.4f",
			i+1, it.Record.Timestamp.UTC().Format("2006-01-02 15:04:05"), content, it.Score))
	}
	return strings.Join(blocks, "\n\n")
}

// buildSufficiencyPrompt constructs the retrieval sufficiency judgment.
func buildSufficiencyPrompt(query string, items []FusedItem, maxDocs int) string {
	return fmt.Sprintf(`You are a memory retrieval evaluation expert. Assess whether the currently retrieved memories are sufficient to answer the user's query.

User query:
%s

Retrieved memories:
%s

Determine whether these memories are sufficient to answer the user's query.

Respond with strict JSON only (no extra text):
{
  "is_sufficient": true/false,
  "reasoning": "Your reasoning for the judgment",
  "refined_queries": ["Improved query 1", "Improved query 2"],
  "missing_information": ["Missing information 1"]
}

Requirements:
1. If the memories contain the key information needed to answer the query, judge sufficient (true)
2. If key information is missing, judge insufficient (false) and propose 2-3 refined queries targeting it
3. reasoning should be concise and clear
4. refined_queries and missing_information stay empty when sufficient`, query, formatMemories(items, maxDocs))
}

// buildRefinementPrompt constructs the fallback multi-query generation
// call, used when an insufficient verdict arrives without usable refined
// queries.
func buildRefinementPrompt(query string, items []FusedItem, maxDocs int, missing []string) string {
	missingBlock := "Not specified"
	if len(missing) > 0 {
		missingBlock = "- " + strings.Join(missing, "\n- ")
	}

	return fmt.Sprintf(`You are a query optimization expert. The user's original query failed to retrieve sufficient information; generate multiple complementary improved queries.

Original query:
%s

Currently retrieved memories:
%s

Missing information:
%s

Generate 2-3 complementary queries to help find the missing information. The queries should:
1. Focus on different missing information points
2. Use different expressions
3. Avoid being identical to the original query
4. Remain concise and clear

Respond with strict JSON only (no extra text):
{
  "queries": ["Improved query 1", "Improved query 2", "Improved query 3"],
  "reasoning": "Explanation of the query generation strategy"
}`, query, formatMemories(items, maxDocs), missingBlock)
}
