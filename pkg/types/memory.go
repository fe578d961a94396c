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

import "time"

// ============================================================================
// Memory records (retrieval corpus)
// ============================================================================

// MemoryType classifies a memory record.
type MemoryType string

const (
	// MemoryEpisode is a narrative summary of a conversation span.
	MemoryEpisode MemoryType = "episode"

	// MemoryEventLog is a single factual event entry.
	MemoryEventLog MemoryType = "event_log"

	// MemoryForesight is a forward-looking inference (plans, intents).
	MemoryForesight MemoryType = "foresight"

	// MemoryProfile is a profile attribute rendered as retrievable text.
	MemoryProfile MemoryType = "profile"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryEpisode, MemoryEventLog, MemoryForesight, MemoryProfile:
		return true
	}
	return false
}

// Scope restricts who a memory record is visible to.
type Scope string

const (
	// ScopePersonal records belong to a single user.
	ScopePersonal Scope = "personal"

	// ScopeGroup records are shared within a group.
	ScopeGroup Scope = "group"
)

// MemoryRecord is one element of the retrieval corpus. Both search
// channels index the same records; the fusion engine merges their views.
type MemoryRecord struct {
	// ID uniquely identifies the record across channels. Fusion merges
	// channel results by this id.
	ID string `json:"id"`

	// Type classifies the record.
	Type MemoryType `json:"type"`

	// UserID is the owning user (personal scope) or the author (group
	// scope).
	UserID string `json:"user_id,omitempty"`

	// GroupID is the owning group for group-scoped records.
	GroupID string `json:"group_id,omitempty"`

	// Scope restricts visibility.
	Scope Scope `json:"scope"`

	// Content is the retrievable text.
	Content string `json:"content"`

	// Timestamp orders the record in time; retrieval uses it for recency
	// tie-breaks and time-range filters.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries free-form annotations (source, conversation id).
	Metadata map[string]string `json:"metadata,omitempty"`
}
