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
	"time"
)

// MaxEvidence caps the provenance list kept per attribute. Appends beyond
// the cap evict the oldest entry.
const MaxEvidence = 20

// ============================================================================
// Profiles
// ============================================================================

// AttributeValue is the live value of one profile dimension.
type AttributeValue struct {
	// Value is the current attribute text, e.g. "Go, SQL, distributed systems".
	Value string `json:"value"`

	// Confidence is the extraction confidence that installed Value, in [0,1].
	Confidence float64 `json:"confidence"`

	// UpdatedAt is when Value last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Evidence lists ids of units supporting the value, oldest first,
	// deduplicated, capped at MaxEvidence.
	Evidence []string `json:"evidence,omitempty"`
}

// Clone returns a deep copy.
func (a *AttributeValue) Clone() *AttributeValue {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Evidence = append([]string(nil), a.Evidence...)
	return &cp
}

// HasEvidence reports whether unitID is already recorded as evidence.
func (a *AttributeValue) HasEvidence(unitID string) bool {
	for _, id := range a.Evidence {
		if id == unitID {
			return true
		}
	}
	return false
}

// Profile is a user's long-term profile: at most one live AttributeValue
// per dimension of the profile's scenario. Version increments on every
// observable change and never regresses.
type Profile struct {
	// UserID identifies the profiled user.
	UserID string `json:"user_id"`

	// Scenario fixes the dimension vocabulary. A profile never changes
	// scenario; units from the other scenario are rejected.
	Scenario Scenario `json:"scenario"`

	// Attributes holds the live value per dimension.
	Attributes map[Dimension]*AttributeValue `json:"attributes"`

	// Version is the monotonic change sequence. A fresh profile starts
	// at 0 and the first merge produces version 1.
	Version int64 `json:"version"`

	// CreatedAt is when the profile was first materialized.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the profile last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProfile returns an empty version-0 profile for the user and scenario.
func NewProfile(userID string, scenario Scenario, now time.Time) *Profile {
	return &Profile{
		UserID:     userID,
		Scenario:   scenario,
		Attributes: make(map[Dimension]*AttributeValue),
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy. Stores clone on the way in and out so callers
// can never alias stored state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Attributes = make(map[Dimension]*AttributeValue, len(p.Attributes))
	for dim, av := range p.Attributes {
		cp.Attributes[dim] = av.Clone()
	}
	return &cp
}

// ============================================================================
// Deltas and versions
// ============================================================================

// DeltaValue is one extracted attribute candidate.
type DeltaValue struct {
	// Value is the extracted attribute text.
	Value string `json:"value"`

	// Confidence is the extraction confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// ProfileDelta is the extractor's output for one user and one unit: the
// dimensions worth updating with their candidate values.
type ProfileDelta struct {
	// UserID is the user the delta applies to.
	UserID string `json:"user_id"`

	// Scenario is the vocabulary the dimensions belong to.
	Scenario Scenario `json:"scenario"`

	// Attributes maps dimension to candidate value. May be empty, which
	// merges as a no-op.
	Attributes map[Dimension]DeltaValue `json:"attributes"`

	// UnitID is the conversation unit the delta was extracted from.
	UnitID string `json:"unit_id"`
}

// Empty reports whether the delta carries no attributes.
func (d *ProfileDelta) Empty() bool {
	return d == nil || len(d.Attributes) == 0
}

// ProfileVersion is one append-only history record: the delta that was
// applied and the full profile snapshot after applying it.
type ProfileVersion struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// UserID is the profiled user.
	UserID string `json:"user_id"`

	// Version is the profile version this record produced.
	Version int64 `json:"version"`

	// Delta is the change that was applied.
	Delta *ProfileDelta `json:"delta"`

	// UnitID is the triggering conversation unit.
	UnitID string `json:"unit_id"`

	// Snapshot is the complete post-merge profile.
	Snapshot *Profile `json:"snapshot"`

	// CreatedAt is when the merge happened.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (v *ProfileVersion) Clone() *ProfileVersion {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Snapshot = v.Snapshot.Clone()
	if v.Delta != nil {
		d := *v.Delta
		d.Attributes = make(map[Dimension]DeltaValue, len(v.Delta.Attributes))
		for dim, dv := range v.Delta.Attributes {
			d.Attributes[dim] = dv
		}
		cp.Delta = &d
	}
	return &cp
}
