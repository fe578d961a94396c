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
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// MergeOutcome is the result of applying one delta to a profile.
type MergeOutcome struct {
	// Profile is the post-merge profile. Never aliases the input.
	Profile *types.Profile

	// Version is the history record for this merge, nil when nothing
	// changed.
	Version *types.ProfileVersion

	// Changed reports whether the merge moved any observable state.
	Changed bool
}

// Merge applies delta to existing under the confidence policy and returns
// the outcome. No I/O and no clock reads; the inputs are never mutated.
// Callers guarantee existing and delta share a scenario.
//
// Per dimension in the delta:
//   - absent from the profile: insert the value with the unit as evidence.
//   - strictly higher confidence: replace value and confidence, refresh the
//     timestamp, append the unit as evidence.
//   - equal or lower confidence: keep the stored value and append the unit
//     as corroborating evidence. Ties keep the existing value.
//
// Evidence appends deduplicate by unit id and cap at types.MaxEvidence,
// evicting the oldest entries. If no value, confidence, timestamp, or
// evidence moved, the merge is a no-op: the version stays put and no
// history record is produced, so re-merging the same delta is idempotent.
// Otherwise the version increments by exactly one. The higher-confidence
// value wins regardless of arrival order, so merges converge.
func Merge(existing *types.Profile, delta *types.ProfileDelta, now time.Time) *MergeOutcome {
	var merged *types.Profile
	if existing == nil {
		userID, scenario := "", types.Scenario("")
		if delta != nil {
			userID, scenario = delta.UserID, delta.Scenario
		}
		merged = types.NewProfile(userID, scenario, now)
	} else {
		merged = existing.Clone()
	}

	if delta.Empty() {
		return &MergeOutcome{Profile: merged}
	}

	dims := make([]types.Dimension, 0, len(delta.Attributes))
	for dim := range delta.Attributes {
		dims = append(dims, dim)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

	changed := false
	for _, dim := range dims {
		dv := delta.Attributes[dim]
		stored, ok := merged.Attributes[dim]
		switch {
		case !ok:
			av := &types.AttributeValue{
				Value:      dv.Value,
				Confidence: dv.Confidence,
				UpdatedAt:  now,
			}
			appendEvidence(av, delta.UnitID)
			merged.Attributes[dim] = av
			changed = true

		case dv.Confidence > stored.Confidence:
			stored.Value = dv.Value
			stored.Confidence = dv.Confidence
			stored.UpdatedAt = now
			appendEvidence(stored, delta.UnitID)
			changed = true

		default:
			if appendEvidence(stored, delta.UnitID) {
				changed = true
			}
		}
	}

	if !changed {
		return &MergeOutcome{Profile: merged}
	}

	merged.Version++
	merged.UpdatedAt = now

	deltaCopy := *delta
	deltaCopy.Attributes = make(map[types.Dimension]types.DeltaValue, len(delta.Attributes))
	for dim, dv := range delta.Attributes {
		deltaCopy.Attributes[dim] = dv
	}

	record := &types.ProfileVersion{
		ID:        uuid.NewString(),
		UserID:    merged.UserID,
		Version:   merged.Version,
		Delta:     &deltaCopy,
		UnitID:    delta.UnitID,
		Snapshot:  merged.Clone(),
		CreatedAt: now,
	}

	return &MergeOutcome{Profile: merged, Version: record, Changed: true}
}

// appendEvidence records unitID on the attribute unless already present,
// evicting the oldest entries beyond types.MaxEvidence. Reports whether
// the evidence list changed.
func appendEvidence(av *types.AttributeValue, unitID string) bool {
	if unitID == "" || av.HasEvidence(unitID) {
		return false
	}
	av.Evidence = append(av.Evidence, unitID)
	if len(av.Evidence) > types.MaxEvidence {
		av.Evidence = av.Evidence[len(av.Evidence)-types.MaxEvidence:]
	}
	return true
}
