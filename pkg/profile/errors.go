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

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// DiscriminationError reports a failed value judgment call. Callers treat
// the affected unit as low-value and continue; the error is informational.
type DiscriminationError struct {
	UnitID string
	Err    error
}

func (e *DiscriminationError) Error() string {
	return fmt.Sprintf("value discrimination failed for unit %s: %v", e.UnitID, e.Err)
}

func (e *DiscriminationError) Unwrap() error { return e.Err }

// ExtractionError reports a failed profile extraction call. Extraction is
// retryable: the manager re-attempts up to its configured retry budget.
type ExtractionError struct {
	UnitID string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("profile extraction failed for unit %s: %v", e.UnitID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ScenarioMismatchError reports that a stored profile belongs to a different
// scenario than the conversation unit being processed. The mismatch is fatal
// for that user and the stored profile is left untouched.
type ScenarioMismatchError struct {
	UserID       string
	ProfileScope types.Scenario
	UnitScope    types.Scenario
}

func (e *ScenarioMismatchError) Error() string {
	return fmt.Sprintf("scenario mismatch for user %s: profile is %q, unit is %q",
		e.UserID, e.ProfileScope, e.UnitScope)
}
