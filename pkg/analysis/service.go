// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analysis talks to the external code analysis service that builds
// a code graph for a feature after each push.
package analysis

import (
	"context"
)

// Status is the state reported by an analysis step.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Event is one progress report of a running analysis.
type Event struct {
	Step   string `json:"step"`
	Status Status `json:"status"`
	// Progress is the completed fraction of the step, or nil when the step
	// cannot estimate it. Terminal events may report 100.
	Progress *float64 `json:"progress"`
}

// Percent returns the progress as a percentage. Values above 1 are
// already percentages.
func (e Event) Percent() (float64, bool) {
	if e.Progress == nil {
		return 0, false
	}
	p := *e.Progress
	if p <= 1 {
		p *= 100
	}
	return p, true
}

// IsZero reports whether the event carries no information.
func (e Event) IsZero() bool {
	return e.Step == "" && e.Status == "" && e.Progress == nil
}

// Terminal reports whether the event ends its step.
func (e Event) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}

// Service starts and deletes analyses keyed by feature id.
type Service interface {
	// Start begins an analysis of the feature and returns its progress
	// events. The analysis is not cancelled when ctx is.
	Start(ctx context.Context, featureID int64) (Stream, error)
	// Delete removes all analysis data of the feature.
	Delete(ctx context.Context, featureID int64) error
}

// Stream yields the events of one analysis run.
type Stream interface {
	// Next returns the next event, or io.EOF once the run has ended.
	Next() (Event, error)
	Close() error
}
