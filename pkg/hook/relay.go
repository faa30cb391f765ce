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

package hook

import (
	"fmt"
	"io"

	"github.com/hostedgit/gitcore/pkg/analysis"
)

var spinner = []rune{'|', '/', '-', '\\'}

// relay renders analysis events as terminal progress lines. In-progress
// events overwrite the current line, terminal events end it.
type relay struct {
	w    io.Writer
	spin int
	// step of the line currently being overwritten, if any.
	open string
	// done is set once a final line was written.
	done bool
}

func newRelay(w io.Writer) *relay {
	return &relay{w: w}
}

func (r *relay) event(ev analysis.Event) {
	if ev.IsZero() {
		return
	}
	step := ev.Step
	if step == "" {
		step = "Analysis"
	}
	if r.open != "" && r.open != step {
		fmt.Fprint(r.w, "\n")
		r.open = ""
	}

	if ev.Terminal() {
		fmt.Fprintf(r.w, "\r%s: %s\n", step, ev.Status)
		r.open = ""
		r.done = true
		return
	}

	if percent, ok := ev.Percent(); ok {
		fmt.Fprintf(r.w, "\r%s: %.0f%%", step, percent)
	} else {
		fmt.Fprintf(r.w, "\r%s %c", step, spinner[r.spin%len(spinner)])
		r.spin++
	}
	r.open = step
	r.done = false
}

// fail ends the relay with a final error line.
func (r *relay) fail() {
	if r.open != "" {
		fmt.Fprint(r.w, "\n")
		r.open = ""
	}
	fmt.Fprintf(r.w, "Analysis: %s\n", analysis.StatusError)
	r.done = true
}
