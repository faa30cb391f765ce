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

package git

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	MainBranch BranchName = "main"

	DefaultMainReferenceName plumbing.ReferenceName = "refs/heads/main"

	branchPrefix = "refs/heads/"
)

// BranchName represents a relative branch name (i.e. 'main', 'feature-x')
// and supports transformation to the ReferenceName in the repository
// (those references are in the form 'refs/heads/...').
type BranchName string

func (b BranchName) RefName() plumbing.ReferenceName {
	return plumbing.ReferenceName(branchPrefix + string(b))
}

func (b BranchName) IsMain() bool {
	return b == MainBranch
}

// ParseBranchName accepts either a short branch name or a full
// refs/heads/ reference name.
func ParseBranchName(s string) BranchName {
	if b, ok := trimOptionalPrefix(s, branchPrefix); ok {
		return BranchName(b)
	}
	return BranchName(s)
}

// BranchNameFromRef returns the branch for a refs/heads/ reference; false for
// any other reference (tags, notes, ...).
func BranchNameFromRef(n plumbing.ReferenceName) (BranchName, bool) {
	b, ok := trimOptionalPrefix(n.String(), branchPrefix)
	if !ok || b == "" {
		return "", false
	}
	return BranchName(b), true
}

func trimOptionalPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return "", false
}
