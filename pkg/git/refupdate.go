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
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
)

// RefUpdateResult is the outcome of a compare-and-swap on a reference.
type RefUpdateResult int

const (
	// RefUpdateAccepted means the reference now points to the target.
	RefUpdateAccepted RefUpdateResult = iota
	// RefUpdateRejected means the reference did not hold the expected value.
	RefUpdateRejected
	// RefUpdateLockFailure means the reference could not be locked or written.
	RefUpdateLockFailure
)

func (r RefUpdateResult) String() string {
	switch r {
	case RefUpdateAccepted:
		return "accepted"
	case RefUpdateRejected:
		return "rejected"
	case RefUpdateLockFailure:
		return "lock failure"
	default:
		return fmt.Sprintf("RefUpdateResult(%d)", int(r))
	}
}

// UpdateRef moves name from expected to target. A zero expected hash
// requires the reference not to exist yet; a zero target deletes it. Any
// result other than RefUpdateAccepted comes with an error, of kind
// ConcurrencyConflict for RefUpdateRejected and LockFailure otherwise.
//
// The reference's lock file is held from the read to the write, so a
// concurrent update of the same reference fails with RefUpdateLockFailure
// instead of being overwritten.
func (r *Repo) UpdateRef(ctx context.Context, name plumbing.ReferenceName, expected, target plumbing.Hash) (RefUpdateResult, error) {
	const op errors.Op = "git.updateref"
	_, span := tracer.Start(ctx, "Repo::UpdateRef")
	defer span.End()

	if expected.IsZero() && target.IsZero() {
		return RefUpdateRejected, errors.E(op, errors.InvalidParam, fmt.Errorf("%s: both old and new values are zero", name))
	}

	lock, err := r.lockRef(name)
	if err != nil {
		return RefUpdateLockFailure, errors.E(op, errors.LockFailure, err)
	}
	defer func() {
		if err := lock.unlock(); err != nil {
			klog.Warningf("cannot release lock of %s in %s: %v", name, r.dir, err)
		}
	}()

	store := r.repo.Storer
	current, err := store.Reference(name)
	switch {
	case err == plumbing.ErrReferenceNotFound:
		current = nil
	case err != nil:
		return RefUpdateLockFailure, errors.E(op, errors.LockFailure, fmt.Errorf("cannot read %s: %w", name, err))
	}

	if expected.IsZero() {
		if current != nil {
			return RefUpdateRejected, errors.E(op, errors.ConcurrencyConflict, fmt.Errorf("%s already exists at %s", name, current.Hash()))
		}
	} else if current == nil || current.Hash() != expected {
		return RefUpdateRejected, errors.E(op, errors.ConcurrencyConflict, fmt.Errorf("%s is not at %s", name, expected))
	}

	if target.IsZero() {
		if err := store.RemoveReference(name); err != nil {
			return RefUpdateLockFailure, errors.E(op, errors.LockFailure, fmt.Errorf("cannot delete %s: %w", name, err))
		}
		return RefUpdateAccepted, nil
	}

	var old *plumbing.Reference
	if !expected.IsZero() {
		old = plumbing.NewHashReference(name, expected)
	}
	switch err := store.CheckAndSetReference(plumbing.NewHashReference(name, target), old); {
	case err == nil:
		return RefUpdateAccepted, nil
	case err == storage.ErrReferenceHasChanged:
		return RefUpdateRejected, errors.E(op, errors.ConcurrencyConflict, fmt.Errorf("%s moved from %s: %w", name, expected, err))
	default:
		return RefUpdateLockFailure, errors.E(op, errors.LockFailure, fmt.Errorf("cannot update %s: %w", name, err))
	}
}

// DeleteBranch removes branch. The main branch cannot be deleted.
func (r *Repo) DeleteBranch(ctx context.Context, branch BranchName) error {
	const op errors.Op = "git.deletebranch"

	if branch.IsMain() {
		return errors.E(op, errors.InvalidParam, fmt.Errorf("branch %q cannot be deleted", branch))
	}
	tip, err := r.BranchTip(ctx, branch)
	if err != nil {
		return errors.E(op, err)
	}
	if _, err := r.UpdateRef(ctx, branch.RefName(), tip, plumbing.ZeroHash); err != nil {
		return errors.E(op, err)
	}
	return nil
}
