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
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RefCommand is one reference change received in a push. It is one of
// CreateRef, UpdateRef, NonFastForwardUpdate or DeleteRef.
type RefCommand interface {
	RefName() plumbing.ReferenceName
	// OldHash is the value the reference must hold before the change.
	OldHash() plumbing.Hash
	// NewHash is the value of the reference after the change; zero for a
	// deletion.
	NewHash() plumbing.Hash

	isRefCommand()
}

// CreateRef creates a reference that does not exist yet.
type CreateRef struct {
	Name plumbing.ReferenceName
	New  plumbing.Hash
}

// UpdateRef fast-forwards an existing reference.
type UpdateRef struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash
	New  plumbing.Hash
}

// NonFastForwardUpdate moves an existing reference to a commit that does not
// descend from its current value.
type NonFastForwardUpdate struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash
	New  plumbing.Hash
}

// DeleteRef removes an existing reference.
type DeleteRef struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash
}

func (c CreateRef) RefName() plumbing.ReferenceName { return c.Name }
func (c CreateRef) OldHash() plumbing.Hash          { return plumbing.ZeroHash }
func (c CreateRef) NewHash() plumbing.Hash          { return c.New }
func (CreateRef) isRefCommand()                     {}

func (c UpdateRef) RefName() plumbing.ReferenceName { return c.Name }
func (c UpdateRef) OldHash() plumbing.Hash          { return c.Old }
func (c UpdateRef) NewHash() plumbing.Hash          { return c.New }
func (UpdateRef) isRefCommand()                     {}

func (c NonFastForwardUpdate) RefName() plumbing.ReferenceName { return c.Name }
func (c NonFastForwardUpdate) OldHash() plumbing.Hash          { return c.Old }
func (c NonFastForwardUpdate) NewHash() plumbing.Hash          { return c.New }
func (NonFastForwardUpdate) isRefCommand()                     {}

func (c DeleteRef) RefName() plumbing.ReferenceName { return c.Name }
func (c DeleteRef) OldHash() plumbing.Hash          { return c.Old }
func (c DeleteRef) NewHash() plumbing.Hash          { return plumbing.ZeroHash }
func (DeleteRef) isRefCommand()                     {}

// ClassifyCommand turns a raw old/new pair for name into a RefCommand. The
// objects named by newHash must already be stored.
func (r *Repo) ClassifyCommand(name plumbing.ReferenceName, oldHash, newHash plumbing.Hash) (RefCommand, error) {
	switch {
	case oldHash.IsZero() && newHash.IsZero():
		return nil, fmt.Errorf("%s: both old and new values are zero", name)
	case oldHash.IsZero():
		return CreateRef{Name: name, New: newHash}, nil
	case newHash.IsZero():
		return DeleteRef{Name: name, Old: oldHash}, nil
	}

	ff, err := r.isFastForward(oldHash, newHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if ff {
		return UpdateRef{Name: name, Old: oldHash, New: newHash}, nil
	}
	return NonFastForwardUpdate{Name: name, Old: oldHash, New: newHash}, nil
}

// isFastForward reports whether newHash descends from oldHash. Non-commit
// objects never fast-forward.
func (r *Repo) isFastForward(oldHash, newHash plumbing.Hash) (bool, error) {
	oldCommit, err := r.getCommit(oldHash)
	if err == plumbing.ErrObjectNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	newCommit, err := object.GetCommit(r.repo.Storer, newHash)
	if err == plumbing.ErrObjectNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return oldCommit.IsAncestor(newCommit)
}

// ApplyCommand performs cmd as a compare-and-swap on its reference.
func (r *Repo) ApplyCommand(ctx context.Context, cmd RefCommand) (RefUpdateResult, error) {
	return r.UpdateRef(ctx, cmd.RefName(), cmd.OldHash(), cmd.NewHash())
}

// RevertCommand undoes a previously applied cmd, provided the reference was
// not moved since.
func (r *Repo) RevertCommand(ctx context.Context, cmd RefCommand) (RefUpdateResult, error) {
	return r.UpdateRef(ctx, cmd.RefName(), cmd.NewHash(), cmd.OldHash())
}
