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
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
)

const (
	systemSignatureName  = "gitcore"
	systemSignatureEmail = "gitcore@localhost"
)

func systemSignature(when time.Time) object.Signature {
	return object.Signature{
		Name:  systemSignatureName,
		Email: systemSignatureEmail,
		When:  when,
	}
}

type commitOptions struct {
	author *object.Signature
	now    func() time.Time
}

// CommitOption customizes a commit created by Commit or CommitOnto.
type CommitOption func(*commitOptions)

// WithAuthor records name and email as the commit author. The committer is
// always the system identity.
func WithAuthor(name, email string) CommitOption {
	return func(o *commitOptions) {
		o.author = &object.Signature{Name: name, Email: email}
	}
}

func withClock(now func() time.Time) CommitOption {
	return func(o *commitOptions) {
		o.now = now
	}
}

// Commit records tree as a new commit on top of the current tip of branch.
// The branch ref is moved with a compare-and-swap against the tip resolved
// here; if the branch moved in between, the commit is not retried and an
// error of kind ConcurrencyConflict is returned. A concurrent update
// holding the branch's lock yields LockFailure, also without retry.
func (r *Repo) Commit(ctx context.Context, branch BranchName, tree plumbing.Hash, message string, opts ...CommitOption) (plumbing.Hash, error) {
	const op errors.Op = "git.commit"

	if err := r.checkCommittable(); err != nil {
		return plumbing.ZeroHash, errors.E(op, err)
	}

	tip, err := r.BranchTip(ctx, branch)
	if err != nil {
		return plumbing.ZeroHash, errors.E(op, err)
	}
	return r.CommitOnto(ctx, branch, tip, tree, message, opts...)
}

// CommitOnto is Commit with the expected branch tip supplied by the caller,
// typically the tip a patch was computed against.
func (r *Repo) CommitOnto(ctx context.Context, branch BranchName, expectedTip, tree plumbing.Hash, message string, opts ...CommitOption) (plumbing.Hash, error) {
	const op errors.Op = "git.commit"
	ctx, span := tracer.Start(ctx, "Repo::CommitOnto", trace.WithAttributes(
		attribute.String("branch", string(branch)),
		attribute.String("tip", expectedTip.String()),
	))
	defer span.End()

	// Fail before any object is written.
	if err := r.checkCommittable(); err != nil {
		return plumbing.ZeroHash, errors.E(op, err)
	}

	if _, err := r.getTree(tree); err != nil {
		return plumbing.ZeroHash, errors.E(op, errors.InvalidParam, fmt.Errorf("cannot resolve tree %s: %w", tree, err))
	}

	options := commitOptions{now: time.Now}
	for _, o := range opts {
		o(&options)
	}

	now := options.now()
	committer := systemSignature(now)
	author := committer
	if options.author != nil {
		author = *options.author
		author.When = now
	}

	var parents []plumbing.Hash
	if !expectedTip.IsZero() {
		parents = append(parents, expectedTip)
	}

	commitHash, err := r.storeCommit(&object.Commit{
		Author:       author,
		Committer:    committer,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	})
	if err != nil {
		return plumbing.ZeroHash, errors.E(op, errors.Internal, fmt.Errorf("cannot store commit: %w", err))
	}

	if _, err := r.UpdateRef(ctx, branch.RefName(), expectedTip, commitHash); err != nil {
		return plumbing.ZeroHash, errors.E(op, err)
	}

	klog.V(2).Infof("committed %s to %s in %s", commitHash, branch, r.hash)
	return commitHash, nil
}
