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
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"go.opentelemetry.io/otel"

	"github.com/hostedgit/gitcore/internal/errors"
)

var tracer = otel.Tracer("git")

const (
	httpSection       = "http"
	receivePackOption = "receivepack"
)

// Repo manages a single project's bare git repository
type Repo struct {
	hash string
	dir  string
	repo *gogit.Repository
}

// ProjectHash returns the hash the repository was resolved from.
func (r *Repo) ProjectHash() string {
	return r.hash
}

// Dir returns the repository directory on disk.
func (r *Repo) Dir() string {
	return r.dir
}

// Storer exposes the object and reference storage, for the wire protocol.
func (r *Repo) Storer() storage.Storer {
	return r.repo.Storer
}

// This file contains helpers for interacting with gogit.

func openRepository(path string) (*gogit.Repository, error) {
	dot := osfs.New(path)
	sto := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	// No worktree: every repository is bare.
	return gogit.Open(sto, nil)
}

// ReceivePackEnabled reports whether http.receivepack is set, which is
// required to accept pushes over smart HTTP.
func (r *Repo) ReceivePackEnabled() (bool, error) {
	cfg, err := r.repo.Config()
	if err != nil {
		return false, fmt.Errorf("cannot read config of %q: %w", r.dir, err)
	}
	return cfg.Raw.Section(httpSection).Option(receivePackOption) == "true", nil
}

func (r *Repo) enableReceivePack() error {
	cfg, err := r.repo.Config()
	if err != nil {
		return err
	}
	cfg.Raw.Section(httpSection).SetOption(receivePackOption, "true")
	return r.repo.SetConfig(cfg)
}

// states that leave a repository half way through a history rewrite.
var uncommittableStates = []string{
	"MERGE_HEAD",
	"CHERRY_PICK_HEAD",
	"REVERT_HEAD",
	"REBASE_HEAD",
	"rebase-merge",
	"rebase-apply",
}

func (r *Repo) checkCommittable() error {
	for _, name := range uncommittableStates {
		_, err := os.Stat(filepath.Join(r.dir, name))
		switch {
		case err == nil:
			return errors.E(errors.RepositoryState, errors.Path(r.dir), fmt.Errorf("%s present", name))
		case os.IsNotExist(err):
			// OK
		default:
			return errors.E(errors.RepositoryState, errors.Path(r.dir), err)
		}
	}
	return nil
}

func (r *Repo) resolveBranch(branch BranchName) (*plumbing.Reference, error) {
	ref, err := r.repo.Reference(branch.RefName(), true)
	switch err {
	case nil:
		return ref, nil
	case plumbing.ErrReferenceNotFound:
		return nil, errors.E(errors.NotFound, fmt.Errorf("branch %q does not exist", branch))
	default:
		return nil, fmt.Errorf("cannot resolve branch %q: %w", branch, err)
	}
}

func (r *Repo) getCommit(hash plumbing.Hash) (*object.Commit, error) {
	return r.repo.CommitObject(hash)
}

func (r *Repo) getTree(hash plumbing.Hash) (*object.Tree, error) {
	return r.repo.TreeObject(hash)
}

func (r *Repo) blobObject(hash plumbing.Hash) (*object.Blob, error) {
	return r.repo.BlobObject(hash)
}

func (r *Repo) storeBlob(data []byte) (plumbing.Hash, error) {
	store := r.repo.Storer
	eo := store.NewEncodedObject()
	eo.SetType(plumbing.BlobObject)
	eo.SetSize(int64(len(data)))

	w, err := eo.Writer()
	if err != nil {
		return plumbing.Hash{}, err
	}

	_, err = w.Write(data)
	w.Close()
	if err != nil {
		return plumbing.Hash{}, err
	}
	return store.SetEncodedObject(eo)
}

func (r *Repo) storeTree(tree *object.Tree) (plumbing.Hash, error) {
	eo := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(eo); err != nil {
		return plumbing.Hash{}, err
	}
	return r.repo.Storer.SetEncodedObject(eo)
}

func (r *Repo) storeCommit(commit *object.Commit) (plumbing.Hash, error) {
	eo := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(eo); err != nil {
		return plumbing.Hash{}, err
	}
	return r.repo.Storer.SetEncodedObject(eo)
}
