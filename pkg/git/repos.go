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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
)

const (
	projectHashEntropy = 16
	maxProjectHashLen  = 128

	cloneTokenLength   = 32
	cloneTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	initialCommitMessage = "Initial commit"
)

// NewProjectHash returns a fresh project hash: the hex encoded sha256 digest
// of 16 random bytes.
func NewProjectHash() (string, error) {
	b := make([]byte, projectHashEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cannot read random bytes: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NewCloneToken returns a 32 character random alphanumeric secret.
func NewCloneToken() (string, error) {
	max := big.NewInt(int64(len(cloneTokenAlphabet)))
	token := make([]byte, cloneTokenLength)
	for i := range token {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("cannot read random bytes: %w", err)
		}
		token[i] = cloneTokenAlphabet[n.Int64()]
	}
	return string(token), nil
}

// IsProjectHashAllowed reports whether s can name a repository directory.
// Only lowercase hex is accepted, which keeps path separators and dot
// segments out of repository paths.
func IsProjectHashAllowed(s string) bool {
	if len(s) == 0 || len(s) > maxProjectHashLen {
		return false
	}
	for _, r := range s {
		if r >= 'a' && r <= 'f' {
			// OK
		} else if r >= '0' && r <= '9' {
			// OK
		} else {
			return false
		}
	}
	return true
}

// ProjectRepos holds the bare repositories of all projects under one root.
type ProjectRepos struct {
	root string
}

// NewProjectRepos constructs a ProjectRepos rooted at root. A leading "~" is
// expanded to the user's home directory.
func NewProjectRepos(root string) (*ProjectRepos, error) {
	expanded, err := expandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve repository root %q: %w", root, err)
	}
	return &ProjectRepos{root: abs}, nil
}

// Root returns the directory that holds all repositories.
func (r *ProjectRepos) Root() string {
	return r.root
}

// Path returns the directory of the repository for the project hash.
func (r *ProjectRepos) Path(hash string) (string, error) {
	if !IsProjectHashAllowed(hash) {
		return "", errors.E(errors.InvalidParam, fmt.Errorf("invalid project hash %q", hash))
	}
	return filepathSafeJoin(r.root, hash)
}

// Create initializes the bare repository for a new project: default branch
// main holding one empty commit, and pushes over smart HTTP enabled.
func (r *ProjectRepos) Create(ctx context.Context, hash string) (*Repo, error) {
	const op errors.Op = "repo.create"
	_, span := tracer.Start(ctx, "ProjectRepos::Create", trace.WithAttributes(attribute.String("project", hash)))
	defer span.End()

	dir, err := r.Path(hash)
	if err != nil {
		return nil, errors.E(op, err)
	}

	switch _, err := os.Stat(dir); {
	case err == nil:
		return nil, errors.E(op, errors.Exist, errors.Path(dir))
	case !os.IsNotExist(err):
		return nil, errors.E(op, errors.Path(dir), err)
	}

	// Cleanup the repository directory in case initialization fails.
	cleanup := dir
	defer func() {
		if cleanup != "" {
			os.RemoveAll(cleanup)
		}
	}()

	isBare := true
	gogitRepo, err := gogit.PlainInit(dir, isBare)
	if err != nil {
		return nil, errors.E(op, errors.Path(dir), fmt.Errorf("failed to initialize git repository: %w", err))
	}
	// Delete go-git default branch
	_ = gogitRepo.Storer.RemoveReference(plumbing.Master)

	if err := createEmptyCommit(gogitRepo); err != nil {
		return nil, errors.E(op, errors.Path(dir), err)
	}

	repo := &Repo{
		hash: hash,
		dir:  dir,
		repo: gogitRepo,
	}
	if err := repo.enableReceivePack(); err != nil {
		return nil, errors.E(op, errors.Path(dir), fmt.Errorf("failed to enable http.receivepack: %w", err))
	}

	cleanup = "" // Success. Keep the git directory.
	klog.Infof("created repository %s", dir)
	return repo, nil
}

// Open opens the existing repository for the project hash.
func (r *ProjectRepos) Open(ctx context.Context, hash string) (*Repo, error) {
	const op errors.Op = "repo.open"

	dir, err := r.Path(hash)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotFound, errors.Path(dir))
		}
		return nil, errors.E(op, errors.Path(dir), err)
	}

	gogitRepo, err := openRepository(dir)
	if err != nil {
		if err == gogit.ErrRepositoryNotExists {
			return nil, errors.E(op, errors.NotFound, errors.Path(dir), err)
		}
		return nil, errors.E(op, errors.Path(dir), fmt.Errorf("failed to open git repository: %w", err))
	}

	return &Repo{
		hash: hash,
		dir:  dir,
		repo: gogitRepo,
	}, nil
}

// Delete removes the repository of the project. Deleting a repository that
// does not exist is not an error; a directory that survives removal is.
func (r *ProjectRepos) Delete(ctx context.Context, hash string) error {
	const op errors.Op = "repo.delete"
	_, span := tracer.Start(ctx, "ProjectRepos::Delete", trace.WithAttributes(attribute.String("project", hash)))
	defer span.End()

	dir, err := r.Path(hash)
	if err != nil {
		return errors.E(op, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return errors.E(op, errors.Internal, errors.Path(dir), err)
	}

	switch _, err := os.Lstat(dir); {
	case os.IsNotExist(err):
		// OK
	case err == nil:
		return errors.E(op, errors.Internal, errors.Path(dir), "repository directory still present after removal")
	default:
		return errors.E(op, errors.Internal, errors.Path(dir), err)
	}

	klog.Infof("deleted repository %s", dir)
	return nil
}

func createEmptyCommit(repo *gogit.Repository) error {
	store := repo.Storer
	// Create first commit using empty tree.
	emptyTree := object.Tree{}
	encodedTree := store.NewEncodedObject()
	if err := emptyTree.Encode(encodedTree); err != nil {
		return fmt.Errorf("failed to encode initial empty commit tree: %w", err)
	}

	treeHash, err := store.SetEncodedObject(encodedTree)
	if err != nil {
		return fmt.Errorf("failed to create initial empty commit tree: %w", err)
	}

	sig := systemSignature(time.Now())

	commit := object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      initialCommitMessage,
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{}, // No parents
	}

	encodedCommit := store.NewEncodedObject()
	if err := commit.Encode(encodedCommit); err != nil {
		return fmt.Errorf("failed to encode initial empty commit: %w", err)
	}

	commitHash, err := store.SetEncodedObject(encodedCommit)
	if err != nil {
		return fmt.Errorf("failed to create initial empty commit: %w", err)
	}

	main := plumbing.NewHashReference(DefaultMainReferenceName, commitHash)
	if err := repo.Storer.SetReference(main); err != nil {
		return fmt.Errorf("failed to set %s to commit sha %s: %w", DefaultMainReferenceName, commitHash, err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, DefaultMainReferenceName)
	if err := repo.Storer.SetReference(head); err != nil {
		return fmt.Errorf("failed to set HEAD to %s: %w", DefaultMainReferenceName, err)
	}

	return nil
}
