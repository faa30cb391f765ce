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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/hostedgit/gitcore/internal/errors"
)

func countObjects(t *testing.T, repo *Repo) int {
	t.Helper()
	iter, err := repo.repo.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		t.Fatalf("IterEncodedObjects failed: %v", err)
	}
	defer iter.Close()
	count := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		count++
	}
	return count
}

func TestCommitAuthor(t *testing.T) {
	ctx := context.Background()
	repo := createTestRepo(t, newTestProjectRepos(t))

	tree, err := repo.BranchTree(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTree failed: %v", err)
	}
	tip, err := repo.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hash, err := repo.Commit(ctx, MainBranch, tree, "Second commit",
		WithAuthor("Ada", "ada@example.com"),
		withClock(func() time.Time { return when }))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	commit, err := repo.getCommit(hash)
	if err != nil {
		t.Fatalf("Cannot read commit %s: %v", hash, err)
	}
	if got, want := commit.Author.Email, "ada@example.com"; got != want {
		t.Errorf("author; got %q, want %q", got, want)
	}
	if got, want := commit.Committer.Name, systemSignatureName; got != want {
		t.Errorf("committer; got %q, want %q", got, want)
	}
	if !commit.Committer.When.Equal(when) {
		t.Errorf("commit time; got %s, want %s", commit.Committer.When, when)
	}
	if got, want := commit.ParentHashes, []plumbing.Hash{tip}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("parents; got %v, want %v", got, want)
	}

	newTip, err := repo.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}
	if newTip != hash {
		t.Errorf("main after commit; got %s, want %s", newTip, hash)
	}
}

func TestCommitStaleTip(t *testing.T) {
	ctx := context.Background()
	repo := createTestRepo(t, newTestProjectRepos(t))

	start, err := repo.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}
	base, err := repo.BranchTree(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTree failed: %v", err)
	}

	first, err := repo.ApplyPatch(ctx, base, SynthesizePatch(helloBody, "first.txt", MissingBlob, "1111111"))
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	second, err := repo.ApplyPatch(ctx, base, SynthesizePatch(helloBody, "second.txt", MissingBlob, "2222222"))
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}

	winner, err := repo.CommitOnto(ctx, MainBranch, start, first, "first")
	if err != nil {
		t.Fatalf("first CommitOnto failed: %v", err)
	}

	_, err = repo.CommitOnto(ctx, MainBranch, start, second, "second")
	if got, want := errors.KindOf(err), errors.ConcurrencyConflict; got != want {
		t.Fatalf("second CommitOnto; got kind %v (%v), want %v", got, err, want)
	}

	tip, err := repo.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}
	if tip != winner {
		t.Errorf("main; got %s, want %s", tip, winner)
	}
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	repos := newTestProjectRepos(t)
	repo := createTestRepo(t, repos)

	start, err := repo.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}

	const writers = 2
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		// Separate handles, as separate requests would have.
		handle, err := repos.Open(ctx, repo.ProjectHash())
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		base, err := handle.BranchTree(ctx, MainBranch)
		if err != nil {
			t.Fatalf("BranchTree failed: %v", err)
		}
		tree, err := handle.ApplyPatch(ctx, base, SynthesizePatch(helloBody, filepath.Join("writer", string(rune('a'+i))+".txt"), MissingBlob, "1111111"))
		if err != nil {
			t.Fatalf("ApplyPatch failed: %v", err)
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = handle.CommitOnto(ctx, MainBranch, start, tree, "concurrent")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, errors.ConcurrencyConflict), errors.Is(err, errors.LockFailure):
		default:
			t.Errorf("unexpected commit error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d commits succeeded, want exactly 1: %v", succeeded, results)
	}

	fresh, err := repos.Open(ctx, repo.ProjectHash())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	tip, err := fresh.BranchTip(ctx, MainBranch)
	if err != nil {
		t.Fatalf("BranchTip failed: %v", err)
	}
	commit, err := fresh.getCommit(tip)
	if err != nil {
		t.Fatalf("Cannot read tip commit: %v", err)
	}
	if got := commit.ParentHashes; len(got) != 1 || got[0] != start {
		t.Errorf("main advanced by more than one commit; parents of tip %v, want [%s]", got, start)
	}
}

func TestCommitRequiresCommittableState(t *testing.T) {
	ctx := context.Background()

	for _, marker := range uncommittableStates {
		t.Run(marker, func(t *testing.T) {
			repo := createTestRepo(t, newTestProjectRepos(t))
			tree, err := repo.BranchTree(ctx, MainBranch)
			if err != nil {
				t.Fatalf("BranchTree failed: %v", err)
			}

			if err := os.WriteFile(filepath.Join(repo.Dir(), marker), []byte("x\n"), 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}

			before := countObjects(t, repo)
			_, err = repo.Commit(ctx, MainBranch, tree, "blocked")
			if got, want := errors.KindOf(err), errors.RepositoryState; got != want {
				t.Fatalf("Commit; got kind %v (%v), want %v", got, err, want)
			}
			if after := countObjects(t, repo); after != before {
				t.Errorf("objects written by rejected commit; got %d objects, want %d", after, before)
			}
		})
	}
}
