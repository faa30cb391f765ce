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

package gitserver

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"k8s.io/klog/v2"
)

// objectWalker is based on objectWalker in go-git/v5

type objectWalker struct {
	Storer storage.Storer
	// seen is the set of objects seen in the repo.
	// seen map can become huge if walking over large
	// repos. Thus using struct{} as the value type.
	seen map[plumbing.Hash]struct{}
	// checkBlobs verifies that blobs exist instead of trusting tree entries.
	checkBlobs bool
	// objects lists seen objects in walk order, excluding stop points.
	objects []plumbing.Hash
}

func newObjectWalker(s storage.Storer) *objectWalker {
	return &objectWalker{Storer: s, seen: map[plumbing.Hash]struct{}{}}
}

// newConnectivityWalker returns a walker that treats everything reachable
// from stops as present and fails on any other missing object.
func newConnectivityWalker(s storage.Storer, stops []plumbing.Hash) *objectWalker {
	w := newObjectWalker(s)
	w.checkBlobs = true
	for _, h := range stops {
		w.seen[h] = struct{}{}
	}
	return w
}

func (p *objectWalker) isSeen(hash plumbing.Hash) bool {
	_, seen := p.seen[hash]
	return seen
}

func (p *objectWalker) add(hash plumbing.Hash) {
	if p.isSeen(hash) {
		return
	}
	p.seen[hash] = struct{}{}
	p.objects = append(p.objects, hash)
}

// walkObjectTree walks over all objects and remembers references
// to them in the objectWalker. This is used instead of the revlist
// walks because memory usage is tight with huge repos.
func (p *objectWalker) walkObjectTree(hash plumbing.Hash) error {
	// Check if we have already seen, and mark this object
	if p.isSeen(hash) {
		return nil
	}
	p.add(hash)
	// Fetch the object.
	obj, err := object.GetObject(p.Storer, hash)
	if err != nil {
		return fmt.Errorf("getting object %s failed: %w", hash, err)
	}
	// Walk all children depending on object type.
	switch obj := obj.(type) {
	case *object.Commit:
		err = p.walkObjectTree(obj.TreeHash)
		if err != nil {
			return err
		}
		for _, h := range obj.ParentHashes {
			err = p.walkObjectTree(h)
			if err != nil {
				return err
			}
		}
	case *object.Tree:
		return p.walkTreeEntries(obj)
	case *object.Tag:
		return p.walkObjectTree(obj.Target)
	case *object.Blob:
		// Leaf.
	default:
		// Error out on unhandled object types.
		return fmt.Errorf("unknown object %s %s %T", obj.ID(), obj.Type(), obj)
	}
	return nil
}

func (p *objectWalker) walkTreeEntries(tree *object.Tree) error {
nextEntry:
	for i := range tree.Entries {
		entry := &tree.Entries[i]
		switch entry.Mode {
		case filemode.Executable, filemode.Regular, filemode.Symlink, filemode.Deprecated:
			if p.isSeen(entry.Hash) {
				continue nextEntry
			}
			if p.checkBlobs {
				if err := p.Storer.HasEncodedObject(entry.Hash); err != nil {
					return fmt.Errorf("blob %s (%s) failed: %w", entry.Hash, entry.Name, err)
				}
			}
			p.add(entry.Hash)
			continue nextEntry
		case filemode.Submodule:
			// hash is the submodule commit, which lives elsewhere
			continue nextEntry
		case filemode.Dir:
			// process recursively
		default:
			klog.Warningf("unknown entry mode %s", entry.Mode)
		}
		// Normal walk for sub-trees.
		if err := p.walkObjectTree(entry.Hash); err != nil {
			return err
		}
	}
	return nil
}

// walkShallow adds the commits reachable from wants within depth commits,
// with their trees. It returns the boundary commits whose parents were
// left out.
func (p *objectWalker) walkShallow(wants []plumbing.Hash, depth int) ([]plumbing.Hash, error) {
	var shallows []plumbing.Hash
	visited := map[plumbing.Hash]bool{}
	frontier := wants
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []plumbing.Hash
		for _, h := range frontier {
			if visited[h] {
				continue
			}
			visited[h] = true

			commit, err := object.GetCommit(p.Storer, h)
			if err == plumbing.ErrObjectNotFound {
				return nil, fmt.Errorf("getting commit %s failed: %w", h, err)
			} else if err != nil {
				// Not a commit; send it whole.
				if err := p.walkObjectTree(h); err != nil {
					return nil, err
				}
				continue
			}
			p.add(h)
			if err := p.walkObjectTree(commit.TreeHash); err != nil {
				return nil, err
			}
			if level == depth {
				if len(commit.ParentHashes) > 0 {
					shallows = append(shallows, h)
				}
				continue
			}
			next = append(next, commit.ParentHashes...)
		}
		frontier = next
	}
	return shallows, nil
}
