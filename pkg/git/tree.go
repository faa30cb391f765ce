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
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hostedgit/gitcore/internal/errors"
)

// treeEditor mutates a tree object graph in memory and writes the result
// back as new tree objects. Nothing outside the object database is touched.
type treeEditor struct {
	repo *Repo

	// trees holds every tree loaded for editing, keyed by directory path
	// ("" is the root). The entry for a loaded tree in its parent carries
	// plumbing.ZeroHash until the tree is stored again.
	trees map[string]*object.Tree
}

func newTreeEditor(repo *Repo, base plumbing.Hash) (*treeEditor, error) {
	root := &object.Tree{}
	if !base.IsZero() {
		t, err := repo.getTree(base)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve base tree %s: %w", base, err)
		}
		root = cloneTree(t)
	}
	return &treeEditor{
		repo:  repo,
		trees: map[string]*object.Tree{"": root},
	}, nil
}

func cloneTree(t *object.Tree) *object.Tree {
	entries := make([]object.TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	return &object.Tree{Entries: entries}
}

// tree returns the tree at dir. Missing directories are created when create
// is set; otherwise a missing directory yields nil.
func (e *treeEditor) tree(dir string, create bool) (*object.Tree, error) {
	if t, ok := e.trees[dir]; ok {
		return t, nil
	}

	parentDir, name := split(dir)
	parent, err := e.tree(parentDir, create)
	if err != nil || parent == nil {
		return nil, err
	}

	var current *object.Tree
	switch existing := findEntry(parent, name); {
	case existing == nil:
		if !create {
			return nil, nil
		}
		current = &object.Tree{}

	case existing.Mode == filemode.Dir:
		t, err := e.repo.getTree(existing.Hash)
		if err != nil {
			return nil, fmt.Errorf("cannot read tree %s at %q: %w", existing.Hash, dir, err)
		}
		current = cloneTree(t)

	default:
		return nil, fmt.Errorf("path %q is %s, not a directory", dir, existing.Mode)
	}

	setOrAddTreeEntry(parent, object.TreeEntry{
		Name: name,
		Mode: filemode.Dir,
		Hash: plumbing.ZeroHash,
	})
	e.trees[dir] = current
	return current, nil
}

// readFile returns the blob content and mode stored at p. ok is false when
// no file exists at p.
func (e *treeEditor) readFile(p string) (data []byte, mode filemode.FileMode, ok bool, err error) {
	dir, name := split(p)
	t, err := e.tree(dir, false)
	if err != nil || t == nil {
		return nil, 0, false, err
	}
	entry := findEntry(t, name)
	if entry == nil || entry.Mode == filemode.Dir {
		return nil, 0, false, nil
	}
	data, err = e.repo.readBlob(entry.Hash)
	if err != nil {
		return nil, 0, false, err
	}
	return data, entry.Mode, true, nil
}

// writeFile stores data as a blob and links it at p.
func (e *treeEditor) writeFile(p string, data []byte, mode filemode.FileMode) error {
	dir, name := split(p)
	if name == "" {
		return fmt.Errorf("invalid file path: %q; no file name", p)
	}

	t, err := e.tree(dir, true)
	if err != nil {
		return err
	}
	if existing := findEntry(t, name); existing != nil && existing.Mode == filemode.Dir {
		return fmt.Errorf("path %q is a directory", p)
	}

	hash, err := e.repo.storeBlob(data)
	if err != nil {
		return fmt.Errorf("cannot store blob for %q: %w", p, err)
	}
	setOrAddTreeEntry(t, object.TreeEntry{
		Name: name,
		Mode: mode,
		Hash: hash,
	})
	return nil
}

func (e *treeEditor) removeFile(p string) error {
	dir, name := split(p)
	t, err := e.tree(dir, false)
	if err != nil {
		return err
	}
	if t == nil || !removeTreeEntry(t, name) {
		return fmt.Errorf("file %q does not exist", p)
	}
	return nil
}

// write stores every modified tree and returns the new root tree hash.
func (e *treeEditor) write() (plumbing.Hash, error) {
	hash, _, err := e.storeTrees("")
	return hash, err
}

// storeTrees writes the tree at treePath to git, first writing all child
// trees. Child trees left without entries are dropped from their parent.
func (e *treeEditor) storeTrees(treePath string) (plumbing.Hash, bool, error) {
	tree, ok := e.trees[treePath]
	if !ok {
		return plumbing.ZeroHash, false, fmt.Errorf("failed to find a tree %q", treePath)
	}

	entries := make([]object.TreeEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.Mode == filemode.Dir && entry.Hash.IsZero() {
			hash, empty, err := e.storeTrees(path.Join(treePath, entry.Name))
			if err != nil {
				return plumbing.ZeroHash, false, err
			}
			if empty {
				continue
			}
			entry.Hash = hash
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entrySortKey(&entries[i]) < entrySortKey(&entries[j])
	})
	tree.Entries = entries

	if len(entries) == 0 && treePath != "" {
		return plumbing.ZeroHash, true, nil
	}

	treeHash, err := e.repo.storeTree(tree)
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	tree.Hash = treeHash
	return treeHash, false, nil
}

// Returns a pointer to the entry if found (by name); nil if not found
func findEntry(tree *object.Tree, name string) *object.TreeEntry {
	for i := range tree.Entries {
		e := &tree.Entries[i]
		if e.Name == name {
			return e
		}
	}
	return nil
}

// setOrAddTreeEntry will overwrite the existing entry (by name) or insert if not present.
func setOrAddTreeEntry(tree *object.Tree, entry object.TreeEntry) {
	for i := range tree.Entries {
		e := &tree.Entries[i]
		if e.Name == entry.Name {
			*e = entry
			return
		}
	}
	tree.Entries = append(tree.Entries, entry)
}

// removeTreeEntry removes the entry with the given name and reports whether
// one was present.
func removeTreeEntry(tree *object.Tree, name string) bool {
	for i := range tree.Entries {
		if tree.Entries[i].Name == name {
			tree.Entries = append(tree.Entries[:i], tree.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// split returns the full directory path and file name
// If there is no directory, it returns an empty directory path and the path as the filename.
func split(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// Git sorts tree entries as though directories have '/' appended to them.
func entrySortKey(e *object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// cleanTreePath validates a repository relative file path.
func cleanTreePath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	for _, segment := range strings.Split(p, "/") {
		switch segment {
		case "", ".", "..", ".git":
			return "", fmt.Errorf("invalid path %q", p)
		}
	}
	return p, nil
}

// BranchTip returns the commit the branch currently points to.
func (r *Repo) BranchTip(ctx context.Context, branch BranchName) (plumbing.Hash, error) {
	ref, err := r.resolveBranch(branch)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// BranchTree returns the root tree of the branch tip commit.
func (r *Repo) BranchTree(ctx context.Context, branch BranchName) (plumbing.Hash, error) {
	tree, err := r.branchTree(branch)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return tree.Hash, nil
}

func (r *Repo) branchTree(branch BranchName) (*object.Tree, error) {
	ref, err := r.resolveBranch(branch)
	if err != nil {
		return nil, err
	}
	commit, err := r.getCommit(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("cannot resolve commit %s of branch %q: %w", ref.Hash(), branch, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve tree %s of commit %s: %w", commit.TreeHash, commit.Hash, err)
	}
	return tree, nil
}

// ListFiles returns the sorted paths of all files in the tip tree of the
// branch. Directories are not listed.
func (r *Repo) ListFiles(ctx context.Context, branch BranchName) ([]string, error) {
	_, span := tracer.Start(ctx, "Repo::ListFiles")
	defer span.End()

	tree, err := r.branchTree(branch)
	if err != nil {
		return nil, errors.E(errors.Op("git.listfiles"), err)
	}

	var files []string
	iter := tree.Files()
	defer iter.Close()
	for {
		f, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot walk tree %s: %w", tree.Hash, err)
		}
		files = append(files, f.Name)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns the content of the file at p in the tip tree of the
// branch. A missing path, or a path naming a directory, yields ok == false
// and no error.
func (r *Repo) ReadFile(ctx context.Context, branch BranchName, p string) (data []byte, ok bool, err error) {
	_, span := tracer.Start(ctx, "Repo::ReadFile")
	defer span.End()

	tree, err := r.branchTree(branch)
	if err != nil {
		return nil, false, errors.E(errors.Op("git.readfile"), err)
	}

	entry, err := r.lookupEntry(tree, strings.Trim(p, "/"))
	if err != nil || entry == nil || entry.Mode == filemode.Dir {
		return nil, false, err
	}

	data, err = r.readBlob(entry.Hash)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// lookupEntry walks tree along p. A missing entry, or a path passing through
// a file, yields nil.
func (r *Repo) lookupEntry(tree *object.Tree, p string) (*object.TreeEntry, error) {
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	current := tree
	for i, name := range parts {
		entry := findEntry(current, name)
		if entry == nil {
			return nil, nil
		}
		if i == len(parts)-1 {
			return entry, nil
		}
		if entry.Mode != filemode.Dir {
			return nil, nil
		}
		next, err := r.getTree(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("cannot read tree %s: %w", entry.Hash, err)
		}
		current = next
	}
	return nil, nil
}

func (r *Repo) readBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := r.blobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("error reading from git: %w", err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("error reading from git: %w", err)
	}
	defer rd.Close()

	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("error reading from git: %w", err)
	}
	return b, nil
}
