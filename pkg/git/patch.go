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
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/hostedgit/gitcore/internal/errors"
)

// MissingBlob is the abbreviated object id standing for the absent side of a
// file creation or deletion.
const MissingBlob = "0000000"

const devNull = "/dev/null"

// PatchApplyError lists every failure found while applying one patch.
type PatchApplyError struct {
	Errors []error
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("cannot apply patch: %v", utilerrors.NewAggregate(e.Errors))
}

func (e *PatchApplyError) Unwrap() []error {
	return e.Errors
}

// ApplyPatch applies the unified diff in patch to the tree baseTree and
// returns the id of the resulting tree. Only blob and tree objects are
// written. Either every file section applies, or a *PatchApplyError (with
// Kind PatchApply) describing all failures is returned.
//
// A single call must not touch a path more than once.
func (r *Repo) ApplyPatch(ctx context.Context, baseTree plumbing.Hash, patch string) (plumbing.Hash, error) {
	const op errors.Op = "git.applypatch"
	_, span := tracer.Start(ctx, "Repo::ApplyPatch", trace.WithAttributes(attribute.String("tree", baseTree.String())))
	defer span.End()

	files, preamble, err := gitdiff.Parse(strings.NewReader(patch))
	if err != nil {
		return plumbing.ZeroHash, errors.E(op, errors.PatchApply, &PatchApplyError{
			Errors: []error{fmt.Errorf("error parsing patch: %w", err)},
		})
	}
	if len(files) == 0 {
		return plumbing.ZeroHash, errors.E(op, errors.PatchApply, &PatchApplyError{
			Errors: []error{fmt.Errorf("patch did not specify any files (preamble %q)", preamble)},
		})
	}

	editor, err := newTreeEditor(r, baseTree)
	if err != nil {
		return plumbing.ZeroHash, errors.E(op, err)
	}

	touched := map[string]bool{}
	var errs []error
	for _, f := range files {
		if err := applyFile(editor, f, touched); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fileDisplayName(f), err))
		}
	}
	if len(errs) > 0 {
		return plumbing.ZeroHash, errors.E(op, errors.PatchApply, &PatchApplyError{Errors: errs})
	}

	tree, err := editor.write()
	if err != nil {
		return plumbing.ZeroHash, errors.E(op, errors.Internal, err)
	}
	return tree, nil
}

func applyFile(editor *treeEditor, f *gitdiff.File, touched map[string]bool) error {
	switch {
	case f.IsBinary:
		return fmt.Errorf("binary patches are not supported")
	case f.IsCopy:
		return fmt.Errorf("copy patches are not supported")
	}

	var oldName, newName string
	var err error
	if !f.IsNew {
		if oldName, err = cleanTreePath(f.OldName); err != nil {
			return err
		}
	}
	if !f.IsDelete {
		if newName, err = cleanTreePath(f.NewName); err != nil {
			return err
		}
	}
	for _, name := range []string{oldName, newName} {
		if name == "" {
			continue
		}
		if touched[name] {
			return fmt.Errorf("path %q is changed more than once in the same patch", name)
		}
	}
	touched[oldName] = oldName != ""
	touched[newName] = newName != ""

	var src []byte
	mode := filemode.Regular
	if f.IsNew {
		_, _, exists, err := editor.readFile(newName)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("file %q already exists", newName)
		}
	} else {
		data, oldMode, exists, err := editor.readFile(oldName)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %q does not exist", oldName)
		}
		src, mode = data, oldMode
	}

	var dst bytes.Buffer
	if err := gitdiff.Apply(&dst, bytes.NewReader(src), f); err != nil {
		return err
	}

	if f.IsDelete {
		if dst.Len() != 0 {
			return fmt.Errorf("deletion of %q does not remove all content", oldName)
		}
		return editor.removeFile(oldName)
	}

	if f.NewMode != 0 {
		mode = filemode.FileMode(uint32(f.NewMode))
	}
	switch mode {
	case filemode.Regular, filemode.Executable, filemode.Symlink:
	default:
		return fmt.Errorf("unsupported file mode %s", mode)
	}

	if f.IsRename && oldName != newName {
		if err := editor.removeFile(oldName); err != nil {
			return err
		}
	}
	return editor.writeFile(newName, dst.Bytes(), mode)
}

func fileDisplayName(f *gitdiff.File) string {
	if f.IsNew || f.OldName == "" {
		return f.NewName
	}
	return f.OldName
}

// SynthesizePatch builds a git style patch for a single file from a raw hunk
// body and the abbreviated old and new blob ids. MissingBlob on the old side
// marks a creation, on the new side a deletion.
func SynthesizePatch(body, path, oldRef, newRef string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	switch {
	case oldRef == MissingBlob:
		fmt.Fprintf(&b, "new file mode %o\n", uint32(filemode.Regular))
	case newRef == MissingBlob:
		fmt.Fprintf(&b, "deleted file mode %o\n", uint32(filemode.Regular))
	}
	fmt.Fprintf(&b, "index %s..%s\n", oldRef, newRef)

	from, to := "a/"+path, "b/"+path
	if oldRef == MissingBlob {
		from = devNull
	}
	if newRef == MissingBlob {
		to = devNull
	}
	fmt.Fprintf(&b, "--- %s\n", from)
	fmt.Fprintf(&b, "+++ %s\n", to)

	b.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// GeneratePatch returns the hunk body transforming oldV into newV, suitable
// as the body argument of SynthesizePatch. Both versions must be non-empty.
func GeneratePatch(fileName string, oldV, newV string) string {
	edits := myers.ComputeEdits(span.URIFromPath(fileName), oldV, newV)
	diff := fmt.Sprint(gotextdiff.ToUnified(fileName, fileName, oldV, edits))

	// Drop the ---/+++ header lines.
	for i := 0; i < 2; i++ {
		nl := strings.IndexByte(diff, '\n')
		if nl < 0 {
			return ""
		}
		diff = diff[nl+1:]
	}
	return diff
}
