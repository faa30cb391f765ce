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
	"net/http"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

// serviceCapabilities returns the capabilities advertised for serviceName.
func serviceCapabilities(serviceName string) (*capability.List, error) {
	caps := capability.NewList()
	var err error
	set := func(c capability.Capability, values ...string) {
		if err == nil {
			err = caps.Set(c, values...)
		}
	}

	switch serviceName {
	case uploadPackService:
		set(capability.SymRef, plumbing.HEAD.String()+":"+git.DefaultMainReferenceName.String())
		set(capability.Shallow)
	case receivePackService:
		set(capability.ReportStatus)
		set(capability.DeleteRefs)
		set(capability.Sideband64k)
		set(capability.OFSDelta)
	default:
		return nil, fmt.Errorf("unknown service-name %q", serviceName)
	}
	set(capability.Agent, capability.DefaultAgent())

	return caps, err
}

// serveGitInfoRefs serves the info/refs (discovery) endpoint
func (s *GitServer) serveGitInfoRefs(w http.ResponseWriter, r *http.Request, repo *git.Repo, _ *store.Project) error {
	serviceName := r.URL.Query().Get("service")
	switch serviceName {
	case uploadPackService:
		// OK
	case receivePackService:
		enabled, err := repo.ReceivePackEnabled()
		if err != nil {
			return err
		}
		if !enabled {
			klog.Warningf("403 for receive-pack discovery on %s: http.receivepack is not set", repo.ProjectHash())
			httpError(w, http.StatusForbidden)
			return nil
		}
	case "":
		// Dumb protocol clients ask for the plain file.
		httpError(w, http.StatusNotFound)
		return nil
	default:
		httpError(w, http.StatusForbidden)
		return nil
	}

	caps, err := serviceCapabilities(serviceName)
	if err != nil {
		return err
	}

	sorted, err := advertisedRefs(repo.Storer())
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/x-"+serviceName+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	gw := NewPacketLineWriter(w)

	gw.WriteLine("# service=" + serviceName)
	gw.WriteZeroPacketLine()

	writeRefs(gw, sorted, caps)

	gw.WriteZeroPacketLine()

	if err := gw.Flush(); err != nil {
		klog.Warningf("error from flush: %v", err)
		// Too late to send a real error code
		return nil
	}

	return nil
}

// advertisedRefs lists the references of a repository, HEAD first.
// HEAD is reported with the hash of the branch it points to.
func advertisedRefs(s storage.Storer) ([]*plumbing.Reference, error) {
	it, err := s.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("failed to get git references: %w", err)
	}
	defer it.Close()

	var head *plumbing.Reference
	refs := map[plumbing.ReferenceName]*plumbing.Reference{}
	if err := it.ForEach(func(ref *plumbing.Reference) error {
		switch ref.Type() {
		case plumbing.SymbolicReference:
			if ref.Name() != plumbing.HEAD {
				return nil
			}
			resolved, err := storer.ResolveReference(s, ref.Name())
			if err != nil {
				klog.Warningf("Skipping unresolvable symbolic reference %q: %v", ref.Name(), err)
				return nil
			}
			head = plumbing.NewHashReference(plumbing.HEAD, resolved.Hash())
		case plumbing.HashReference:
			if ref.Name().IsRemote() {
				return nil
			}
			if ref.Name() == plumbing.HEAD {
				head = ref
				return nil
			}
			refs[ref.Name()] = ref
		default:
			return fmt.Errorf("unexpected reference encountered: %s", ref)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("error iterating through references: %w", err)
	}

	return sortedRefs(refs, head), nil
}

func sortedRefs(refs map[plumbing.ReferenceName]*plumbing.Reference, head *plumbing.Reference) []*plumbing.Reference {
	sorted := make([]*plumbing.Reference, 0, len(refs)+1)
	for _, v := range refs {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name().String() < sorted[j].Name().String()
	})
	if head != nil {
		sorted = append([]*plumbing.Reference{head}, sorted...)
	}
	return sorted
}

func writeRefs(gw *PacketLineWriter, sorted []*plumbing.Reference, caps *capability.List) {
	// empty_list = PKT-LINE(zero-id SP "capabilities^{}" NUL cap-list LF)
	if len(sorted) == 0 {
		gw.WriteLine(fmt.Sprintf("%s capabilities^{}\000%s", plumbing.ZeroHash, caps))
		return
	}

	// non_empty_list  =  PKT-LINE(obj-id SP name NUL cap_list LF)
	//   *ref_record
	for i, ref := range sorted {
		s := fmt.Sprintf("%s %s", ref.Hash(), ref.Name())
		if i == 0 {
			// We attach capabilities to the first line
			s += "\000" + caps.String()
		}
		gw.WriteLine(s)
	}
}

// lookupTips returns the hashes of all branch references.
func lookupTips(s storage.Storer) ([]plumbing.Hash, error) {
	refs, err := advertisedRefs(s)
	if err != nil {
		return nil, errors.E(errors.Git, err)
	}
	tips := make([]plumbing.Hash, 0, len(refs))
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			continue
		}
		tips = append(tips, ref.Hash())
	}
	return tips, nil
}
