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
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

var (
	havePrefix = []byte("have ")
	doneLine   = []byte("done")
)

// requestBody returns the request body with any content encoding removed.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	switch contentEncoding := r.Header.Get("Content-Encoding"); contentEncoding {
	case "":
		return r.Body, nil
	case "gzip":
		gzr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip.NewReader failed: %w", err)
		}
		return gzr, nil
	default:
		return nil, fmt.Errorf("unknown content-encoding %q", contentEncoding)
	}
}

// negotiation holds the have lines sent after the upload request.
type negotiation struct {
	haves []plumbing.Hash
	done  bool
}

func readNegotiation(r io.Reader) (*negotiation, error) {
	n := &negotiation{}
	scanner := pktline.NewScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSuffix(scanner.Bytes(), []byte("\n"))
		klog.V(4).Infof("request line: %s", string(line))
		switch {
		case len(line) == 0:
			// flush between have batches
		case bytes.Equal(line, doneLine):
			n.done = true
			return n, nil
		case bytes.HasPrefix(line, havePrefix):
			h, err := parseHash(string(line[len(havePrefix):]))
			if err != nil {
				return nil, err
			}
			n.haves = append(n.haves, h)
		default:
			return nil, fmt.Errorf("unexpected line %q", line)
		}
	}
	return n, scanner.Err()
}

// serveGitUploadPack serves the git-upload-pack endpoint
func (s *GitServer) serveGitUploadPack(w http.ResponseWriter, r *http.Request, repo *git.Repo, _ *store.Project) error {
	// See https://git-scm.com/docs/pack-protocol/2.2.3#_packfile_negotiation
	_, span := tracer.Start(r.Context(), "GitServer::serveGitUploadPack")
	defer span.End()

	body, err := requestBody(r)
	if err != nil {
		httpError(w, http.StatusBadRequest)
		return nil
	}
	defer body.Close()

	req := packp.NewUploadRequest()
	if err := req.Decode(body); err != nil {
		klog.Warningf("400 for upload-pack on %s: %v", repo.ProjectHash(), err)
		httpError(w, http.StatusBadRequest)
		return nil
	}
	neg, err := readNegotiation(body)
	if err != nil {
		klog.Warningf("400 for upload-pack on %s: %v", repo.ProjectHash(), err)
		httpError(w, http.StatusBadRequest)
		return nil
	}

	storer := repo.Storer()
	for _, want := range req.Wants {
		if err := storer.HasEncodedObject(want); err != nil {
			klog.Warningf("upload-pack on %s: want %s: %v", repo.ProjectHash(), want, err)
			w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
			w.WriteHeader(http.StatusOK)
			_ = (&pktline.ErrorLine{Text: "upload-pack: not our ref " + want.String()}).Encode(w)
			return nil
		}
	}

	var common []plumbing.Hash
	for _, have := range neg.haves {
		if storer.HasEncodedObject(have) == nil {
			common = append(common, have)
		}
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var depth int
	if d, ok := req.Depth.(packp.DepthCommits); ok {
		depth = int(d)
	}

	var objects []plumbing.Hash
	if depth > 0 {
		walker := newObjectWalker(storer)
		shallows, err := walker.walkShallow(req.Wants, depth)
		if err != nil {
			klog.Warningf("error walking shallow history: %v", err)
			return nil // Too late
		}
		objects = walker.objects
		update := &packp.ShallowUpdate{Shallows: shallows}
		if err := update.Encode(w); err != nil {
			klog.Warningf("error encoding response: %v", err)
			return nil // Too late
		}
	} else {
		if !neg.done && len(common) == 0 && len(neg.haves) > 0 {
			// No common ancestor yet; let the client send more haves.
			resp := &packp.ServerResponse{}
			if err := resp.Encode(w, false); err != nil {
				klog.Warningf("error encoding response: %v", err)
			}
			return nil
		}
		objects, err = revlist.Objects(storer, req.Wants, common)
		if err != nil {
			klog.Warningf("error listing objects: %v", err)
			return nil // Too late
		}
	}

	// Only the first common object is acknowledged; multi_ack is not offered.
	resp := &packp.ServerResponse{}
	if len(common) > 0 && depth == 0 {
		resp.ACKs = common[:1]
	}
	if err := resp.Encode(w, false); err != nil {
		klog.Warningf("error encoding response: %v", err)
		return nil // Too late
	}

	// Send the packfile data
	klog.Infof("sending %d objects in packfile for %s", len(objects), repo.ProjectHash())

	useRefDeltas := false

	// TODO: Buffer on disk first?
	packFileEncoder := packfile.NewEncoder(w, storer, useRefDeltas)

	// packWindow specifies the size of the sliding window used
	// to compare objects for delta compression;
	// 0 turns off delta compression entirely.
	packWindow := uint(0)

	packfileHash, err := packFileEncoder.Encode(objects, packWindow)
	if err != nil {
		klog.Warningf("error encoding packfile: %v", err)
		return nil // Too late
	}

	klog.V(2).Infof("packed as %v", packfileHash)

	return nil
}

// parseHash is a helper that parses a hash provided by the client.
func parseHash(s string) (plumbing.Hash, error) {
	if !plumbing.IsHash(s) {
		return plumbing.ZeroHash, fmt.Errorf("hash %q is not a valid object id", s)
	}
	return plumbing.NewHash(s), nil
}
