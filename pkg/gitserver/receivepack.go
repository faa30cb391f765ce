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
	"context"
	goerrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/sideband"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

const (
	statusOK = "ok"

	refsPrefix = "refs/"
)

func (s *GitServer) serveGitReceivePack(w http.ResponseWriter, r *http.Request, repo *git.Repo, project *store.Project) error {
	ctx, span := tracer.Start(r.Context(), "GitServer::serveGitReceivePack")
	defer span.End()

	enabled, err := repo.ReceivePackEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		klog.Warningf("403 for receive-pack on %s: http.receivepack is not set", repo.ProjectHash())
		httpError(w, http.StatusForbidden)
		return nil
	}

	body, err := requestBody(r)
	if err != nil {
		httpError(w, http.StatusBadRequest)
		return nil
	}
	defer body.Close()

	// The client sends a line for each ref it wants to update, then it sends the packfile data
	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(body); err != nil {
		klog.Warningf("400 for receive-pack on %s: %v", repo.ProjectHash(), err)
		httpError(w, http.StatusBadRequest)
		return nil
	}

	pushID := uuid.NewString()
	klog.V(2).Infof("push %s to %s: capabilities %v", pushID, repo.ProjectHash(), req.Capabilities)
	for _, cmd := range req.Commands {
		klog.V(2).Infof("push %s: %s %s -> %s", pushID, cmd.Name, cmd.Old, cmd.New)
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	out := &flushWriter{w: w, rc: http.NewResponseController(w)}
	var (
		reportTo  io.Writer = out
		messages  io.Writer = io.Discard
		sidebands bool
	)
	if req.Capabilities.Supports(capability.Sideband64k) || req.Capabilities.Supports(capability.Sideband) {
		t := sideband.Sideband64k
		if !req.Capabilities.Supports(capability.Sideband64k) {
			t = sideband.Sideband
		}
		mux := sideband.NewMuxer(t, out)
		reportTo = mux
		sidebands = true
		messages = &progressWriter{mux: mux, pushID: pushID}
	}

	report := s.receive(ctx, repo, project, pushID, req, messages)
	if !req.Capabilities.Supports(capability.ReportStatus) {
		return nil
	}

	if err := report.Encode(reportTo); err != nil {
		klog.Warningf("push %s: error writing report: %v", pushID, err)
		return nil // too late for real errors
	}
	if sidebands {
		// The sideband stream ends with a flush outside of any band.
		gw := NewPacketLineWriter(out)
		gw.WriteZeroPacketLine()
		if err := gw.Flush(); err != nil {
			klog.Warningf("push %s: error flushing response: %v", pushID, err)
		}
	}
	return nil
}

// receive stores the pushed objects, applies the ref commands and runs the
// push hook. It never fails; problems are reported per command.
func (s *GitServer) receive(ctx context.Context, repo *git.Repo, project *store.Project, pushID string, req *packp.ReferenceUpdateRequest, messages io.Writer) *packp.ReportStatus {
	report := &packp.ReportStatus{UnpackStatus: statusOK}
	statuses := map[plumbing.ReferenceName]*packp.CommandStatus{}
	for _, cmd := range req.Commands {
		cs := &packp.CommandStatus{ReferenceName: cmd.Name, Status: statusOK}
		statuses[cmd.Name] = cs
		report.CommandStatuses = append(report.CommandStatuses, cs)
	}
	failAll := func(status string) {
		for _, cs := range report.CommandStatuses {
			cs.Status = status
		}
	}

	storer := repo.Storer()
	stops, err := lookupTips(storer)
	if err != nil {
		klog.Warningf("push %s: %v", pushID, err)
		failAll("internal error")
		return report
	}

	if needsPack(req.Commands) && req.Packfile != nil {
		switch err := packfile.UpdateObjectStorage(storer, req.Packfile); err {
		case nil, packfile.ErrEmptyPackfile:
			// ok
		default:
			klog.Warningf("push %s: error parsing packfile: %v", pushID, err)
			report.UnpackStatus = "error parsing packfile"
			failAll("unpacker error")
			return report
		}
	}

	// Having accepted the packfile into our store, we update the refs.
	var applied []git.RefCommand
	for _, cmd := range req.Commands {
		cs := statuses[cmd.Name]
		refCmd, status := s.validateCommand(repo, stops, cmd)
		if status != statusOK {
			cs.Status = status
			klog.Infof("push %s: refusing %s: %s", pushID, cmd.Name, status)
			continue
		}

		result, err := repo.ApplyCommand(ctx, refCmd)
		if err != nil {
			klog.Warningf("push %s: update of %s %v: %v", pushID, cmd.Name, result, err)
			switch result {
			case git.RefUpdateRejected:
				cs.Status = "stale info"
			default:
				cs.Status = "failed to lock"
			}
			continue
		}
		klog.Infof("push %s: updated reference %s -> %s", pushID, cmd.Name, cmd.New)
		applied = append(applied, refCmd)
	}

	if len(applied) == 0 {
		return report
	}

	hook := s.hooks.NewHook(project)
	if err := hook.Receive(ctx, applied, messages); err != nil {
		klog.Warningf("push %s: hook failed, reverting %d reference updates: %v", pushID, len(applied), err)
		for i := len(applied) - 1; i >= 0; i-- {
			cmd := applied[i]
			if result, err := repo.RevertCommand(ctx, cmd); err != nil {
				klog.Errorf("push %s: cannot revert %s (%v): %v", pushID, cmd.RefName(), result, err)
			}
		}
		failAll("hook declined")
	}
	return report
}

// validateCommand checks a single command against the repository state before
// the push and classifies it.
func (s *GitServer) validateCommand(repo *git.Repo, stops []plumbing.Hash, cmd *packp.Command) (git.RefCommand, string) {
	if !strings.HasPrefix(cmd.Name.String(), refsPrefix) {
		return nil, "funny refname"
	}
	if cmd.Name == git.DefaultMainReferenceName && cmd.Action() == packp.Delete {
		return nil, "deletion of the main branch is prohibited"
	}
	if cmd.Action() != packp.Delete {
		walker := newConnectivityWalker(repo.Storer(), stops)
		if err := walker.walkObjectTree(cmd.New); err != nil {
			klog.Warningf("connectivity check of %s failed: %v", cmd.Name, err)
			return nil, "missing necessary objects"
		}
	}

	refCmd, err := repo.ClassifyCommand(cmd.Name, cmd.Old, cmd.New)
	if err != nil {
		klog.Warningf("cannot classify %s: %v", cmd.Name, err)
		return nil, "invalid command"
	}
	return refCmd, statusOK
}

func needsPack(cmds []*packp.Command) bool {
	for _, cmd := range cmds {
		if cmd.Action() != packp.Delete {
			return true
		}
	}
	return false
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !goerrors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// progressWriter relays messages on the progress band. A client that went
// away must not fail the push, so write errors are only logged.
type progressWriter struct {
	mux    *sideband.Muxer
	pushID string
	failed bool
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if p.failed {
		return len(b), nil
	}
	if _, err := p.mux.WriteChannel(sideband.ProgressMessage, b); err != nil {
		klog.V(2).Infof("push %s: dropping progress messages: %v", p.pushID, err)
		p.failed = true
	}
	return len(b), nil
}

var _ io.Writer = &progressWriter{}

