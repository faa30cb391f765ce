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

// Package hook records pushed branches and runs their code analysis while
// the pushing client waits.
package hook

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
	"github.com/hostedgit/gitcore/pkg/analysis"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/gitserver"
	"github.com/hostedgit/gitcore/pkg/store"
)

var tracer = otel.Tracer("hook")

// State is the phase of a PushHook.
type State int

const (
	StateReceive State = iota
	StateRecord
	StateAnalyze
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateReceive:
		return "Receive"
	case StateRecord:
		return "Record"
	case StateAnalyze:
		return "Analyze"
	case StateComplete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Factory creates the hook for each push.
type Factory struct {
	store    store.Store
	analysis analysis.Service
}

var _ gitserver.HookFactory = &Factory{}

// NewFactory returns a Factory recording into s. svc may be nil, which
// disables analysis.
func NewFactory(s store.Store, svc analysis.Service) *Factory {
	return &Factory{store: s, analysis: svc}
}

func (f *Factory) NewHook(project *store.Project) gitserver.ReceiveHook {
	return NewPushHook(project, f.store, f.analysis)
}

// PushHook handles a single push to a project. It first records the pushed
// branches in one transaction, then analyzes the active branch.
type PushHook struct {
	project  *store.Project
	store    store.Store
	analysis analysis.Service

	state State
	// active is the feature to analyze. With several commands in one push
	// the last created or updated branch wins.
	active  *store.Feature
	deleted []*store.Feature
}

func NewPushHook(project *store.Project, s store.Store, svc analysis.Service) *PushHook {
	return &PushHook{
		project:  project,
		store:    s,
		analysis: svc,
		state:    StateReceive,
	}
}

// State returns the phase the hook is in.
func (h *PushHook) State() State {
	return h.state
}

// Active returns the feature selected for analysis, if any.
func (h *PushHook) Active() *store.Feature {
	return h.active
}

// Receive records commands and then runs the analysis. Only a failure to
// record is returned; the analysis outcome is reported on messages.
func (h *PushHook) Receive(ctx context.Context, commands []git.RefCommand, messages io.Writer) error {
	if h.state != StateReceive {
		return errors.E(errors.Internal, fmt.Errorf("push hook already used (state %s)", h.state))
	}
	defer func() { h.state = StateComplete }()

	h.state = StateRecord
	if err := h.record(ctx, commands, messages); err != nil {
		return err
	}
	h.cleanup(ctx)

	if h.active == nil || h.analysis == nil {
		return nil
	}
	h.state = StateAnalyze
	// The analysis outlives the client connection.
	h.analyze(context.WithoutCancel(ctx), h.active, messages)
	return nil
}

func (h *PushHook) record(ctx context.Context, commands []git.RefCommand, messages io.Writer) error {
	const op errors.Op = "hook.record"
	ctx, span := tracer.Start(ctx, "PushHook::record")
	defer span.End()

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return errors.E(op, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			klog.Warningf("rollback of push to %s failed: %v", h.project.Hash, err)
		}
	}()

	for _, cmd := range commands {
		branch, ok := git.BranchNameFromRef(cmd.RefName())
		if !ok {
			klog.V(2).Infof("not recording %s: not a branch", cmd.RefName())
			continue
		}
		name := string(branch)

		var verb string
		switch cmd.(type) {
		case git.CreateRef:
			f, err := h.findOrCreate(ctx, tx, name)
			if err != nil {
				return errors.E(op, err)
			}
			if h.active == nil {
				h.active = f
			}
			verb = "Created"
		case git.UpdateRef, git.NonFastForwardUpdate:
			f, err := h.findOrCreate(ctx, tx, name)
			if err != nil {
				return errors.E(op, err)
			}
			h.active = f
			verb = "Updated"
			if _, ok := cmd.(git.NonFastForwardUpdate); ok {
				verb = "Force-updated"
			}
		case git.DeleteRef:
			f, err := tx.DeleteFeature(ctx, h.project.ID, name)
			switch {
			case errors.Is(err, errors.NotFound):
				klog.V(2).Infof("branch %s of %s had no record", name, h.project.Hash)
			case err != nil:
				return errors.E(op, err)
			default:
				h.deleted = append(h.deleted, f)
				if h.active != nil && h.active.ID == f.ID {
					h.active = nil
				}
			}
			verb = "Deleted"
		default:
			return errors.E(op, errors.Internal, fmt.Errorf("unknown ref command %T", cmd))
		}
		fmt.Fprintf(messages, "%s: %s\n", verb, name)
	}

	if err := tx.MarkProjectPushed(ctx, h.project.ID); err != nil {
		return errors.E(op, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, err)
	}
	h.project.HasPushed = true
	return nil
}

func (h *PushHook) findOrCreate(ctx context.Context, tx store.Tx, name string) (*store.Feature, error) {
	f, err := tx.FindFeature(ctx, h.project.ID, name)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, err
	}
	return tx.CreateFeature(ctx, h.project.ID, name)
}

// cleanup drops the analysis data of deleted features.
func (h *PushHook) cleanup(ctx context.Context) {
	if h.analysis == nil {
		return
	}
	for _, f := range h.deleted {
		if err := h.analysis.Delete(context.WithoutCancel(ctx), f.ID); err != nil {
			klog.Warningf("cannot delete analysis of feature %d (%s): %v", f.ID, f.Name, err)
		}
	}
}

func (h *PushHook) analyze(ctx context.Context, feature *store.Feature, messages io.Writer) {
	ctx, span := tracer.Start(ctx, "PushHook::analyze")
	defer span.End()

	r := newRelay(messages)
	stream, err := h.analysis.Start(ctx, feature.ID)
	if err != nil {
		klog.Warningf("cannot start analysis of feature %d (%s): %v", feature.ID, feature.Name, err)
		r.fail()
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			if !r.done {
				klog.Warningf("analysis of feature %d (%s) ended without a result", feature.ID, feature.Name)
				r.fail()
			}
			return
		}
		if err != nil {
			klog.Warningf("analysis of feature %d (%s) failed: %v", feature.ID, feature.Name, err)
			r.fail()
			return
		}
		r.event(ev)
	}
}
