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
	"io"

	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

// ReceiveHook runs once per push, after the ref updates were applied and
// before the client receives the push result.
type ReceiveHook interface {
	// Receive is called with the commands that were applied. Lines written
	// to messages are relayed to the client as progress. A returned error
	// rejects the push and the applied commands are reverted.
	Receive(ctx context.Context, commands []git.RefCommand, messages io.Writer) error
}

// HookFactory creates a fresh ReceiveHook for every push to project.
type HookFactory interface {
	NewHook(project *store.Project) ReceiveHook
}

// HookFactoryFunc adapts a function to HookFactory.
type HookFactoryFunc func(project *store.Project) ReceiveHook

func (f HookFactoryFunc) NewHook(project *store.Project) ReceiveHook {
	return f(project)
}

type noHooks struct{}

func (noHooks) NewHook(*store.Project) ReceiveHook { return noHook{} }

type noHook struct{}

func (noHook) Receive(context.Context, []git.RefCommand, io.Writer) error { return nil }
