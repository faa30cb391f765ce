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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostedgit/gitcore/internal/errors"
)

// Memory is a Store held in process memory. Transactions are serialized:
// BeginTx blocks until the previous transaction has finished.
type Memory struct {
	// txLock is held for the lifetime of a transaction.
	txLock sync.Mutex

	mu       sync.Mutex
	nextID   int64
	projects map[string]*Project
	features map[featureKey]*Feature
	now      func() time.Time
}

type featureKey struct {
	projectID int64
	name      string
}

var _ Store = &Memory{}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		projects: map[string]*Project{},
		features: map[featureKey]*Feature{},
		now:      time.Now,
	}
}

func (m *Memory) FindProjectByHash(ctx context.Context, hash string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[hash]
	if !ok {
		return nil, errors.E(errors.Op("store.findproject"), errors.NotFound, fmt.Errorf("project %q not found", hash))
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) CreateProject(ctx context.Context, hash, cloneToken string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[hash]; ok {
		return nil, errors.E(errors.Op("store.createproject"), errors.Exist, fmt.Errorf("project %q already exists", hash))
	}
	m.nextID++
	p := &Project{ID: m.nextID, Hash: hash, CloneToken: cloneToken}
	m.projects[hash] = p
	cp := *p
	return &cp, nil
}

func (m *Memory) DeleteProject(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[hash]
	if !ok {
		return nil
	}
	for k := range m.features {
		if k.projectID == p.ID {
			delete(m.features, k)
		}
	}
	delete(m.projects, hash)
	return nil
}

// Features returns a copy of all feature records of the project.
func (m *Memory) Features(projectID int64) []Feature {
	m.mu.Lock()
	defer m.mu.Unlock()

	var features []Feature
	for k, f := range m.features {
		if k.projectID == projectID {
			features = append(features, *f)
		}
	}
	return features
}

func (m *Memory) BeginTx(ctx context.Context) (Tx, error) {
	m.txLock.Lock()
	return &memoryTx{m: m}, nil
}

type memoryTx struct {
	m    *Memory
	undo []func()
	done bool
}

func (tx *memoryTx) check() error {
	if tx.done {
		return errors.E(errors.Internal, "transaction has already been committed or rolled back")
	}
	return nil
}

func (tx *memoryTx) CreateFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	key := featureKey{projectID: projectID, name: name}
	if _, ok := m.features[key]; ok {
		return nil, errors.E(errors.Op("store.createfeature"), errors.Exist, fmt.Errorf("feature %q already exists", name))
	}
	m.nextID++
	now := m.now()
	f := &Feature{ID: m.nextID, Name: name, ProjectID: projectID, CreatedAt: now, UpdatedAt: now}
	m.features[key] = f
	tx.undo = append(tx.undo, func() { delete(m.features, key) })

	cp := *f
	return &cp, nil
}

func (tx *memoryTx) FindFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureKey{projectID: projectID, name: name}]
	if !ok {
		return nil, errors.E(errors.Op("store.findfeature"), errors.NotFound, fmt.Errorf("feature %q not found", name))
	}
	cp := *f
	return &cp, nil
}

func (tx *memoryTx) DeleteFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	key := featureKey{projectID: projectID, name: name}
	f, ok := m.features[key]
	if !ok {
		return nil, errors.E(errors.Op("store.deletefeature"), errors.NotFound, fmt.Errorf("feature %q not found", name))
	}
	delete(m.features, key)
	tx.undo = append(tx.undo, func() { m.features[key] = f })

	cp := *f
	return &cp, nil
}

func (tx *memoryTx) MarkProjectPushed(ctx context.Context, projectID int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects {
		if p.ID == projectID {
			p := p
			previous := p.HasPushed
			p.HasPushed = true
			tx.undo = append(tx.undo, func() { p.HasPushed = previous })
			return nil
		}
	}
	return errors.E(errors.Op("store.markpushed"), errors.NotFound, fmt.Errorf("project %d not found", projectID))
}

func (tx *memoryTx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	tx.undo = nil
	tx.m.txLock.Unlock()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true

	m := tx.m
	m.mu.Lock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	m.mu.Unlock()

	tx.undo = nil
	m.txLock.Unlock()
	return nil
}
