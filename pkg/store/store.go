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

// Package store keeps the project and feature records that accompany the
// git repositories.
package store

import (
	"context"
	"time"
)

// Project is the record of one hosted project.
type Project struct {
	ID int64
	// Hash names the project's repository directory.
	Hash string
	// CloneToken authenticates git traffic for the project.
	CloneToken string
	// HasPushed is set once the first push was recorded.
	HasPushed bool
}

// Feature is the record of one branch of a project.
type Feature struct {
	ID        int64
	Name      string
	ProjectID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store gives access to the records. Lookups of missing records fail with
// an error of kind NotFound.
type Store interface {
	FindProjectByHash(ctx context.Context, hash string) (*Project, error)
	CreateProject(ctx context.Context, hash, cloneToken string) (*Project, error)
	DeleteProject(ctx context.Context, hash string) error

	// BeginTx starts a transaction independent of any other work in ctx.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx groups feature changes so that they become visible together.
// Rollback after Commit is a no-op.
type Tx interface {
	CreateFeature(ctx context.Context, projectID int64, name string) (*Feature, error)
	FindFeature(ctx context.Context, projectID int64, name string) (*Feature, error)
	// DeleteFeature removes the feature and returns the removed record.
	DeleteFeature(ctx context.Context, projectID int64, name string) (*Feature, error)
	MarkProjectPushed(ctx context.Context, projectID int64) error

	Commit() error
	Rollback() error
}
