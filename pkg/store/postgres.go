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
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	hash TEXT NOT NULL UNIQUE,
	internalclonetoken TEXT NOT NULL,
	haspushed BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS features (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	projectid BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
	createdat TIMESTAMPTZ NOT NULL,
	updatedat TIMESTAMPTZ NOT NULL,
	UNIQUE (projectid, name)
);
`

// Postgres is a Store backed by a PostgreSQL database.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &Postgres{}

// OpenPostgres connects to the database at dsn using the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Close closes the underlying database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// EnsureSchema creates the tables used by the store if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("cannot create schema: %w", err)
	}
	klog.Infof("database schema is up to date")
	return nil
}

func (p *Postgres) FindProjectByHash(ctx context.Context, hash string) (*Project, error) {
	const op errors.Op = "store.findproject"

	var project Project
	err := p.db.QueryRowContext(ctx,
		`SELECT id, hash, internalclonetoken, haspushed FROM projects WHERE hash = $1`, hash,
	).Scan(&project.ID, &project.Hash, &project.CloneToken, &project.HasPushed)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.E(op, errors.NotFound, fmt.Errorf("project %q not found", hash))
	case err != nil:
		return nil, errors.E(op, errors.Internal, err)
	}
	return &project, nil
}

func (p *Postgres) CreateProject(ctx context.Context, hash, cloneToken string) (*Project, error) {
	const op errors.Op = "store.createproject"

	project := Project{Hash: hash, CloneToken: cloneToken}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO projects (hash, internalclonetoken) VALUES ($1, $2) RETURNING id, haspushed`, hash, cloneToken,
	).Scan(&project.ID, &project.HasPushed)
	if err != nil {
		return nil, errors.E(op, classify(err), err)
	}
	return &project, nil
}

func (p *Postgres) DeleteProject(ctx context.Context, hash string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE hash = $1`, hash); err != nil {
		return errors.E(errors.Op("store.deleteproject"), errors.Internal, err)
	}
	return nil
}

func (p *Postgres) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.E(errors.Op("store.begin"), errors.Internal, err)
	}
	return &postgresTx{tx: tx, now: p.now}, nil
}

type postgresTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *postgresTx) CreateFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	now := t.now().UTC()
	f := Feature{Name: name, ProjectID: projectID, CreatedAt: now, UpdatedAt: now}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO features (name, projectid, createdat, updatedat) VALUES ($1, $2, $3, $3) RETURNING id`,
		name, projectID, now,
	).Scan(&f.ID)
	if err != nil {
		return nil, errors.E(errors.Op("store.createfeature"), classify(err), err)
	}
	return &f, nil
}

func (t *postgresTx) FindFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	const op errors.Op = "store.findfeature"

	var f Feature
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, name, projectid, createdat, updatedat FROM features WHERE projectid = $1 AND name = $2`,
		projectID, name,
	).Scan(&f.ID, &f.Name, &f.ProjectID, &f.CreatedAt, &f.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.E(op, errors.NotFound, fmt.Errorf("feature %q not found", name))
	case err != nil:
		return nil, errors.E(op, errors.Internal, err)
	}
	return &f, nil
}

func (t *postgresTx) DeleteFeature(ctx context.Context, projectID int64, name string) (*Feature, error) {
	const op errors.Op = "store.deletefeature"

	var f Feature
	err := t.tx.QueryRowContext(ctx,
		`DELETE FROM features WHERE projectid = $1 AND name = $2 RETURNING id, name, projectid, createdat, updatedat`,
		projectID, name,
	).Scan(&f.ID, &f.Name, &f.ProjectID, &f.CreatedAt, &f.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.E(op, errors.NotFound, fmt.Errorf("feature %q not found", name))
	case err != nil:
		return nil, errors.E(op, errors.Internal, err)
	}
	return &f, nil
}

func (t *postgresTx) MarkProjectPushed(ctx context.Context, projectID int64) error {
	const op errors.Op = "store.markpushed"

	res, err := t.tx.ExecContext(ctx, `UPDATE projects SET haspushed = TRUE WHERE id = $1`, projectID)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.E(op, errors.NotFound, fmt.Errorf("project %d not found", projectID))
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.E(errors.Op("store.commit"), errors.Internal, err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.E(errors.Op("store.rollback"), errors.Internal, err)
	}
	return nil
}

func classify(err error) errors.Kind {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
		return errors.Exist
	}
	return errors.Internal
}
