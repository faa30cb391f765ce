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

// Package repo implements the commands managing project repositories.
package repo

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/pkg/cmd/server"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

// Options configures where repositories and their records live.
type Options struct {
	RepositoryRoot string
	DatabaseURL    string

	StdOut io.Writer

	// openStore connects to the records database; store.Open unless set.
	openStore func(ctx context.Context, dsn string) (store.Store, func() error, error)
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.RepositoryRoot, "repository-root", server.DefaultRepositoryRoot, "Directory holding one bare repository per project.")
	fs.StringVar(&o.DatabaseURL, "database-url", "", "Postgres connection string for project records. Defaults to $DATABASE_URL.")
}

func (o *Options) complete() {
	if o.DatabaseURL == "" {
		o.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}

// validate rejects an empty database URL: records written to an in-memory
// store are gone when the command exits, and no server could accept the
// printed clone token.
func (o *Options) validate() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("a database is required: set --database-url or $DATABASE_URL")
	}
	return nil
}

// NewCommand returns the 'repo' command group.
func NewCommand(ctx context.Context, out io.Writer) *cobra.Command {
	o := &Options{StdOut: out}
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage project repositories",
	}
	o.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a project repository and print its hash and clone token",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			o.complete()
			_, err := o.Create(ctx)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete HASH",
		Short: "Delete a project repository and its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			o.complete()
			return o.Delete(ctx, args[0])
		},
	})
	return cmd
}

// Create makes a new project with a fresh hash and clone token.
func (o *Options) Create(ctx context.Context) (*store.Project, error) {
	repos, records, closeStore, err := o.open(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	hash, err := git.NewProjectHash()
	if err != nil {
		return nil, err
	}
	token, err := git.NewCloneToken()
	if err != nil {
		return nil, err
	}

	if _, err := repos.Create(ctx, hash); err != nil {
		return nil, err
	}
	project, err := records.CreateProject(ctx, hash, token)
	if err != nil {
		if err := repos.Delete(ctx, hash); err != nil {
			klog.Warningf("cannot remove repository of unrecorded project %s: %v", hash, err)
		}
		return nil, err
	}

	fmt.Fprintf(o.StdOut, "project:     %s\n", project.Hash)
	fmt.Fprintf(o.StdOut, "clone token: %s\n", project.CloneToken)
	return project, nil
}

// Delete removes the repository and the records of a project.
func (o *Options) Delete(ctx context.Context, hash string) error {
	repos, records, closeStore, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := repos.Delete(ctx, hash); err != nil {
		return err
	}
	if err := records.DeleteProject(ctx, hash); err != nil {
		return err
	}
	fmt.Fprintf(o.StdOut, "deleted %s\n", hash)
	return nil
}

func (o *Options) open(ctx context.Context) (*git.ProjectRepos, store.Store, func() error, error) {
	if err := o.validate(); err != nil {
		return nil, nil, nil, err
	}
	repos, err := git.NewProjectRepos(o.RepositoryRoot)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := os.MkdirAll(repos.Root(), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("cannot create repository root: %w", err)
	}
	openStore := o.openStore
	if openStore == nil {
		openStore = func(ctx context.Context, dsn string) (store.Store, func() error, error) {
			return store.Open(ctx, dsn, false)
		}
	}
	records, closeStore, err := openStore(ctx, o.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return repos, records, closeStore, nil
}
