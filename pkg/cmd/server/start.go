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

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	errs "github.com/hostedgit/gitcore/internal/errors"
	"github.com/hostedgit/gitcore/pkg/analysis"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/gitserver"
	"github.com/hostedgit/gitcore/pkg/hook"
	"github.com/hostedgit/gitcore/pkg/store"
)

const (
	DefaultRepositoryRoot = "~/.gitcore/repositories"

	databaseURLEnv = "DATABASE_URL"
)

// ServerOptions contains the configuration of the git server.
type ServerOptions struct {
	Listen         string
	RepositoryRoot string
	PathPrefix     string
	DatabaseURL    string
	InitSchema     bool
	// Projects seeds the in-memory records, hash to clone token.
	Projects map[string]string

	AnalysisURL     string
	AnalysisTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	StdOut io.Writer
	StdErr io.Writer
}

// NewServerOptions returns a new ServerOptions
func NewServerOptions(out, errOut io.Writer) *ServerOptions {
	return &ServerOptions{
		StdOut: out,
		StdErr: errOut,
	}
}

// NewCommandStartServer provides a CLI handler for the 'server' command
// with a default ServerOptions.
func NewCommandStartServer(ctx context.Context, defaults *ServerOptions) *cobra.Command {
	o := *defaults
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve project repositories over smart HTTP",
		Long:  "Serve project repositories over smart HTTP, recording and analyzing every push",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if err := o.Complete(); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(ctx)
		},
	}

	o.AddFlags(cmd.Flags())

	return cmd
}

func (o *ServerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", ":8080", "Address the git server listens on.")
	fs.StringVar(&o.RepositoryRoot, "repository-root", DefaultRepositoryRoot, "Directory holding one bare repository per project.")
	fs.StringVar(&o.PathPrefix, "path-prefix", gitserver.DefaultPathPrefix, "URL path below which repositories are served.")
	fs.StringVar(&o.DatabaseURL, "database-url", "", "Postgres connection string for project records. Defaults to $"+databaseURLEnv+"; in-memory records when empty.")
	fs.BoolVar(&o.InitSchema, "init-schema", false, "Create missing database tables on start.")
	fs.StringToStringVar(&o.Projects, "project", nil, "HASH=TOKEN projects served without a database; repositories are created when missing. May be repeated.")
	fs.StringVar(&o.AnalysisURL, "analysis-url", "", "Base URL of the code analysis service. Pushes are not analyzed when empty.")
	fs.DurationVar(&o.AnalysisTimeout, "analysis-timeout", 0, "Upper bound for one analysis run; 0 waits until the service finishes.")
	fs.DurationVar(&o.ReadTimeout, "read-timeout", 10*time.Minute, "Maximum duration for reading a request.")
	fs.DurationVar(&o.WriteTimeout, "write-timeout", 0, "Maximum duration for writing a response, including the analysis of a push; 0 for none.")
}

// Complete fills in fields required to have valid data
func (o *ServerOptions) Complete() error {
	if o.DatabaseURL == "" {
		o.DatabaseURL = os.Getenv(databaseURLEnv)
	}
	if o.RepositoryRoot == "" {
		o.RepositoryRoot = DefaultRepositoryRoot
	}
	return nil
}

// Validate validates ServerOptions
func (o *ServerOptions) Validate(args []string) error {
	errors := []error{}
	if len(args) != 0 {
		errors = append(errors, fmt.Errorf("unexpected arguments %v", args))
	}
	if o.Listen == "" {
		errors = append(errors, fmt.Errorf("--listen must be set"))
	}
	if o.PathPrefix != "" && !strings.HasPrefix(o.PathPrefix, "/") {
		errors = append(errors, fmt.Errorf("--path-prefix %q must start with /", o.PathPrefix))
	}
	if o.AnalysisTimeout < 0 {
		errors = append(errors, fmt.Errorf("--analysis-timeout must not be negative"))
	}
	if o.ReadTimeout < 0 || o.WriteTimeout < 0 {
		errors = append(errors, fmt.Errorf("--read-timeout and --write-timeout must not be negative"))
	}
	if o.InitSchema && o.DatabaseURL == "" {
		errors = append(errors, fmt.Errorf("--init-schema requires a database"))
	}
	if len(o.Projects) > 0 && o.DatabaseURL != "" {
		errors = append(errors, fmt.Errorf("--project cannot be combined with a database"))
	}
	for hash, token := range o.Projects {
		if !git.IsProjectHashAllowed(hash) {
			errors = append(errors, fmt.Errorf("--project: invalid project hash %q", hash))
		}
		if token == "" {
			errors = append(errors, fmt.Errorf("--project: empty clone token for %q", hash))
		}
	}
	return utilerrors.NewAggregate(errors)
}

// Run starts the git server and blocks until ctx is done.
func (o *ServerOptions) Run(ctx context.Context) error {
	repos, err := git.NewProjectRepos(o.RepositoryRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(repos.Root(), 0o755); err != nil {
		return fmt.Errorf("cannot create repository root: %w", err)
	}

	records, closeStore, err := store.Open(ctx, o.DatabaseURL, o.InitSchema)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			klog.Warningf("error closing store: %v", err)
		}
	}()

	if o.DatabaseURL == "" {
		if len(o.Projects) == 0 {
			klog.Warningf("no database and no --project configured, every request will be refused")
		}
		if err := seedProjects(ctx, repos, records, o.Projects); err != nil {
			return err
		}
	}

	var svc analysis.Service
	if o.AnalysisURL != "" {
		client, err := analysis.NewClient(o.AnalysisURL)
		if err != nil {
			return err
		}
		svc = analysis.WithTimeout(client, o.AnalysisTimeout)
	} else {
		klog.Warningf("no analysis service configured, pushes are only recorded")
	}

	gs, err := gitserver.NewGitServer(repos, records,
		gitserver.WithPathPrefix(o.PathPrefix),
		gitserver.WithHookFactory(hook.NewFactory(records, svc)),
		gitserver.WithTimeouts(o.ReadTimeout, o.WriteTimeout),
	)
	if err != nil {
		return err
	}

	addressChannel := make(chan net.Addr, 1)
	go func() {
		if addr, ok := <-addressChannel; ok {
			fmt.Fprintf(o.StdOut, "listening on %s\n", addr)
		}
	}()
	return gs.ListenAndServe(ctx, o.Listen, addressChannel)
}

// seedProjects records the given projects, creating their repositories when
// they do not exist yet.
func seedProjects(ctx context.Context, repos *git.ProjectRepos, records store.Store, projects map[string]string) error {
	hashes := make([]string, 0, len(projects))
	for hash := range projects {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		if _, err := repos.Open(ctx, hash); err != nil {
			if !errs.Is(err, errs.NotFound) {
				return err
			}
			if _, err := repos.Create(ctx, hash); err != nil {
				return err
			}
		}
		if _, err := records.CreateProject(ctx, hash, projects[hash]); err != nil {
			return err
		}
		klog.Infof("serving project %s", hash)
	}
	return nil
}
