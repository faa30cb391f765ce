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

// Package gitserver serves project repositories over the smart HTTP git
// protocol. Every request is authenticated with the project's clone token.
package gitserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

var tracer = otel.Tracer("gitserver")

const (
	DefaultPathPrefix = "/git"

	uploadPackService  = "git-upload-pack"
	receivePackService = "git-receive-pack"

	authRealm = `Basic realm="git"`
)

// ProjectFinder resolves project records by hash.
type ProjectFinder interface {
	FindProjectByHash(ctx context.Context, hash string) (*store.Project, error)
}

// GitServer implements the smart HTTP transport for all project
// repositories under one path prefix.
type GitServer struct {
	repos    *git.ProjectRepos
	projects ProjectFinder
	hooks    HookFactory

	pathPrefix   string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewGitServer constructs a GitServer for repos, authenticating against the
// clone tokens known to projects.
func NewGitServer(repos *git.ProjectRepos, projects ProjectFinder, opts ...GitServerOption) (*GitServer, error) {
	gs := &GitServer{
		repos:       repos,
		projects:    projects,
		hooks:       noHooks{},
		pathPrefix:  DefaultPathPrefix,
		readTimeout: 10 * time.Minute,
	}

	for _, opt := range opts {
		if err := opt.apply(gs); err != nil {
			return nil, err
		}
	}

	return gs, nil
}

// ListenAndServe starts the git server on "listen".
// The address we actually start listening on will be posted to addressChannel
func (s *GitServer) ListenAndServe(ctx context.Context, listen string, addressChannel chan<- net.Addr) error {
	httpServer := &http.Server{
		Addr:    listen,
		Handler: otelhttp.NewHandler(s, "gitserver"),
		// Pushes stay open while the analysis runs, so only the request is
		// bounded by default.
		ReadTimeout:    s.readTimeout,
		WriteTimeout:   s.writeTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		if addressChannel != nil {
			close(addressChannel)
		}
		return err
	}

	ctxWithCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctxWithCancel.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			klog.Warningf("error from git httpServer.Shutdown: %v", err)
		}
		if err := httpServer.Close(); err != nil {
			klog.Warningf("error from git httpServer.Close: %v", err)
		}
	}()

	if addressChannel != nil {
		addressChannel <- ln.Addr()
	}

	klog.Infof("serving git repositories from %s on %s%s", s.repos.Root(), ln.Addr(), s.pathPrefix)
	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP is the entrypoint for http requests.
func (s *GitServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := s.serveRequest(w, r)
	if err == nil {
		return
	}
	switch errors.KindOf(err) {
	case errors.Authentication:
		klog.V(2).Infof("401 for %s %s: %v", r.Method, r.URL.Path, err)
		w.Header().Set("WWW-Authenticate", authRealm)
		httpError(w, http.StatusUnauthorized)
	case errors.Authorization:
		klog.V(2).Infof("403 for %s %s: %v", r.Method, r.URL.Path, err)
		httpError(w, http.StatusForbidden)
	default:
		klog.Warningf("internal error from %s %s: %v", r.Method, r.URL.Path, err)
		httpError(w, http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}

// serveRequest is the main dispatcher for http requests.
// Paths look like <prefix>/<project hash>[.git]/<git path>.
func (s *GitServer) serveRequest(w http.ResponseWriter, r *http.Request) error {
	rest, ok := strings.CutPrefix(r.URL.Path, s.pathPrefix+"/")
	if !ok {
		klog.V(2).Infof("404 for %s %s (outside %s)", r.Method, r.URL.Path, s.pathPrefix)
		httpError(w, http.StatusNotFound)
		return nil
	}
	hash, gitPath, ok := strings.Cut(rest, "/")
	if !ok || hash == "" {
		httpError(w, http.StatusNotFound)
		return nil
	}
	hash = strings.TrimSuffix(hash, ".git")

	project, err := s.authenticate(r, hash)
	if err != nil {
		return err
	}

	var handle func(http.ResponseWriter, *http.Request, *git.Repo, *store.Project) error
	switch {
	case gitPath == "info/refs" && r.Method == http.MethodGet:
		handle = s.serveGitInfoRefs
	case gitPath == uploadPackService && r.Method == http.MethodPost:
		handle = s.serveGitUploadPack
	case gitPath == receivePackService && r.Method == http.MethodPost:
		handle = s.serveGitReceivePack
	default:
		// Static (dumb protocol) files are never served.
		klog.V(2).Infof("404 for %s %s", r.Method, r.URL.Path)
		httpError(w, http.StatusNotFound)
		return nil
	}

	repo, err := s.repos.Open(r.Context(), project.Hash)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			klog.Warningf("404 for %s %s: project %s has no repository", r.Method, r.URL.Path, project.Hash)
			httpError(w, http.StatusNotFound)
			return nil
		}
		return err
	}

	return handle(w, r, repo, project)
}

// authenticate checks the Basic credentials of r against the clone token of
// the project. The user name is ignored.
func (s *GitServer) authenticate(r *http.Request, hash string) (*store.Project, error) {
	const op errors.Op = "gitserver.authenticate"

	_, password, ok := r.BasicAuth()
	if !ok {
		return nil, errors.E(op, errors.Authentication, "no basic credentials")
	}

	if !git.IsProjectHashAllowed(hash) {
		return nil, errors.E(op, errors.Authorization, fmt.Errorf("invalid project hash %q", hash))
	}

	project, err := s.projects.FindProjectByHash(r.Context(), hash)
	switch {
	case errors.Is(err, errors.NotFound):
		return nil, errors.E(op, errors.Authorization, fmt.Errorf("unknown project %q", hash))
	case err != nil:
		return nil, errors.E(op, errors.Internal, err)
	}

	if password != project.CloneToken {
		return nil, errors.E(op, errors.Authorization, fmt.Errorf("clone token mismatch for project %q", hash))
	}
	return project, nil
}

// Options

type GitServerOption interface {
	apply(*GitServer) error
}

type gitServerOptionFunc func(*GitServer) error

func (f gitServerOptionFunc) apply(s *GitServer) error {
	return f(s)
}

// WithPathPrefix serves repositories below prefix instead of /git.
func WithPathPrefix(prefix string) GitServerOption {
	return gitServerOptionFunc(func(s *GitServer) error {
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix != "" && !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("path prefix %q must start with /", prefix)
		}
		s.pathPrefix = prefix
		return nil
	})
}

// WithHookFactory installs the factory creating one hook per push.
func WithHookFactory(f HookFactory) GitServerOption {
	return gitServerOptionFunc(func(s *GitServer) error {
		s.hooks = f
		return nil
	})
}

// WithTimeouts sets the read and write timeouts used by ListenAndServe.
// Zero means no timeout.
func WithTimeouts(read, write time.Duration) GitServerOption {
	return gitServerOptionFunc(func(s *GitServer) error {
		if read < 0 || write < 0 {
			return fmt.Errorf("timeouts must not be negative")
		}
		s.readTimeout = read
		s.writeTimeout = write
		return nil
	})
}
