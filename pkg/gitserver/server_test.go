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
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/go-cmp/cmp"

	"github.com/hostedgit/gitcore/internal/errors"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/store"
)

type testServer struct {
	url     string
	repos   *git.ProjectRepos
	project *store.Project
}

func (s *testServer) repoURL() string {
	return s.url + DefaultPathPrefix + "/" + s.project.Hash + ".git"
}

func (s *testServer) auth() *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: "anyone", Password: s.project.CloneToken}
}

func (s *testServer) openRepo(t *testing.T) *git.Repo {
	t.Helper()
	repo, err := s.repos.Open(context.Background(), s.project.Hash)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", s.project.Hash, err)
	}
	return repo
}

func startTestServer(t *testing.T, opts ...GitServerOption) *testServer {
	t.Helper()
	ctx := context.Background()

	repos, err := git.NewProjectRepos(t.TempDir())
	if err != nil {
		t.Fatalf("NewProjectRepos failed: %v", err)
	}
	hash, err := git.NewProjectHash()
	if err != nil {
		t.Fatalf("NewProjectHash failed: %v", err)
	}
	token, err := git.NewCloneToken()
	if err != nil {
		t.Fatalf("NewCloneToken failed: %v", err)
	}
	if _, err := repos.Create(ctx, hash); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	records := store.NewMemory()
	project, err := records.CreateProject(ctx, hash, token)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	gs, err := NewGitServer(repos, records, opts...)
	if err != nil {
		t.Fatalf("NewGitServer failed: %v", err)
	}
	srv := httptest.NewServer(gs)
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, repos: repos, project: project}
}

func cloneRepo(t *testing.T, s *testServer, depth int) *gogit.Repository {
	t.Helper()
	clone, err := gogit.CloneContext(context.Background(), memory.NewStorage(), memfs.New(), &gogit.CloneOptions{
		URL:   s.repoURL(),
		Auth:  s.auth(),
		Depth: depth,
	})
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	return clone
}

func commitFile(t *testing.T, repo *gogit.Repository, name, content string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}
	f, err := wt.Filesystem.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		t.Fatalf("Write(%q) failed: %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%q) failed: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("Add(%q) failed: %v", name, err)
	}
	hash, err := wt.Commit("Add "+name, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return hash
}

func push(s *testServer, repo *gogit.Repository, progress io.Writer, refSpecs ...string) error {
	specs := make([]config.RefSpec, 0, len(refSpecs))
	for _, spec := range refSpecs {
		specs = append(specs, config.RefSpec(spec))
	}
	return repo.PushContext(context.Background(), &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   specs,
		Auth:       s.auth(),
		Progress:   progress,
	})
}

func serverRef(t *testing.T, s *testServer, name plumbing.ReferenceName) (plumbing.Hash, bool) {
	t.Helper()
	ref, err := s.openRepo(t).Storer().Reference(name)
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, false
	} else if err != nil {
		t.Fatalf("Reference(%q) failed: %v", name, err)
	}
	return ref.Hash(), true
}

type recordingHook struct {
	mu       sync.Mutex
	projects []string
	commands []git.RefCommand
	err      error
}

func (h *recordingHook) NewHook(project *store.Project) ReceiveHook {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects = append(h.projects, project.Hash)
	return h
}

func (h *recordingHook) Receive(_ context.Context, commands []git.RefCommand, messages io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.commands = append(h.commands, commands...)
	for _, cmd := range commands {
		fmt.Fprintf(messages, "Seen: %s\n", cmd.RefName())
	}
	return nil
}

func (h *recordingHook) recorded() []git.RefCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]git.RefCommand(nil), h.commands...)
}

func TestCloneEmptyProject(t *testing.T) {
	s := startTestServer(t)
	clone := cloneRepo(t, s, 0)

	head, err := clone.Head()
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if got, want := head.Name(), git.DefaultMainReferenceName; got != want {
		t.Errorf("HEAD: got %q, want %q", got, want)
	}
	tip, _ := serverRef(t, s, git.DefaultMainReferenceName)
	if got, want := head.Hash(), tip; got != want {
		t.Errorf("main: got %s, want %s", got, want)
	}
}

func TestPushNewBranch(t *testing.T) {
	hook := &recordingHook{}
	s := startTestServer(t, WithHookFactory(hook))
	clone := cloneRepo(t, s, 0)
	start, _ := serverRef(t, s, git.DefaultMainReferenceName)

	commit := commitFile(t, clone, "README.md", "# feature\n")

	var progress bytes.Buffer
	if err := push(s, clone, &progress, "refs/heads/main:refs/heads/feature-x"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	got, ok := serverRef(t, s, "refs/heads/feature-x")
	if !ok || got != commit {
		t.Errorf("feature-x: got %s (exists %t), want %s", got, ok, commit)
	}
	if tip, _ := serverRef(t, s, git.DefaultMainReferenceName); tip != start {
		t.Errorf("main moved: got %s, want %s", tip, start)
	}

	want := []git.RefCommand{git.CreateRef{Name: "refs/heads/feature-x", New: commit}}
	if diff := cmp.Diff(want, hook.recorded()); diff != "" {
		t.Errorf("hook commands (-want, +got): %s", diff)
	}
	if !strings.Contains(progress.String(), "Seen: refs/heads/feature-x\n") {
		t.Errorf("progress %q does not relay hook messages", progress.String())
	}

	data, ok, err := s.openRepo(t).ReadFile(context.Background(), "feature-x", "README.md")
	if err != nil || !ok {
		t.Fatalf("ReadFile failed: %t, %v", ok, err)
	}
	if got, want := string(data), "# feature\n"; got != want {
		t.Errorf("README.md: got %q, want %q", got, want)
	}
}

func TestPushClassifiesUpdates(t *testing.T) {
	hook := &recordingHook{}
	s := startTestServer(t, WithHookFactory(hook))
	clone := cloneRepo(t, s, 0)
	start, _ := serverRef(t, s, git.DefaultMainReferenceName)

	first := commitFile(t, clone, "a.txt", "a\n")
	if err := push(s, clone, nil, "refs/heads/main:refs/heads/main"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	second := commitFile(t, clone, "b.txt", "b\n")
	if err := push(s, clone, nil, "refs/heads/main:refs/heads/main"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	// Rewind main to the first commit.
	if err := clone.Storer.SetReference(plumbing.NewHashReference("refs/heads/old", first)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if err := push(s, clone, nil, "+refs/heads/old:refs/heads/main"); err != nil {
		t.Fatalf("forced push failed: %v", err)
	}

	want := []git.RefCommand{
		git.UpdateRef{Name: git.DefaultMainReferenceName, Old: start, New: first},
		git.UpdateRef{Name: git.DefaultMainReferenceName, Old: first, New: second},
		git.NonFastForwardUpdate{Name: git.DefaultMainReferenceName, Old: second, New: first},
	}
	if diff := cmp.Diff(want, hook.recorded()); diff != "" {
		t.Errorf("hook commands (-want, +got): %s", diff)
	}
	if tip, _ := serverRef(t, s, git.DefaultMainReferenceName); tip != first {
		t.Errorf("main: got %s, want %s", tip, first)
	}
}

func TestDeleteBranchOverPush(t *testing.T) {
	hook := &recordingHook{}
	s := startTestServer(t, WithHookFactory(hook))
	clone := cloneRepo(t, s, 0)
	commit := commitFile(t, clone, "a.txt", "a\n")
	if err := push(s, clone, nil, "refs/heads/main:refs/heads/feature-x"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	if err := push(s, clone, nil, ":refs/heads/feature-x"); err != nil {
		t.Fatalf("delete push failed: %v", err)
	}
	if _, ok := serverRef(t, s, "refs/heads/feature-x"); ok {
		t.Errorf("feature-x still exists after delete")
	}
	got := hook.recorded()
	if diff := cmp.Diff(git.RefCommand(git.DeleteRef{Name: "refs/heads/feature-x", Old: commit}), got[len(got)-1]); diff != "" {
		t.Errorf("delete command (-want, +got): %s", diff)
	}
}

func TestDeleteMainRejected(t *testing.T) {
	hook := &recordingHook{}
	s := startTestServer(t, WithHookFactory(hook))
	clone := cloneRepo(t, s, 0)
	start, _ := serverRef(t, s, git.DefaultMainReferenceName)

	err := push(s, clone, nil, ":refs/heads/main")
	if err == nil {
		t.Fatalf("deleting main succeeded")
	}
	if !strings.Contains(err.Error(), "deletion of the main branch is prohibited") {
		t.Errorf("unexpected error: %v", err)
	}
	if tip, ok := serverRef(t, s, git.DefaultMainReferenceName); !ok || tip != start {
		t.Errorf("main: got %s (exists %t), want %s", tip, ok, start)
	}
	if got := hook.recorded(); len(got) != 0 {
		t.Errorf("hook ran for a rejected push: %v", got)
	}
}

func TestHookFailureRevertsRefs(t *testing.T) {
	hook := &recordingHook{err: goerrors.New("database is down")}
	s := startTestServer(t, WithHookFactory(hook))
	clone := cloneRepo(t, s, 0)
	start, _ := serverRef(t, s, git.DefaultMainReferenceName)
	commitFile(t, clone, "a.txt", "a\n")

	err := push(s, clone, nil, "refs/heads/main:refs/heads/main", "refs/heads/main:refs/heads/feature-x")
	if err == nil {
		t.Fatalf("push succeeded although the hook failed")
	}
	if tip, _ := serverRef(t, s, git.DefaultMainReferenceName); tip != start {
		t.Errorf("main: got %s, want %s", tip, start)
	}
	if _, ok := serverRef(t, s, "refs/heads/feature-x"); ok {
		t.Errorf("feature-x exists after a failed hook")
	}
}

func TestFetchAfterPush(t *testing.T) {
	s := startTestServer(t)
	writer := cloneRepo(t, s, 0)
	reader := cloneRepo(t, s, 0)

	commit := commitFile(t, writer, "a.txt", "a\n")
	if err := push(s, writer, nil, "refs/heads/main:refs/heads/main"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	if err := reader.FetchContext(context.Background(), &gogit.FetchOptions{Auth: s.auth()}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	ref, err := reader.Reference("refs/remotes/origin/main", true)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	if got, want := ref.Hash(), commit; got != want {
		t.Errorf("origin/main: got %s, want %s", got, want)
	}
}

func TestShallowClone(t *testing.T) {
	s := startTestServer(t)
	writer := cloneRepo(t, s, 0)
	commitFile(t, writer, "a.txt", "a\n")
	tip := commitFile(t, writer, "b.txt", "b\n")
	if err := push(s, writer, nil, "refs/heads/main:refs/heads/main"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	clone := cloneRepo(t, s, 1)
	shallows, err := clone.Storer.Shallow()
	if err != nil {
		t.Fatalf("Shallow failed: %v", err)
	}
	if diff := cmp.Diff([]plumbing.Hash{tip}, shallows); diff != "" {
		t.Errorf("shallow commits (-want, +got): %s", diff)
	}
	commit, err := clone.CommitObject(tip)
	if err != nil {
		t.Fatalf("CommitObject failed: %v", err)
	}
	files, err := commit.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	var names []string
	if err := files.ForEach(func(f *object.File) error {
		names = append(names, f.Name)
		return nil
	}); err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.txt", "b.txt"}, names); diff != "" {
		t.Errorf("files (-want, +got): %s", diff)
	}
}

func TestCloneAuthentication(t *testing.T) {
	s := startTestServer(t)

	for _, tc := range []struct {
		name string
		auth *githttp.BasicAuth
		want error
	}{
		{name: "missing", auth: nil, want: transport.ErrAuthenticationRequired},
		{name: "wrong token", auth: &githttp.BasicAuth{Username: "x", Password: "nope"}, want: transport.ErrAuthorizationFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := &gogit.CloneOptions{URL: s.repoURL()}
			if tc.auth != nil {
				opts.Auth = tc.auth
			}
			_, err := gogit.CloneContext(context.Background(), memory.NewStorage(), nil, opts)
			if !goerrors.Is(err, tc.want) {
				t.Errorf("Clone: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestServeHTTPStatus(t *testing.T) {
	s := startTestServer(t)
	unknown, err := git.NewProjectHash()
	if err != nil {
		t.Fatalf("NewProjectHash failed: %v", err)
	}
	base := s.url + DefaultPathPrefix + "/"

	for _, tc := range []struct {
		name     string
		path     string
		password string
		noAuth   bool
		want     int
	}{
		{name: "no credentials", path: s.project.Hash + "/info/refs?service=git-upload-pack", noAuth: true, want: http.StatusUnauthorized},
		{name: "wrong token", path: s.project.Hash + "/info/refs?service=git-upload-pack", password: "wrong", want: http.StatusForbidden},
		{name: "unknown project", path: unknown + "/info/refs?service=git-upload-pack", password: s.project.CloneToken, want: http.StatusForbidden},
		{name: "invalid project", path: "../etc/info/refs?service=git-upload-pack", password: s.project.CloneToken, want: http.StatusForbidden},
		{name: "dumb info/refs", path: s.project.Hash + "/info/refs", password: s.project.CloneToken, want: http.StatusNotFound},
		{name: "dumb HEAD", path: s.project.Hash + ".git/HEAD", password: s.project.CloneToken, want: http.StatusNotFound},
		{name: "dumb objects", path: s.project.Hash + "/objects/info/packs", password: s.project.CloneToken, want: http.StatusNotFound},
		{name: "upload-pack discovery", path: s.project.Hash + ".git/info/refs?service=git-upload-pack", password: s.project.CloneToken, want: http.StatusOK},
		{name: "receive-pack discovery", path: s.project.Hash + "/info/refs?service=git-receive-pack", password: s.project.CloneToken, want: http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+tc.path, nil)
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			if !tc.noAuth {
				req.SetBasicAuth("ignored", tc.password)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if got := resp.StatusCode; got != tc.want {
				t.Errorf("status: got %d, want %d", got, tc.want)
			}
			switch tc.want {
			case http.StatusUnauthorized:
				if got, want := resp.Header.Get("WWW-Authenticate"), `Basic realm="git"`; got != want {
					t.Errorf("WWW-Authenticate: got %q, want %q", got, want)
				}
				fallthrough
			case http.StatusForbidden, http.StatusNotFound:
				if got, want := strings.TrimSpace(string(body)), http.StatusText(tc.want); got != want {
					t.Errorf("body: got %q, want %q", got, want)
				}
			}
		})
	}
}

type failingFinder struct{}

func (failingFinder) FindProjectByHash(ctx context.Context, hash string) (*store.Project, error) {
	return nil, fmt.Errorf("database is down")
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemory()
	hash, err := git.NewProjectHash()
	if err != nil {
		t.Fatalf("NewProjectHash failed: %v", err)
	}
	unknown, err := git.NewProjectHash()
	if err != nil {
		t.Fatalf("NewProjectHash failed: %v", err)
	}
	if _, err := records.CreateProject(ctx, hash, "secret"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	repos, err := git.NewProjectRepos(t.TempDir())
	if err != nil {
		t.Fatalf("NewProjectRepos failed: %v", err)
	}

	for _, tc := range []struct {
		name     string
		finder   ProjectFinder
		hash     string
		password string
		noAuth   bool
		want     errors.Kind
		status   int
	}{
		{name: "no credentials", finder: records, hash: hash, noAuth: true, want: errors.Authentication, status: http.StatusUnauthorized},
		{name: "wrong token", finder: records, hash: hash, password: "wrong", want: errors.Authorization, status: http.StatusForbidden},
		{name: "unknown project", finder: records, hash: unknown, password: "secret", want: errors.Authorization, status: http.StatusForbidden},
		{name: "invalid hash", finder: records, hash: "NOT-HEX", password: "secret", want: errors.Authorization, status: http.StatusForbidden},
		{name: "store failure", finder: failingFinder{}, hash: hash, password: "secret", want: errors.Internal, status: http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gs, err := NewGitServer(repos, tc.finder)
			if err != nil {
				t.Fatalf("NewGitServer failed: %v", err)
			}
			req := httptest.NewRequest(http.MethodGet, DefaultPathPrefix+"/"+tc.hash+"/info/refs?service=git-upload-pack", nil)
			if !tc.noAuth {
				req.SetBasicAuth("ignored", tc.password)
			}

			_, err = gs.authenticate(req, tc.hash)
			if got := errors.KindOf(err); got != tc.want {
				t.Errorf("authenticate: got kind %v (%v), want %v", got, err, tc.want)
			}

			rec := httptest.NewRecorder()
			gs.ServeHTTP(rec, req)
			if got := rec.Code; got != tc.status {
				t.Errorf("status: got %d, want %d", got, tc.status)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != http.StatusText(tc.status) {
				t.Errorf("body: got %q, want %q", got, http.StatusText(tc.status))
			}
		})
	}

	gs, err := NewGitServer(repos, records)
	if err != nil {
		t.Fatalf("NewGitServer failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, DefaultPathPrefix+"/"+hash+"/info/refs?service=git-upload-pack", nil)
	req.SetBasicAuth("", "secret")
	project, err := gs.authenticate(req, hash)
	if err != nil {
		t.Fatalf("authenticate with the clone token failed: %v", err)
	}
	if got, want := project.Hash, hash; got != want {
		t.Errorf("project: got %q, want %q", got, want)
	}
}

func TestAdvertisement(t *testing.T) {
	s := startTestServer(t)
	req, err := http.NewRequest(http.MethodGet, s.repoURL()+"/info/refs?service=git-upload-pack", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.SetBasicAuth("", s.project.CloneToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if got, want := resp.Header.Get("Content-Type"), "application/x-git-upload-pack-advertisement"; got != want {
		t.Errorf("Content-Type: got %q, want %q", got, want)
	}
	tip, _ := serverRef(t, s, git.DefaultMainReferenceName)
	text := string(body)
	if !strings.HasPrefix(text, "001e# service=git-upload-pack\n0000") {
		t.Errorf("missing service header: %q", text)
	}
	head := strings.Index(text, tip.String()+" HEAD\x00")
	main := strings.Index(text, tip.String()+" refs/heads/main\n")
	if head < 0 || main < 0 || head > main {
		t.Errorf("HEAD must be advertised first: %q", text)
	}
	if !strings.Contains(text, "symref=HEAD:refs/heads/main") {
		t.Errorf("missing symref capability: %q", text)
	}
}

func TestWithPathPrefix(t *testing.T) {
	for _, tc := range []struct {
		prefix  string
		want    string
		wantErr bool
	}{
		{prefix: "/repos/", want: "/repos"},
		{prefix: "", want: ""},
		{prefix: "repos", wantErr: true},
	} {
		gs, err := NewGitServer(nil, nil, WithPathPrefix(tc.prefix))
		if tc.wantErr {
			if err == nil {
				t.Errorf("WithPathPrefix(%q) succeeded", tc.prefix)
			}
			continue
		}
		if err != nil {
			t.Fatalf("WithPathPrefix(%q) failed: %v", tc.prefix, err)
		}
		if gs.pathPrefix != tc.want {
			t.Errorf("WithPathPrefix(%q): got %q, want %q", tc.prefix, gs.pathPrefix, tc.want)
		}
	}
}
