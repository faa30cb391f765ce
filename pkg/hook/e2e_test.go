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

package hook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedgit/gitcore/pkg/analysis"
	"github.com/hostedgit/gitcore/pkg/git"
	"github.com/hostedgit/gitcore/pkg/gitserver"
	"github.com/hostedgit/gitcore/pkg/store"
)

// pushFeature clones a fresh project from a git server wired to the push
// hook, commits a file and pushes it as feature-x. It returns the relayed
// progress output.
func pushFeature(t *testing.T, svc analysis.Service) (*store.Memory, *store.Project, string) {
	t.Helper()
	ctx := context.Background()

	repos, err := git.NewProjectRepos(t.TempDir())
	require.NoError(t, err)
	hash, err := git.NewProjectHash()
	require.NoError(t, err)
	token, err := git.NewCloneToken()
	require.NoError(t, err)
	_, err = repos.Create(ctx, hash)
	require.NoError(t, err)

	records := store.NewMemory()
	project, err := records.CreateProject(ctx, hash, token)
	require.NoError(t, err)

	gs, err := gitserver.NewGitServer(repos, records, gitserver.WithHookFactory(NewFactory(records, svc)))
	require.NoError(t, err)
	server := httptest.NewServer(gs)
	t.Cleanup(server.Close)

	auth := &githttp.BasicAuth{Username: "git", Password: token}
	clone, err := gogit.CloneContext(ctx, memory.NewStorage(), memfs.New(), &gogit.CloneOptions{
		URL:  server.URL + gitserver.DefaultPathPrefix + "/" + hash + ".git",
		Auth: auth,
	})
	require.NoError(t, err)

	wt, err := clone.Worktree()
	require.NoError(t, err)
	f, err := wt.Filesystem.Create("main.go")
	require.NoError(t, err)
	_, err = f.Write([]byte("package main\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("Add main.go", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	var progress bytes.Buffer
	err = clone.PushContext(ctx, &gogit.PushOptions{
		RefSpecs: []config.RefSpec{"refs/heads/main:refs/heads/feature-x"},
		Auth:     auth,
		Progress: &progress,
	})
	require.NoError(t, err)

	return records, project, progress.String()
}

func TestPushRecordsAndAnalyzes(t *testing.T) {
	featureIDs := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		featureIDs <- r.URL.Query().Get("feature_id")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"step\":\"Analyzing code\",\"status\":\"IN_PROGRESS\",\"progress\":null}\r\n\r\n")
		fmt.Fprint(w, ": ping\r\n\r\n")
		fmt.Fprint(w, "data: {\"step\":\"Building code graph\",\"status\":\"IN_PROGRESS\",\"progress\":0.5}\r\n\r\n")
		fmt.Fprint(w, "data: {\"step\":\"Building code graph\",\"status\":\"COMPLETED\",\"progress\":100.0}\r\n\r\n")
	}))
	defer backend.Close()

	svc, err := analysis.NewClient(backend.URL)
	require.NoError(t, err)

	records, project, progress := pushFeature(t, svc)

	features := records.Features(project.ID)
	require.Len(t, features, 1)
	assert.Equal(t, "feature-x", features[0].Name)
	assert.Equal(t, fmt.Sprint(features[0].ID), <-featureIDs)

	assert.Contains(t, progress, "Created: feature-x\n")
	assert.Contains(t, progress, "Building code graph: 50%")
	assert.Contains(t, progress, "Building code graph: COMPLETED\n")
}

func TestPushSucceedsWithoutAnalysisBackend(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	svc, err := analysis.NewClient(url)
	require.NoError(t, err)

	records, project, progress := pushFeature(t, svc)

	features := records.Features(project.ID)
	require.Len(t, features, 1)
	assert.Equal(t, "feature-x", features[0].Name)

	assert.Contains(t, progress, "Created: feature-x\n")
	assert.Contains(t, progress, "Analysis: ERROR\n")
}
