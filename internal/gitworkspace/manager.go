// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gitworkspace implements the per-task serialized Git workspace
// lifecycle (C3): clone/fetch/reset/commit/push with an SSH → gh →
// HTTPS auth fallback chain. It is the hardest subsystem in the core,
// grounded on the teacher's os/exec process-spawning idiom
// (internal/lifecycle/spawn.go) generalized from a detached daemon
// process to a synchronous, output-capturing git/gh invocation.
package gitworkspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/orchestrator/internal/config"
	"github.com/tombee/orchestrator/internal/domain"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// Manager prepares and finalizes per-task git workspaces under root.
type Manager struct {
	root  string
	cfg   *config.Config
	locks *keyedMutexStore
	r     *runner
}

// New creates a Manager rooted at workspacesRoot.
func New(workspacesRoot string, cfg *config.Config) *Manager {
	return &Manager{
		root:  workspacesRoot,
		cfg:   cfg,
		locks: newKeyedMutexStore(),
		r:     &runner{cfg: cfg},
	}
}

// safe sanitizes an id for use as a path segment: '/' and '\' become
// '-'; an empty id becomes "unknown".
func safe(id string) string {
	if id == "" {
		return "unknown"
	}
	id = strings.ReplaceAll(id, "/", "-")
	id = strings.ReplaceAll(id, "\\", "-")
	return id
}

// Path returns the stable on-disk path for (repoId, taskId).
func (m *Manager) Path(repoID, taskID string) string {
	return filepath.Join(m.root, safe(repoID), "tasks", safe(taskID))
}

// lockKey returns the per-task mutex key for (repoId, taskId).
func lockKey(repoID, taskID string) string {
	return repoID + ":" + taskID
}

// resolveMainBranch implements §4.3's branch resolution precedence:
// env.DEFAULT_BRANCH, else request.branch, else "main".
func (m *Manager) resolveMainBranch(req *domain.RunRequest) string {
	if m.cfg.DefaultBranch != "" {
		return m.cfg.DefaultBranch
	}
	if req.Branch != "" {
		return req.Branch
	}
	return "main"
}

// Prepare runs the pre-run algorithm and returns a WorkspaceContext
// plus a release func the caller must invoke (after Finalize) once the
// run pipeline is done with the workspace. On error Prepare releases
// the lock itself and returns a nil release func. The per-task lock
// is held from the moment Prepare returns successfully until release
// is called.
func (m *Manager) Prepare(ctx context.Context, req *domain.RunRequest) (*domain.WorkspaceContext, func(), error) {
	release := m.locks.Lock(lockKey(req.RepositoryID, req.TaskID))

	ws, err := m.prepareLocked(ctx, req)
	if err != nil {
		release()
		return nil, nil, err
	}
	return ws, release, nil
}

func (m *Manager) prepareLocked(ctx context.Context, req *domain.RunRequest) (*domain.WorkspaceContext, error) {
	normalizedURL, err := NormalizeURL(req.CloneURL)
	if err != nil {
		return nil, err
	}

	path := m.Path(req.RepositoryID, req.TaskID)
	mainBranch := m.resolveMainBranch(req)

	gitDir := filepath.Join(path, ".git")
	needsClone := true
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		needsClone = false
	}

	var auth domain.GitAuth
	if needsClone {
		if err := os.RemoveAll(path); err != nil {
			return nil, orcherrors.Wrapf(err, "gitworkspace: wipe %s before clone", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, orcherrors.Wrap(err, "gitworkspace: create workspace parent dir")
		}
		auth, err = m.cloneFallbackChain(ctx, normalizedURL, path, mainBranch)
		if err != nil {
			return nil, err
		}
	} else {
		if err := m.setOrigin(ctx, path, normalizedURL); err != nil {
			return nil, err
		}
	}

	if _, err := m.r.run(ctx, path, "fetch", "git", []string{"fetch", "--prune", "origin"}); err != nil {
		if ParseGitHubSlugOK(normalizedURL) {
			if err := os.RemoveAll(path); err != nil {
				return nil, orcherrors.Wrapf(err, "gitworkspace: wipe %s for re-clone", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, orcherrors.Wrap(err, "gitworkspace: create workspace parent dir")
			}
			auth, err = m.cloneFallbackChain(ctx, normalizedURL, path, mainBranch)
			if err != nil {
				return nil, err
			}
			if _, err := m.r.run(ctx, path, "fetch", "git", []string{"fetch", "--prune", "origin"}); err != nil {
				return nil, m.withAuthCtx(err, auth)
			}
		} else {
			return nil, m.withAuthCtx(err, auth)
		}
	}

	if _, err := m.r.run(ctx, path, "checkout", "git", []string{"checkout", mainBranch}); err != nil {
		if _, err := m.r.run(ctx, path, "checkout -B", "git", []string{"checkout", "-B", mainBranch, "origin/" + mainBranch}); err != nil {
			return nil, err
		}
	}

	if _, err := m.r.run(ctx, path, "reset", "git", []string{"reset", "--hard", "origin/" + mainBranch}); err != nil {
		return nil, err
	}
	if _, err := m.r.run(ctx, path, "clean", "git", []string{"clean", "-fd"}); err != nil {
		return nil, err
	}

	headBefore, err := m.r.run(ctx, path, "rev-parse", "git", []string{"rev-parse", "HEAD"})
	if err != nil {
		return nil, err
	}

	return &domain.WorkspaceContext{
		WorkspacePath:       path,
		MainBranch:          mainBranch,
		HeadCommitBeforeRun: strings.TrimSpace(headBefore),
		GitAuth:             auth,
	}, nil
}

func (m *Manager) setOrigin(ctx context.Context, path, url string) error {
	if _, err := m.r.run(ctx, path, "remote set-url", "git", []string{"remote", "set-url", "origin", url}); err != nil {
		if _, err2 := m.r.run(ctx, path, "remote add", "git", []string{"remote", "add", "origin", url}); err2 != nil {
			return err
		}
	}
	return nil
}

// ParseGitHubSlugOK reports whether url addresses a GitHub repository,
// independent of the owner/repo it resolves to.
func ParseGitHubSlugOK(url string) bool {
	_, ok := ParseGitHubSlug(url)
	return ok
}

func (m *Manager) withAuthCtx(err error, auth domain.GitAuth) error {
	var cmdErr *CommandError
	if orcherrors.As(err, &cmdErr) {
		cmdErr.AuthCtx = authContext(auth.Scheme, auth.SSHAvailable, auth.KeyCandidate, m.cfg.Home)
	}
	return err
}

// cloneFallbackChain implements §4.3's GitHub-aware clone fallback
// chain: SSH (if credentials available) → gh repo clone → HTTPS with a
// token header → (non-GitHub URLs) a single direct clone.
func (m *Manager) cloneFallbackChain(ctx context.Context, normalizedURL, path, mainBranch string) (domain.GitAuth, error) {
	slug, isGitHub := ParseGitHubSlug(normalizedURL)
	sshAvailable, keyCandidate := DetectSSHCredentials(m.cfg)

	if !isGitHub {
		auth := domain.GitAuth{Scheme: "direct", SSHAvailable: sshAvailable, KeyCandidate: keyCandidate, RewrittenURL: normalizedURL}
		if _, err := m.r.run(ctx, "", "clone", "git", []string{"clone", normalizedURL, path}); err != nil {
			return auth, m.withAuthCtx(err, auth)
		}
		return auth, nil
	}

	var attempts []string

	if sshAvailable {
		sshURL := fmt.Sprintf("git@github.com:%s/%s.git", slug.Owner, slug.Repo)
		auth := domain.GitAuth{Scheme: "ssh", SSHAvailable: true, KeyCandidate: keyCandidate, RewrittenURL: sshURL}
		if _, err := m.r.run(ctx, "", "clone", "git", []string{"clone", sshURL, path}); err == nil {
			return auth, nil
		} else {
			attempts = append(attempts, m.withAuthCtx(err, auth).Error())
		}
	}

	{
		token := m.cfg.GitHubAuthToken()
		ghEnv := []string{}
		if token != "" {
			ghEnv = append(ghEnv, "GH_TOKEN="+token, "GITHUB_TOKEN="+token)
		}
		auth := domain.GitAuth{Scheme: "gh", SSHAvailable: sshAvailable, KeyCandidate: keyCandidate}
		if _, err := m.r.run(ctx, "", "gh clone", "gh", []string{"repo", "clone", slug.Owner + "/" + slug.Repo, path, "--", "--branch", mainBranch}, ghEnv...); err == nil {
			return auth, nil
		} else {
			attempts = append(attempts, m.withAuthCtx(err, auth).Error())
		}
	}

	httpsURL := fmt.Sprintf("https://github.com/%s/%s.git", slug.Owner, slug.Repo)
	auth := domain.GitAuth{Scheme: "https", SSHAvailable: sshAvailable, KeyCandidate: keyCandidate, RewrittenURL: httpsURL}
	args := []string{"clone", httpsURL, path}
	if token := m.cfg.GitHubAuthToken(); token != "" {
		header := basicAuthHeader(token)
		auth.ExtraHeader = header
		args = []string{"-c", "http." + httpsURL + ".extraheader=" + header, "clone", httpsURL, path}
	}
	if _, err := m.r.run(ctx, "", "clone", "git", args); err == nil {
		return auth, nil
	} else {
		attempts = append(attempts, m.withAuthCtx(err, auth).Error())
	}

	return domain.GitAuth{}, fmt.Errorf("gitworkspace: all clone strategies failed: %s", strings.Join(attempts, " | "))
}
