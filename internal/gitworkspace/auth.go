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

package gitworkspace

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tombee/orchestrator/internal/config"
)

var supportedSchemes = []string{"https://", "http://", "ssh://", "git://", "git+ssh://"}

var scpStyleRe = regexp.MustCompile(`^([^@\s]+)@([^:\s]+):([^\s]+)$`)

// NormalizeURL validates cloneURL against the accepted schemes (§4.3
// step 1): https, http, ssh, git, git+ssh, and scp-style
// user@host:path. Anything else is rejected. Already-normalized URLs
// are a fixed point of this function.
func NormalizeURL(cloneURL string) (string, error) {
	trimmed := strings.TrimSpace(cloneURL)
	if trimmed == "" {
		return "", fmt.Errorf("gitworkspace: clone URL is empty")
	}
	for _, scheme := range supportedSchemes {
		if strings.HasPrefix(trimmed, scheme) {
			return trimmed, nil
		}
	}
	if scpStyleRe.MatchString(trimmed) {
		return trimmed, nil
	}
	return "", fmt.Errorf("gitworkspace: unsupported clone URL scheme: %q", cloneURL)
}

// GitHubSlug is an owner/repo pair parsed from a GitHub clone URL.
type GitHubSlug struct {
	Owner string
	Repo  string
}

var (
	githubHTTPSRe = regexp.MustCompile(`^(?:https?|git)://github\.com/([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)
	githubSSHURLRe = regexp.MustCompile(`^(?:ssh://)?git@github\.com[:/]([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)
)

// ParseGitHubSlug extracts an owner/repo slug from cloneURL if it
// addresses github.com, in any of the accepted forms. A malformed
// scp-style URL (e.g. containing a space after the host) does not
// match.
func ParseGitHubSlug(cloneURL string) (*GitHubSlug, bool) {
	if m := githubHTTPSRe.FindStringSubmatch(cloneURL); m != nil {
		return &GitHubSlug{Owner: m[1], Repo: strings.TrimSuffix(m[2], ".git")}, true
	}
	if m := githubSSHURLRe.FindStringSubmatch(cloneURL); m != nil {
		return &GitHubSlug{Owner: m[1], Repo: strings.TrimSuffix(m[2], ".git")}, true
	}
	if m := scpStyleRe.FindStringSubmatch(cloneURL); m != nil && m[2] == "github.com" {
		path := strings.TrimPrefix(m[3], "/")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) == 2 {
			return &GitHubSlug{Owner: parts[0], Repo: strings.TrimSuffix(parts[1], ".git")}, true
		}
	}
	return nil, false
}

// excludedSSHFiles never count as SSH key candidates even if their name
// would otherwise match.
var excludedSSHFiles = regexp.MustCompile(`(?i)^(known_hosts.*|config|authorized_keys.*|ssh_config)$|\.pub$`)

var sshKeyNameRe = regexp.MustCompile(`(?i)^id_.*$|\.(pem|key|ppk)$`)

const pemMarker = "PRIVATE KEY"

// DetectSSHCredentials implements the SSH credential detection order
// from §4.3: SSH_AUTH_SOCK existing, else a file under $HOME/.ssh
// matching the key-name heuristics or containing a PEM private-key
// marker in its first 4KB. WORKER_SSH_AVAILABLE=false forces false
// regardless of what is found on disk.
func DetectSSHCredentials(cfg *config.Config) (available bool, keyCandidate string) {
	if !cfg.WorkerSSHAvailable {
		return false, ""
	}
	if cfg.SSHAuthSock != "" {
		if _, err := os.Stat(cfg.SSHAuthSock); err == nil {
			return true, cfg.SSHAuthSock
		}
	}
	if cfg.Home == "" {
		return false, ""
	}
	sshDir := filepath.Join(cfg.Home, ".ssh")
	entries, err := os.ReadDir(sshDir)
	if err != nil {
		return false, ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if excludedSSHFiles.MatchString(name) {
			continue
		}
		path := filepath.Join(sshDir, name)
		if sshKeyNameRe.MatchString(name) {
			return true, path
		}
		if containsPEMMarker(path) {
			return true, path
		}
	}
	return false, ""
}

func containsPEMMarker(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	return bytes.Contains(buf[:n], []byte(pemMarker)) && bytes.Contains(buf[:n], []byte("BEGIN"))
}

// basicAuthHeader builds the http.<url>.extraheader value for a GitHub
// access token, per §4.3's HTTPS fallback step.
func basicAuthHeader(token string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return "Authorization: Basic " + encoded
}

// authContext renders the one-line auth-context string attached to
// clone/fetch failures: scheme, ssh availability flag, key candidate
// found, HOME.
func authContext(scheme string, sshAvailable bool, keyCandidate, home string) string {
	candidate := keyCandidate
	if candidate == "" {
		candidate = "none"
	}
	return fmt.Sprintf("scheme=%s ssh_available=%t key_candidate=%s home=%s", scheme, sshAvailable, candidate, home)
}
