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

package envelope

import (
	"io/fs"
	"path/filepath"

	"github.com/tombee/orchestrator/internal/domain"
)

// extractArtifacts walks workspaceHostPath, recording files as
// artifacts until either policy.MaxArtifacts or
// policy.MaxTotalBytes is reached (§4.6 step 4). A zero policy value
// means "unbounded" for that dimension.
func extractArtifacts(workspaceHostPath string, policy domain.ArtifactPolicy) (artifacts []domain.Artifact, totalBytes int64) {
	if workspaceHostPath == "" {
		return nil, 0
	}

	_ = filepath.WalkDir(workspaceHostPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort extraction, a single unreadable entry is skipped
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if policy.MaxArtifacts > 0 && len(artifacts) >= policy.MaxArtifacts {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		size := info.Size()
		if policy.MaxTotalBytes > 0 && totalBytes+size > policy.MaxTotalBytes {
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(workspaceHostPath, path)
		if err != nil {
			rel = path
		}
		artifacts = append(artifacts, domain.Artifact{Path: rel, SizeBytes: size})
		totalBytes += size
		return nil
	})

	return artifacts, totalBytes
}
