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
	"context"
	"fmt"
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
)

// Finalize runs the post-run algorithm: for a successful envelope, it
// commits and pushes any diff produced against ws.MainBranch, mutating
// envelope in place to reflect the outcome (Obsolete on no-diff, Failed
// on a push failure). For a non-successful envelope it stamps
// gitWorkflow=skipped and returns without touching the filesystem. The
// caller must still hold the per-task lock returned by Prepare.
func (m *Manager) Finalize(ctx context.Context, ws *domain.WorkspaceContext, envelope *domain.RunEnvelope, taskID, runID string) {
	if envelope.Status != domain.EnvelopeSucceeded {
		envelope.SetMetadata("gitWorkflow", "skipped")
		envelope.SetMetadata("gitWorkflowReason", "non-success-run")
		return
	}

	if err := m.ensureMainCheckedOut(ctx, ws); err != nil {
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Git commit/push failed"
		envelope.Error = err.Error()
		envelope.SetMetadata("gitWorkflow", "failed")
		envelope.SetMetadata("gitFailure", err.Error())
		return
	}

	status, err := m.r.run(ctx, ws.WorkspacePath, "status", "git", []string{"status", "--porcelain"})
	if err != nil {
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Git commit/push failed"
		envelope.Error = err.Error()
		envelope.SetMetadata("gitWorkflow", "failed")
		envelope.SetMetadata("gitFailure", err.Error())
		return
	}
	if strings.TrimSpace(status) == "" {
		m.markObsolete(envelope)
		return
	}

	if _, err := m.r.run(ctx, ws.WorkspacePath, "add", "git", []string{"add", "-A"}); err != nil {
		m.fail(envelope, err)
		return
	}

	name, email := m.cfg.CommitIdentity()
	if _, err := m.r.run(ctx, ws.WorkspacePath, "config user.name", "git", []string{"config", "user.name", name}); err != nil {
		m.fail(envelope, err)
		return
	}
	if _, err := m.r.run(ctx, ws.WorkspacePath, "config user.email", "git", []string{"config", "user.email", email}); err != nil {
		m.fail(envelope, err)
		return
	}

	commitMsg := fmt.Sprintf("agent task %s: run %s", taskID, runID)
	if _, err := m.r.run(ctx, ws.WorkspacePath, "commit", "git", []string{"commit", "-m", commitMsg}); err != nil {
		// "Nothing to commit" is not an error.
		if !strings.Contains(err.Error(), "nothing to commit") {
			m.fail(envelope, err)
			return
		}
	}

	headAfterRaw, err := m.r.run(ctx, ws.WorkspacePath, "rev-parse", "git", []string{"rev-parse", "HEAD"})
	if err != nil {
		m.fail(envelope, err)
		return
	}
	headAfter := strings.TrimSpace(headAfterRaw)
	if headAfter == ws.HeadCommitBeforeRun {
		m.markObsolete(envelope)
		return
	}

	if _, err := m.r.run(ctx, ws.WorkspacePath, "push", "git", []string{"push", "origin", ws.MainBranch}); err != nil {
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Git commit/push failed"
		envelope.SetMetadata("gitWorkflow", "failed")
		envelope.SetMetadata("gitFailure", err.Error())
		return
	}

	envelope.SetMetadata("gitWorkflow", "main-pushed")
}

func (m *Manager) ensureMainCheckedOut(ctx context.Context, ws *domain.WorkspaceContext) error {
	_, err := m.r.run(ctx, ws.WorkspacePath, "checkout", "git", []string{"checkout", ws.MainBranch})
	return err
}

func (m *Manager) markObsolete(envelope *domain.RunEnvelope) {
	envelope.Status = domain.EnvelopeSucceeded
	envelope.Summary = "No changes produced"
	envelope.SetMetadata("runDisposition", "obsolete")
	envelope.SetMetadata("obsoleteReason", "no-diff")
}

func (m *Manager) fail(envelope *domain.RunEnvelope, err error) {
	envelope.Status = domain.EnvelopeFailed
	envelope.Summary = "Git commit/push failed"
	envelope.Error = err.Error()
	envelope.SetMetadata("gitWorkflow", "failed")
	envelope.SetMetadata("gitFailure", err.Error())
}
