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

/*
Package lifecycle guards the worker daemon's on-disk PID file, the
single piece of process-lifecycle state orchestrator-worker needs:
PIDFilePath from internal/config, used by cmd/orchestrator-worker to
make sure two instances never bind the same GATEWAY_ADDR/METRICS_ADDR
pair with conflicting idea of who owns them.

PID files are security-sensitive, since they control which process
receives shutdown signals. PIDFileManager uses exclusive file locking
(flock) and atomic creation (O_EXCL) to prevent race conditions and
symlink attacks:

	manager := lifecycle.NewPIDFileManager(cfg.PIDFilePath)
	if err := manager.Create(os.Getpid()); err != nil {
	    // another worker instance already owns this path
	}
	defer manager.Remove()

Process spawning, health polling and lifecycle event logging are not
part of this package's scope: orchestrator-worker runs in the
foreground under a process supervisor (systemd, a container runtime)
rather than daemonizing or spawning itself, so there is nothing here
that plays the role of a detach-and-health-check launcher.
*/
package lifecycle
