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

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	orphansDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orphans_detected_count",
			Help: "Total containers found labeled with an orchestrator run id not in the worker's active set",
		},
	)

	orphansRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orphans_removed_count",
			Help: "Total orphaned containers force-removed by the reconciler",
		},
	)
)
