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

package container

import (
	"strconv"
	"strings"
)

const defaultMemoryBytes int64 = 2 << 30 // 2g

// ParseMemoryLimit parses "2g" -> 2*2^30, "512m" -> 512*2^20, bare
// bytes as an integer, and defaults malformed input to 2g, per §8's
// boundary table.
func ParseMemoryLimit(raw string) int64 {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return defaultMemoryBytes
	}

	var unit int64 = 1
	switch {
	case strings.HasSuffix(s, "g"):
		unit = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		unit = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		unit = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return defaultMemoryBytes
	}
	return n * unit
}
