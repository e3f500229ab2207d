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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	cases := map[string]int64{
		"2g":       2 << 30,
		"512m":     512 << 20,
		"1024":     1024,
		"garbage":  defaultMemoryBytes,
		"":         defaultMemoryBytes,
		"-5m":      defaultMemoryBytes,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseMemoryLimit(in), in)
	}
}
