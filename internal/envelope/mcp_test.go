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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateMCPConfig_EmptyIsValid(t *testing.T) {
	valid, count, diags := ValidateMCPConfig("")
	require.True(t, valid)
	require.Zero(t, count)
	require.Empty(t, diags)
}

func TestValidateMCPConfig_RejectsShellMetacharactersInArgs(t *testing.T) {
	valid, _, diags := ValidateMCPConfig(`{"servers":{"fs":{"command":"mcp-fs","args":["--root", "/tmp; rm -rf /"]}}}`)
	require.False(t, valid)
	require.NotEmpty(t, diags)
}

func TestValidateMCPConfig_RejectsInvalidServerName(t *testing.T) {
	valid, _, diags := ValidateMCPConfig(`{"servers":{"my server":{"command":"mcp-fs"}}}`)
	require.False(t, valid)
	require.Contains(t, diags[0], "invalid name")
}

func TestValidateMCPConfig_MalformedJSON(t *testing.T) {
	valid, count, diags := ValidateMCPConfig(`{not valid json`)
	require.False(t, valid)
	require.Zero(t, count)
	require.NotEmpty(t, diags)
}

func TestValidateMCPConfig_AllowsSensitiveEnvKeyPresence(t *testing.T) {
	valid, count, diags := ValidateMCPConfig(`{"servers":{"db":{"command":"/usr/local/bin/mcp-db","env":{"DB_PASSWORD":"x"}}}}`)
	require.True(t, valid)
	require.Equal(t, 1, count)
	require.Empty(t, diags)
}
