package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		want  Entry
		valid bool
	}{
		{name: "blank", line: "   ", valid: false},
		{name: "comment only", line: "# mainnet peers", valid: false},
		{
			name:  "rpc only",
			line:  "rpc.example.org:26657",
			want:  Entry{RPC: "http://rpc.example.org:26657"},
			valid: true,
		},
		{
			name:  "all fields with commas",
			line:  "https://rpc.example.org/, https://api.example.org,grpc.example.org:9090",
			want:  Entry{RPC: "https://rpc.example.org", REST: "https://api.example.org", GRPC: "grpc.example.org:9090"},
			valid: true,
		},
		{
			name:  "trailing comment",
			line:  "http://10.0.0.1:26657 http://10.0.0.1:1317 # local",
			want:  Entry{RPC: "http://10.0.0.1:26657", REST: "http://10.0.0.1:1317"},
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# bootstrap",
		"",
		"rpc-a.example.org",
		"rpc-b.example.org api-b.example.org",
		"\t# indented comment",
	}, "\n")

	entries, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "http://rpc-a.example.org", entries[0].RPC)
	assert.Equal(t, "http://api-b.example.org", entries[1].REST)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://node.example.org:26657", NormalizeEndpoint(" node.example.org:26657/// "))
	assert.Equal(t, "HTTPS://node.example.org", NormalizeEndpoint("HTTPS://node.example.org/"))
	assert.Equal(t, "", NormalizeEndpoint("   "))
}

func TestLoadResolvesFirstExistingCandidate(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.txt")
	present := filepath.Join(dir, PeersFileName)
	require.NoError(t, os.WriteFile(present, []byte("rpc.example.org\n"), 0o600))

	entries, path, err := Load([]string{missing, present})
	require.NoError(t, err)
	assert.Equal(t, present, path)
	require.Len(t, entries, 1)

	entries, path, err = Load([]string{missing})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, entries)
}
