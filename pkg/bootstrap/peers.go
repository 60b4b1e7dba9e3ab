// Package bootstrap reads the static peer list shipped with the client.
//
// The file is line oriented. A '#' starts a comment, blank lines are skipped and
// each remaining line holds `<rpcUrl> [restUrl] [grpcHostPort]` separated by
// whitespace or commas.
package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PeersFileName is the default bootstrap file name
const PeersFileName = "peers.txt"

// Entry is one parsed bootstrap line
type Entry struct {
	RPC  string
	REST string
	GRPC string
}

var (
	fieldSep  = regexp.MustCompile(`[\s,]+`)
	schemeRe  = regexp.MustCompile(`(?i)^https?://`)
	commentRe = regexp.MustCompile(`#.*`)
)

// TrimSlash removes trailing slashes
func TrimSlash(s string) string {
	return strings.TrimRight(s, "/")
}

// EnsureHTTP prepends http:// when the endpoint carries no scheme
func EnsureHTTP(u string) string {
	trimmed := TrimSlash(strings.TrimSpace(u))
	if trimmed == "" {
		return ""
	}
	if schemeRe.MatchString(trimmed) {
		return trimmed
	}
	return "http://" + trimmed
}

// NormalizeEndpoint is the canonical form used as a registry key
func NormalizeEndpoint(u string) string {
	s := strings.TrimSpace(u)
	if len(s) > 4096 {
		s = s[:4096]
	}
	return TrimSlash(EnsureHTTP(s))
}

// ParseLine parses a single line. ok is false for blank and comment-only lines.
func ParseLine(line string) (Entry, bool) {
	cleaned := strings.TrimSpace(commentRe.ReplaceAllString(line, ""))
	if cleaned == "" {
		return Entry{}, false
	}

	var parts []string
	for _, f := range fieldSep.Split(cleaned, -1) {
		if f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return Entry{}, false
	}

	e := Entry{RPC: EnsureHTTP(parts[0])}
	if len(parts) > 1 {
		e.REST = EnsureHTTP(parts[1])
	}
	if len(parts) > 2 {
		e.GRPC = strings.TrimSpace(parts[2])
	}
	return e, true
}

// Parse reads every entry from r
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read peers: %w", err)
	}
	return entries, nil
}

// LoadFile parses the bootstrap file at path
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read peers file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Candidates lists the locations searched for the peers file, in order.
// explicit and $CHAINNET_PEERS_FILE come first when set.
func Candidates(explicit, configDir string) []string {
	var out []string
	if explicit != "" {
		out = append(out, explicit)
	}
	if env := os.Getenv("CHAINNET_PEERS_FILE"); env != "" {
		out = append(out, env)
	}
	if configDir != "" {
		out = append(out, filepath.Join(configDir, PeersFileName))
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		out = append(out,
			filepath.Join(dir, PeersFileName),
			filepath.Join(dir, "resources", PeersFileName),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(wd, "resources", PeersFileName))
	}
	return out
}

// Resolve returns the first candidate that exists, or "" when none does
func Resolve(candidates []string) string {
	for _, file := range candidates {
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			return file
		}
	}
	return ""
}

// Load resolves the peers file from candidates and parses it.
// A missing file yields no entries and an empty path, not an error.
func Load(candidates []string) ([]Entry, string, error) {
	path := Resolve(candidates)
	if path == "" {
		return nil, "", nil
	}
	entries, err := LoadFile(path)
	return entries, path, err
}
