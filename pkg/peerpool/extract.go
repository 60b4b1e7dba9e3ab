package peerpool

import (
	"net/url"
	"regexp"
	"strings"

	"chainnet/pkg/bootstrap"
)

var (
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')\]]+`)
	tokenSplit      = regexp.MustCompile(`[\s,;]+`)
	bareHostPattern = regexp.MustCompile(`(?i)^(?:[a-z0-9-]+\.)+[a-z]{2,}(?::\d{2,5})?$`)
	hostPathPattern = regexp.MustCompile(`(?i)^(?:[a-z0-9-]+\.)+[a-z]{2,}/(?:rpc|api)\b`)
)

// Endpoints are the peer endpoints mined from free text
type Endpoints struct {
	RPC  string
	REST string
	GRPC string
}

// ExtractEndpoints scans free text for URLs and bare host[:port] tokens and classifies them:
//
//	rpc:  port 26657, path ending in /rpc, or host starting with "rpc."
//	rest: port 1317, path ending in /api, host starting with "api." or containing "lcd"
//	grpc: host starting with "grpc." or port 9090 (kept as host:port)
//
// The first match wins for each kind. It reports false when nothing matched.
func ExtractEndpoints(text string) (Endpoints, bool) {
	text = truncate(text, 8192)
	if text == "" {
		return Endpoints{}, false
	}

	var candidates []string
	seen := make(map[string]struct{})
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		candidates = append(candidates, s)
	}

	for _, m := range urlPattern.FindAllString(text, -1) {
		add(m)
	}
	for _, tok := range tokenSplit.Split(text, -1) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if bareHostPattern.MatchString(tok) || hostPathPattern.MatchString(tok) {
			add("https://" + tok)
		}
	}

	var ep Endpoints
	for _, raw := range candidates {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		host := strings.ToLower(truncate(u.Hostname(), 512))
		port := u.Port()
		path := strings.TrimRight(strings.ToLower(truncate(u.Path, 512)), "/")
		full := bootstrap.TrimSlash(u.String())

		if ep.RPC == "" && (port == "26657" || strings.HasSuffix(path, "/rpc") || strings.HasPrefix(host, "rpc.")) {
			ep.RPC = full
		}
		if ep.REST == "" && (port == "1317" || strings.HasSuffix(path, "/api") || strings.HasPrefix(host, "api.") || strings.Contains(host, "lcd")) {
			ep.REST = full
		}
		if ep.GRPC == "" && (strings.HasPrefix(host, "grpc.") || port == "9090") {
			ep.GRPC = truncate(u.Host, 512)
		}
	}

	if ep.RPC == "" && ep.REST == "" && ep.GRPC == "" {
		return Endpoints{}, false
	}
	if ep.RPC != "" {
		ep.RPC = bootstrap.NormalizeEndpoint(ep.RPC)
	}
	if ep.REST != "" {
		ep.REST = bootstrap.NormalizeEndpoint(ep.REST)
	}
	return ep, true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
