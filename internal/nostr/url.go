package nostr

import (
	"net"
	"net/url"
	"strings"
)

const (
	maxRelayURLLen  = 200
	maxRelayEntries = 20
)

// NormalizeRelayURL validates and normalizes a user-supplied relay URL.
// Returns "" if the URL is unusable: wrong scheme, embedded credentials,
// over-long, or pointing at a private/local host. allowLocal permits
// localhost targets for loadtest setups.
func NormalizeRelayURL(relayURL string, allowLocal bool) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || len(relayURL) > maxRelayURLLen {
		return ""
	}

	// Quick reject for obviously bad URLs
	if strings.Count(relayURL, "://") != 1 {
		return ""
	}
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, " ") {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}
	if parsed.User != nil {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || len(host) < 3 && !isLoopbackName(host) {
		return ""
	}
	if !strings.Contains(host, ".") && !isLoopbackName(host) && !strings.Contains(host, ":") {
		return ""
	}

	if isLoopbackName(host) || isLoopbackLiteral(host) {
		if !allowLocal {
			return ""
		}
	} else if isInternalName(host) {
		return ""
	}

	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// SanitizeRelayList normalizes every entry, drops invalid ones and
// duplicates, and truncates to the per-request cap.
func SanitizeRelayList(urls []string, allowLocal bool) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := NormalizeRelayURL(u, allowLocal)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if len(out) >= maxRelayEntries {
			break
		}
	}
	return out
}

// IsRelayURLSafe decides whether the pool may dial the URL. Performs DNS
// resolution so names that point into private space are refused even when
// the name itself looks public.
func IsRelayURLSafe(relayURL string, allowLocal bool) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	if parsed.User != nil {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if isLoopbackName(host) || isLoopbackLiteral(host) {
		return allowLocal
	}
	if isInternalName(host) {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return isRelayIPSafe(ip, allowLocal)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable external names are tolerated; the dial will fail on
		// its own. Internal-looking names were already rejected above.
		return true
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip, allowLocal) {
			return false
		}
	}
	return true
}

// isRelayIPSafe blocks private, link-local, CGNAT and metadata ranges.
func isRelayIPSafe(ip net.IP, allowLocal bool) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return allowLocal
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() {
		return false
	}
	if ip.IsMulticast() {
		return false
	}
	// CGNAT 100.64.0.0/10
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return false
	}
	// Cloud metadata IP
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

func isLoopbackName(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

func isLoopbackLiteral(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isInternalName(host string) bool {
	return strings.HasSuffix(host, ".") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion")
}
