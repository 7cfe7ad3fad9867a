package audioaccess

import (
	"net/netip"
	"net/url"
	"strings"
)

// IsSafeIncomingAudioURL reports whether a URL is safe to hand to the
// external worker. Only http/https qualify, and in production the host
// must not be loopback, link-local, or a private range: otherwise a
// compromised record could make the worker fetch internal network
// resources.
func IsSafeIncomingAudioURL(raw string, production bool) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" {
		return !production
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			return !production
		}
	}
	return true
}
