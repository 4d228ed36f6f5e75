package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/url"
	"strings"
)

// OriginAllowed reports whether origin matches an entry of allowList.
// Entries may be "*" (anything), an exact origin, or "*.domain" which matches
// any subdomain of domain. An empty origin never matches.
func OriginAllowed(origin string, allowList []string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	host := originHost(origin)
	for _, entry := range allowList {
		entry = normalizeOrigin(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case entry == origin:
			return true
		case strings.Contains(entry, "*."):
			if wildcardMatch(entry, origin, host) {
				return true
			}
		}
	}
	return false
}

func wildcardMatch(pattern, origin, host string) bool {
	scheme := ""
	if idx := strings.Index(pattern, "://"); idx >= 0 {
		scheme = pattern[:idx]
		pattern = pattern[idx+3:]
	}
	if scheme != "" && !strings.HasPrefix(origin, scheme+"://") {
		return false
	}
	domain := strings.TrimPrefix(pattern, "*.")
	if domain == "" || host == "" {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		// bare host, no scheme
		return strings.Split(origin, ":")[0]
	}
	return u.Hostname()
}

// TokensEqual compares two secrets in time independent of where they differ.
// Both inputs are hashed first so differing lengths take the same time too.
func TokensEqual(provided, expected string) bool {
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
