package session

import (
	"crypto/sha256"
	"fmt"
	"net"
)

// PrivacyFilter masks slot diagnostics before they leave the process through
// the observer. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskRemotes         bool
	HideUnauthenticated bool
}

// Apply returns a copy of info with sensitive fields masked.
func (f *PrivacyFilter) Apply(info Info) Info {
	if f.MaskRemotes && info.Remote != "" {
		info.Remote = maskAddr(info.Remote)
	}
	return info
}

// FilterSlice returns the visible infos, masked. The input is not modified.
func (f *PrivacyFilter) FilterSlice(infos []Info) []Info {
	result := make([]Info, 0, len(infos))
	for _, info := range infos {
		if f.HideUnauthenticated && !info.Authenticated {
			continue
		}
		result = append(result, f.Apply(info))
	}
	return result
}

func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskRemotes && !f.HideUnauthenticated
}

// maskAddr replaces the host part with a short digest and keeps the port, so
// two connections from one host stay recognizable.
func maskAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return shortHash(addr)
	}
	return net.JoinHostPort(shortHash(host), port)
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
