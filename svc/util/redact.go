package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// RedactToken keeps just enough of a token hex string to correlate log lines.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactRecipient avoids logging full recipient identifiers (often emails).
func RedactRecipient(r string) string {
	if i := strings.IndexByte(r, '@'); i > 0 {
		if i <= 2 {
			return "***" + r[i:]
		}
		return r[:2] + "***" + r[i:]
	}
	if len(r) <= 3 {
		return "***"
	}
	return r[:2] + "***"
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	if ipv6 := parsed.To16(); ipv6 != nil {
		for i := 4; i < 16; i++ {
			ipv6[i] = 0
		}
		return ipv6.String()
	}
	hash := sha256.Sum256([]byte(ip))
	return "hash:" + hex.EncodeToString(hash[:8])
}

// Slug turns a recipient identifier into a filesystem- and archive-safe name
// fragment for bundle entries.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "recipient"
	}
	return out
}
