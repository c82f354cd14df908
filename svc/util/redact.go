package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|pepper)=([^\s&]+)`)

// RedactIP truncates an address for logging: last octet zeroed for v4,
// everything past the /32 zeroed for v6. Unparseable inputs become a
// short hash so log lines stay correlatable without storing the value.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		sum := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(sum[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// RedactSecrets masks key=value pairs whose key looks sensitive.
func RedactSecrets(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}
