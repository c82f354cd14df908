package vault

import (
	"crypto/sha256"
	"regexp"
	"strings"

	"pastevault/pkg/domain"
)

var fragmentKeyRe = regexp.MustCompile(`[#&]k=([A-Za-z0-9_-]+)`)

// ShareURL builds the client-held share link. The key rides in the URL
// fragment, which browsers never transmit, so appending it here does
// not leak it to the server.
func ShareURL(baseURL, slug string, key []byte) string {
	u := strings.TrimRight(baseURL, "/") + "/p/" + slug
	if len(key) == 0 {
		return u
	}
	return u + "#k=" + b64.EncodeToString(key)
}

// KeyFromFragment extracts and decodes the key from a URL fragment such
// as "#k=..." or "#foo&k=...". Returns nil when no valid key is present.
func KeyFromFragment(fragment string) []byte {
	m := fragmentKeyRe.FindStringSubmatch(fragment)
	if m == nil {
		return nil
	}
	key, err := b64.DecodeString(m[1])
	if err != nil || len(key) != KeySize {
		return nil
	}
	return key
}

// ValidSlug reports whether s is a well-formed client-generated slug.
func ValidSlug(s string) bool {
	if len(s) < SlugLen {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(slugAlphabet, r) {
			return false
		}
	}
	return true
}

// ContentHash computes the canonical SHA-256 digest of content, encoded
// URL-safe. Clients use it to detect silent divergence between what was
// written and what came back after a round trip.
func ContentHash(c domain.Content) (string, error) {
	data, err := c.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return b64.EncodeToString(sum[:]), nil
}
