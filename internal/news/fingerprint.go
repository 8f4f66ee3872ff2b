package news

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
)

// Fingerprint derives a stable dedup hash from a normalized title and URL.
// Case, surrounding whitespace, URL fragments and tracking query strings do
// not affect the result.
func Fingerprint(title, rawURL string) string {
	normTitle := strings.ToLower(strings.TrimSpace(title))
	normTitle = strings.Join(strings.Fields(normTitle), " ")

	normURL := strings.TrimSpace(rawURL)
	if parsed, err := url.Parse(normURL); err == nil {
		parsed.Fragment = ""
		parsed.RawQuery = ""
		normURL = strings.TrimSuffix(parsed.String(), "/")
	}
	normURL = strings.ToLower(normURL)

	sum := sha1.Sum([]byte(normTitle + "|" + normURL))
	return hex.EncodeToString(sum[:])[:16]
}
