package capture

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// credentialMarkers are substrings of header names that indicate a
// credential-bearing value. Matching is case-insensitive.
var credentialMarkers = []string{
	"authorization",
	"api-key",
	"apikey",
	"cookie",
	"session",
	"access-token",
	"token",
	"secret",
	"bearer",
}

const (
	// redactKeepEdge is how many characters survive at each end of a
	// partially redacted value, enough for diagnostic correlation.
	redactKeepEdge = 4

	// redactMinLength is the shortest value eligible for partial
	// redaction; anything shorter is replaced entirely.
	redactMinLength = 12
)

// RedactHeaders flattens headers to a single-valued map with credential
// values masked. The original header is never mutated.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if isCredentialHeader(name) {
			value = RedactValue(value)
		}
		out[name] = NormalizeText(value)
	}
	return out
}

// RedactValue masks a credential value, keeping a short prefix and suffix
// when the value is long enough to do so safely.
func RedactValue(v string) string {
	if len(v) < redactMinLength {
		return "[REDACTED]"
	}
	return v[:redactKeepEdge] + "..." + v[len(v)-redactKeepEdge:]
}

func isCredentialHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NormalizeText canonicalizes captured text to NFC UTF-8, replacing invalid
// byte sequences so every persisted record is valid JSON-encodable text.
func NormalizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}
