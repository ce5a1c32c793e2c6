package logging

import "strings"

// Redacted replaces the value of anything that looks like a credential.
const Redacted = "[REDACTED]"

var sensitiveFragments = []string{
	"authorization",
	"token",
	"secret",
	"password",
	"apikey",
	"api-key",
	"api_key",
	"cookie",
}

// IsSensitiveKey reports whether a header or field name should never be
// logged verbatim.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with sensitive values replaced by
// Redacted. The input map is not modified.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) {
			out[k] = Redacted
		} else {
			out[k] = v
		}
	}
	return out
}
