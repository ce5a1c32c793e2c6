package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"Authorization", true},
		{"X-Api-Key", true},
		{"x_api_key", true},
		{"Proxy-Authorization", true},
		{"Set-Cookie", true},
		{"Refresh-Token", true},
		{"Client-Secret", true},
		{"Password", true},
		{"Content-Type", false},
		{"Accept", false},
		{"mcp-session-id", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.sensitive, IsSensitiveKey(tt.key), "key %q", tt.key)
	}
}

func TestRedactHeaders(t *testing.T) {
	in := map[string]string{
		"Authorization": "Bearer tk-abc",
		"Content-Type":  "application/json",
	}

	out := RedactHeaders(in)

	assert.Equal(t, Redacted, out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
	// original untouched
	assert.Equal(t, "Bearer tk-abc", in["Authorization"])
}

func TestRedactHeadersNil(t *testing.T) {
	assert.Nil(t, RedactHeaders(nil))
}
