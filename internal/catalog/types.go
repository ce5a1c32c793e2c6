// Package catalog loads and watches the on-disk server catalog (mcp.json),
// the document that names every outbound MCP server the proxy federates.
package catalog

import (
	"reflect"
	"sort"
	"time"
)

// Kind identifies the outbound transport of a catalog entry.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
)

// DefaultTimeout applies when an entry does not set one.
const DefaultTimeout = 30 * time.Second

// Entry describes one outbound MCP server.
type Entry struct {
	Name string `json:"-"`

	Type string `json:"type,omitempty"`

	// stdio fields
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// http / sse fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// shared fields
	Tags     []string `json:"tags,omitempty"`
	Timeout  int64    `json:"timeout,omitempty"` // milliseconds
	Disabled bool     `json:"disabled,omitempty"`
}

// Kind resolves the transport kind, inferring it from the populated fields
// when the type field is absent.
func (e Entry) Kind() Kind {
	switch e.Type {
	case string(KindStdio):
		return KindStdio
	case string(KindHTTP), "streamable-http", "streamableHttp":
		return KindHTTP
	case string(KindSSE):
		return KindSSE
	}
	if e.Command != "" {
		return KindStdio
	}
	return KindHTTP
}

// RequestTimeout returns the per-request budget for this server.
func (e Entry) RequestTimeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(e.Timeout) * time.Millisecond
}

// Equal reports whether two entries would produce the same connection.
func (e Entry) Equal(other Entry) bool {
	return reflect.DeepEqual(e, other)
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	Servers map[string]Entry
}

// Names returns every entry name in sorted order. The sorted order is the
// deterministic iteration order used for fan-out and capability merging.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Servers))
	for name := range s.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the non-disabled entries in sorted name order.
func (s Snapshot) Enabled() []Entry {
	var entries []Entry
	for _, name := range s.Names() {
		if e := s.Servers[name]; !e.Disabled {
			entries = append(entries, e)
		}
	}
	return entries
}
