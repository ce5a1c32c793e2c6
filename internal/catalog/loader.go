package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"onemcp/pkg/mcperr"
)

// document mirrors the on-disk layout of mcp.json.
type document struct {
	MCPServers map[string]Entry `json:"mcpServers"`
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv interpolates ${VAR} references from the process environment.
// A missing variable expands to the empty string.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

func (e *Entry) expand() {
	e.Command = expandEnv(e.Command)
	e.Cwd = expandEnv(e.Cwd)
	e.URL = expandEnv(e.URL)
	for i, arg := range e.Args {
		e.Args[i] = expandEnv(arg)
	}
	for k, v := range e.Env {
		e.Env[k] = expandEnv(v)
	}
	for k, v := range e.Headers {
		e.Headers[k] = expandEnv(v)
	}
}

func (e Entry) validate() error {
	if !mcperr.ValidServerName(e.Name) {
		return fmt.Errorf("invalid server name %q (want [A-Za-z0-9_-], max 50 chars)", e.Name)
	}
	switch e.Kind() {
	case KindStdio:
		if e.Command == "" {
			return fmt.Errorf("server %s: command is required for stdio type", e.Name)
		}
	case KindHTTP, KindSSE:
		if e.URL == "" {
			return fmt.Errorf("server %s: url is required for %s type", e.Name, e.Kind())
		}
	}
	return nil
}

// Load reads, env-expands and validates the catalog file at path.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a snapshot from raw catalog JSON.
func Parse(data []byte) (Snapshot, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse catalog: %w", err)
	}

	snap := Snapshot{Servers: make(map[string]Entry, len(doc.MCPServers))}
	for name, entry := range doc.MCPServers {
		entry.Name = name
		entry.expand()
		if err := entry.validate(); err != nil {
			return Snapshot{}, err
		}
		snap.Servers[name] = entry
	}
	return snap, nil
}
