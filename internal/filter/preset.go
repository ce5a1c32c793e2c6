package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

// Preset is a saved filter document. Fields combine conjunctively; an
// empty document admits every server. Presets satisfy Expr, so a session
// bound to one evaluates like any expression filter.
type Preset struct {
	Tag string    `json:"tag,omitempty"`
	And []*Preset `json:"$and,omitempty"`
	Or  []*Preset `json:"$or,omitempty"`
	Not *Preset   `json:"$not,omitempty"`
	In  []string  `json:"$in,omitempty"`
}

// Eval reports whether a server tag set satisfies the document.
func (p *Preset) Eval(tags map[string]bool) bool {
	if p == nil {
		return true
	}
	if p.Tag != "" && !tags[p.Tag] {
		return false
	}
	for _, sub := range p.And {
		if !sub.Eval(tags) {
			return false
		}
	}
	if len(p.Or) > 0 {
		matched := false
		for _, sub := range p.Or {
			if sub.Eval(tags) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if p.Not != nil && p.Not.Eval(tags) {
		return false
	}
	if len(p.In) > 0 {
		matched := false
		for _, tag := range p.In {
			if tags[tag] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (p *Preset) String() string {
	if p == nil {
		return "{}"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// referencedTags collects every tag name the document mentions.
func (p *Preset) referencedTags(seen map[string]bool) {
	if p == nil {
		return
	}
	if p.Tag != "" {
		seen[p.Tag] = true
	}
	for _, sub := range p.And {
		sub.referencedTags(seen)
	}
	for _, sub := range p.Or {
		sub.referencedTags(seen)
	}
	p.Not.referencedTags(seen)
	for _, tag := range p.In {
		seen[tag] = true
	}
}

// validate checks every referenced tag token.
func (p *Preset) validate() error {
	seen := make(map[string]bool)
	p.referencedTags(seen)
	for tag := range seen {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

// Store is the file-backed preset collection. The whole collection lives
// in one JSON file mapping name to document, rewritten atomically on every
// mutation.
type Store struct {
	mu      sync.RWMutex
	path    string
	presets map[string]*Preset

	changedFn func(name string)
}

// NewStore loads the preset file at path. A missing file yields an empty
// store; a malformed one is an error.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		presets: make(map[string]*Preset),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading presets file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.presets); err != nil {
		return nil, fmt.Errorf("parsing presets file %s: %w", path, err)
	}
	for name, preset := range s.presets {
		if err := preset.validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
	}
	logging.Info("Filter", "Loaded %d presets from %s", len(s.presets), path)
	return s, nil
}

// OnChanged registers a hook invoked with the preset name after every Set
// or Delete. The multiplexer uses it to send listChanged to bound sessions.
func (s *Store) OnChanged(fn func(name string)) {
	s.changedFn = fn
}

// Get resolves a preset into a filter context bound to its name.
func (s *Store) Get(name string) (Context, error) {
	s.mu.RLock()
	preset, ok := s.presets[name]
	s.mu.RUnlock()

	if !ok {
		return Context{}, mcperr.NewValidationError(fmt.Sprintf("unknown preset %q", name))
	}
	return Context{Mode: ModeExpression, Expr: preset, Preset: name}, nil
}

// Names returns the stored preset names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set validates and stores a preset, persisting the collection.
func (s *Store) Set(name string, preset *Preset) error {
	if strings.TrimSpace(name) == "" {
		return mcperr.NewValidationError("empty preset name")
	}
	if preset == nil {
		return mcperr.NewValidationError("empty preset document")
	}
	if err := preset.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.presets[name] = preset
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.changedFn != nil {
		s.changedFn(name)
	}
	return nil
}

// Delete removes a preset, persisting the collection. Deleting a missing
// preset is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	_, existed := s.presets[name]
	if existed {
		delete(s.presets, name)
	}
	var err error
	if existed {
		err = s.persistLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if existed && s.changedFn != nil {
		s.changedFn(name)
	}
	return nil
}

// persistLocked writes the collection atomically: temp file, then rename.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.presets, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding presets: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating presets directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".presets-*.json")
	if err != nil {
		return fmt.Errorf("creating temp presets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing presets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp presets file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing presets file: %w", err)
	}
	return nil
}
