package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"onemcp/pkg/mcperr"
)

// Mode selects how a session's filter context admits servers.
type Mode string

const (
	// ModeNone admits every server.
	ModeNone Mode = "none"
	// ModeSimple admits servers carrying at least one of the listed tags.
	ModeSimple Mode = "simple"
	// ModeExpression admits servers whose tag set satisfies a boolean
	// expression.
	ModeExpression Mode = "expression"
)

const (
	// maxTagLen bounds a single tag token.
	maxTagLen = 20
	// maxTags bounds how many tags one request may name.
	maxTags = 20
)

var tagRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateTag checks one tag token against the allowed alphabet and length.
func ValidateTag(tag string) error {
	if tag == "" {
		return mcperr.NewValidationError("empty tag")
	}
	if len(tag) > maxTagLen {
		return mcperr.NewValidationError(fmt.Sprintf("tag %q exceeds %d characters", tag, maxTagLen))
	}
	if !tagRe.MatchString(tag) {
		return mcperr.NewValidationError(fmt.Sprintf("tag %q contains invalid characters", tag))
	}
	return nil
}

// validateTags checks every token, the count bound, and rejects duplicates.
func validateTags(tags []string) error {
	if len(tags) > maxTags {
		return mcperr.NewValidationError(fmt.Sprintf("too many tags: %d exceeds %d", len(tags), maxTags))
	}
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if err := ValidateTag(tag); err != nil {
			return err
		}
		if seen[tag] {
			return mcperr.NewValidationError(fmt.Sprintf("duplicate tag %q", tag))
		}
		seen[tag] = true
	}
	return nil
}

// Context is a session's filter, a value type attached at session creation
// and consulted on every dispatch. The zero value admits everything.
type Context struct {
	Mode Mode

	// Tags holds the simple-mode tag list (OR semantics).
	Tags []string

	// Expr holds the expression-mode tree.
	Expr Expr

	// Preset names the preset this context was resolved from, if any.
	// Sessions bound to a preset are notified when it changes.
	Preset string

	// Granted is the granted-tag set derived from OAuth scopes. Nil means
	// no scope constraint applies; an empty non-nil set admits nothing.
	Granted map[string]bool
}

// None is the admit-everything context.
func None() Context {
	return Context{Mode: ModeNone}
}

// Simple builds an OR-semantics context from a tag list.
func Simple(tags []string) (Context, error) {
	if err := validateTags(tags); err != nil {
		return Context{}, err
	}
	return Context{Mode: ModeSimple, Tags: tags}, nil
}

// Expression parses a tag-filter expression into a context.
func Expression(input string) (Context, error) {
	expr, err := ParseExpr(input)
	if err != nil {
		return Context{}, mcperr.NewValidationError(fmt.Sprintf("invalid tag-filter: %v", err))
	}
	if err := validateTags(Tags(expr)); err != nil {
		return Context{}, err
	}
	return Context{Mode: ModeExpression, Expr: expr}, nil
}

// ParseQuery builds a context from the tags and tag-filter request
// parameters. The two are mutually exclusive; both empty yields ModeNone.
func ParseQuery(tagsParam, tagFilterParam string) (Context, error) {
	if tagsParam != "" && tagFilterParam != "" {
		return Context{}, mcperr.NewValidationError("tags and tag-filter are mutually exclusive")
	}
	switch {
	case tagFilterParam != "":
		return Expression(tagFilterParam)
	case tagsParam != "":
		return Simple(splitTags(tagsParam))
	default:
		return None(), nil
	}
}

func splitTags(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RequestedTags returns the tags the context names, sorted. Used to check
// the request against a scope grant.
func (c Context) RequestedTags() []string {
	var tags []string
	switch c.Mode {
	case ModeSimple:
		tags = append(tags, c.Tags...)
	case ModeExpression:
		tags = Tags(c.Expr)
	}
	sort.Strings(tags)
	return tags
}

// WithGrant attaches the granted-tag set derived from OAuth scopes. It
// fails if the context names any tag outside the grant; callers map that
// failure to 403 insufficient_scope.
func (c Context) WithGrant(granted map[string]bool) (Context, error) {
	for _, tag := range c.RequestedTags() {
		if !granted[tag] {
			return Context{}, &ScopeError{Tag: tag}
		}
	}
	c.Granted = granted
	return c, nil
}

// ScopeError reports a requested tag outside the session's scope grant.
type ScopeError struct {
	Tag string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("tag %q not covered by granted scopes", e.Tag)
}

// GrantedTags converts OAuth scopes into the granted-tag set. Scopes of the
// form tag:<name> contribute; unknown scopes are ignored.
func GrantedTags(scopes []string) map[string]bool {
	granted := make(map[string]bool)
	for _, scope := range scopes {
		name, ok := strings.CutPrefix(scope, "tag:")
		if !ok || name == "" {
			continue
		}
		granted[name] = true
	}
	return granted
}

// Admits reports whether a server with the given tags passes this filter.
// A grant constrains every mode: the server must carry at least one granted
// tag in addition to satisfying the filter itself.
func (c Context) Admits(serverTags []string) bool {
	if c.Granted != nil && !anyGranted(serverTags, c.Granted) {
		return false
	}

	switch c.Mode {
	case ModeSimple:
		set := TagSet(serverTags)
		for _, tag := range c.Tags {
			if set[tag] {
				return true
			}
		}
		return false
	case ModeExpression:
		return c.Expr.Eval(TagSet(serverTags))
	default:
		return true
	}
}

func anyGranted(serverTags []string, granted map[string]bool) bool {
	for _, tag := range serverTags {
		if granted[tag] {
			return true
		}
	}
	return false
}
