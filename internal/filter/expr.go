// Package filter selects the outbound subset an inbound session may see,
// from simple tag lists, boolean tag expressions, saved presets and OAuth
// scope grants.
package filter

import (
	"fmt"
	"strings"
)

// The tag-filter grammar, formally:
//
//	expr   := orExpr
//	orExpr := andExpr ( ("," | "OR") andExpr )*
//	andExpr:= unary ( ("+" | "AND") unary | "-" unary )*
//	unary  := ("!" | "NOT") unary | atom | "(" expr ")"
//	atom   := [A-Za-z0-9_]+
//
// "," binds looser than "+". The infix "-" is shorthand for AND NOT, so
// "a+b-c" means a AND b AND NOT c. Because "-" is always an operator here,
// expression atoms exclude the hyphen; hyphenated tags remain addressable
// through the tags parameter and preset documents.

// Expr is a boolean expression over tag names, evaluated against a
// server's tag set.
type Expr interface {
	Eval(tags map[string]bool) bool
	String() string
}

// TagExpr matches servers carrying the named tag.
type TagExpr struct{ Name string }

// AndExpr matches when both operands match.
type AndExpr struct{ Left, Right Expr }

// OrExpr matches when either operand matches.
type OrExpr struct{ Left, Right Expr }

// NotExpr inverts its operand.
type NotExpr struct{ Expr Expr }

func (e TagExpr) Eval(tags map[string]bool) bool { return tags[e.Name] }
func (e TagExpr) String() string                 { return e.Name }

func (e AndExpr) Eval(tags map[string]bool) bool { return e.Left.Eval(tags) && e.Right.Eval(tags) }
func (e AndExpr) String() string                 { return "(" + e.Left.String() + "+" + e.Right.String() + ")" }

func (e OrExpr) Eval(tags map[string]bool) bool { return e.Left.Eval(tags) || e.Right.Eval(tags) }
func (e OrExpr) String() string                 { return "(" + e.Left.String() + "," + e.Right.String() + ")" }

func (e NotExpr) Eval(tags map[string]bool) bool { return !e.Expr.Eval(tags) }
func (e NotExpr) String() string                 { return "!" + e.Expr.String() }

// TagSet builds the evaluation set from a server's tag list.
func TagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		set[tag] = true
	}
	return set
}

// Tags returns every tag name referenced by the expression.
func Tags(e Expr) []string {
	seen := make(map[string]bool)
	var collect func(Expr)
	collect = func(e Expr) {
		switch v := e.(type) {
		case TagExpr:
			seen[v.Name] = true
		case AndExpr:
			collect(v.Left)
			collect(v.Right)
		case OrExpr:
			collect(v.Left)
			collect(v.Right)
		case NotExpr:
			collect(v.Expr)
		case *Preset:
			v.referencedTags(seen)
		}
	}
	collect(e)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

type parser struct {
	input string
	pos   int
}

// ParseExpr parses a tag-filter expression.
func ParseExpr(input string) (Expr, error) {
	p := &parser{input: input}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return expr, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func isAtomChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// word returns the keyword starting at pos, or "".
func (p *parser) word() string {
	end := p.pos
	for end < len(p.input) && isAtomChar(p.input[end]) {
		end++
	}
	return p.input[p.pos:end]
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		p.skipSpace()
		switch {
		case p.peek() == ',':
			p.pos++
		case strings.EqualFold(p.word(), "OR"):
			p.pos += 2
		default:
			return left, nil
		}

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = OrExpr{Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		p.skipSpace()
		negate := false
		switch {
		case p.peek() == '+':
			p.pos++
		case p.peek() == '-':
			p.pos++
			negate = true
		case strings.EqualFold(p.word(), "AND"):
			p.pos += 3
		default:
			return left, nil
		}

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if negate {
			right = NotExpr{Expr: right}
		}
		left = AndExpr{Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	p.skipSpace()

	switch {
	case p.peek() == '!':
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: inner}, nil

	case strings.EqualFold(p.word(), "NOT"):
		p.pos += 3
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: inner}, nil

	case p.peek() == '(':
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return inner, nil

	default:
		atom := p.word()
		if atom == "" {
			return nil, fmt.Errorf("expected tag at position %d", p.pos)
		}
		// Bare keywords are operators, not tags.
		if strings.EqualFold(atom, "AND") || strings.EqualFold(atom, "OR") || strings.EqualFold(atom, "NOT") {
			return nil, fmt.Errorf("unexpected keyword %q at position %d", atom, p.pos)
		}
		p.pos += len(atom)
		return TagExpr{Name: atom}, nil
	}
}
