// Package constraint parses dependency, provides and conflicts expressions
// into structured version constraints.
//
// An expression is a comma-separated sequence of alternative sets; every set
// must be satisfied. Within a set, terms are separated by '|' and any one
// term satisfies the set. A term is a package name optionally followed by a
// parenthesized relation and version, e.g. "libc6 (>= 2.31)".
package constraint

import (
	"strings"

	"github.com/ralt/crosspkg/internal/version"
)

// Relation is a version comparison operator in a dependency term.
type Relation int

const (
	// RelNone marks a term with no version constraint.
	RelNone Relation = iota
	RelLess
	RelLessEqual
	RelEqual
	RelGreaterEqual
	RelGreater
)

// String returns the string representation of Relation
func (r Relation) String() string {
	switch r {
	case RelLess:
		return "<<"
	case RelLessEqual:
		return "<="
	case RelEqual:
		return "="
	case RelGreaterEqual:
		return ">="
	case RelGreater:
		return ">>"
	default:
		return ""
	}
}

// Term is one "name (relation version)" element of an alternative set.
type Term struct {
	Name     string
	Relation Relation
	Version  string
	Eco      version.Ecosystem
}

// Matches reports whether the given concrete version satisfies the term.
// A term without a version constraint matches every version.
func (t Term) Matches(v string) bool {
	if t.Relation == RelNone {
		return true
	}
	c := version.Compare(v, t.Version, t.Eco)
	switch t.Relation {
	case RelLess:
		return c < 0
	case RelLessEqual:
		return c <= 0
	case RelEqual:
		return c == 0
	case RelGreaterEqual:
		return c >= 0
	case RelGreater:
		return c > 0
	}
	return true
}

// String renders the term back into dependency-expression syntax.
func (t Term) String() string {
	if t.Relation == RelNone {
		return t.Name
	}
	return t.Name + " (" + t.Relation.String() + " " + t.Version + ")"
}

// AlternativeSet is an ordered group of terms joined by OR: any one
// satisfies the group.
type AlternativeSet []Term

// String renders the set back into dependency-expression syntax.
func (s AlternativeSet) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = t.String()
	}
	return strings.Join(parts, " | ")
}

// Parse parses a dependency expression into a sequence of alternative sets
// joined by AND. Parsing is tolerant: a malformed term degrades to a
// name-only term instead of failing the expression, and an empty expression
// parses to an empty (trivially satisfied) sequence.
func Parse(expr string, eco version.Ecosystem) []AlternativeSet {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	var sets []AlternativeSet
	for _, group := range strings.Split(expr, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var set AlternativeSet
		for _, alt := range strings.Split(group, "|") {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}
			set = append(set, parseTerm(alt, eco))
		}
		if len(set) > 0 {
			sets = append(sets, set)
		}
	}
	return sets
}

// parseTerm parses one "name (op version)" term. Anything that does not
// follow the grammar is degraded to a bare name so that a single malformed
// dependency cannot make an otherwise-installable package unselectable.
func parseTerm(s string, eco version.Ecosystem) Term {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Term{Name: nameOnly(s), Eco: eco}
	}
	name := strings.TrimSpace(s[:open])
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	rel, ver, ok := parseRelation(inner, eco)
	if name == "" || !ok {
		return Term{Name: nameOnly(s), Eco: eco}
	}
	return Term{Name: name, Relation: rel, Version: ver, Eco: eco}
}

// nameOnly strips any trailing qualifier from a term that failed to parse,
// keeping the leading token as the package name.
func nameOnly(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return strings.TrimRight(fields[0], "(")
}

func parseRelation(s string, eco version.Ecosystem) (Relation, string, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return RelNone, "", false
	}
	var rel Relation
	if eco == version.EcosystemRpm {
		switch fields[0] {
		case "<":
			rel = RelLess
		case "<=":
			rel = RelLessEqual
		case "=":
			rel = RelEqual
		case ">=":
			rel = RelGreaterEqual
		case ">":
			rel = RelGreater
		default:
			return RelNone, "", false
		}
	} else {
		switch fields[0] {
		case "<<":
			rel = RelLess
		case "<=", "<": // dpkg accepts "<" as a deprecated spelling of "<="
			rel = RelLessEqual
		case "=":
			rel = RelEqual
		case ">=", ">": // likewise ">" means ">="
			rel = RelGreaterEqual
		case ">>":
			rel = RelGreater
		default:
			return RelNone, "", false
		}
	}
	return rel, fields[1], true
}

// ParseProvides parses a provides expression. Provides share the term
// grammar but carry no alternatives: each comma-separated entry is a single
// virtual name with an optional "= version".
func ParseProvides(expr string, eco version.Ecosystem) []Term {
	var terms []Term
	for _, set := range Parse(expr, eco) {
		terms = append(terms, set...)
	}
	return terms
}
