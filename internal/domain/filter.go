package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetMatcher is a predicate over targets.
type TargetMatcher interface {
	Matches(t Target) bool
}

// MatchFunc adapts a function to [TargetMatcher].
type MatchFunc func(t Target) bool

func (f MatchFunc) Matches(t Target) bool { return f(t) }

// AllOf matches targets accepted by every matcher.
func AllOf(matchers ...TargetMatcher) TargetMatcher {
	return MatchFunc(func(t Target) bool {
		for _, m := range matchers {
			if !m.Matches(t) {
				return false
			}
		}
		return true
	})
}

// TargetFilter is a parsed target query. A query is a list of clauses
// separated by ";", all of which must hold. A clause is
// "field==value" or "field!=value"; values may contain "*" wildcards.
//
// Fields: id, name, description, type, updatestatus, assignedds,
// installedds, attribute.<key>, metadata.<key>.
type TargetFilter struct {
	query   string
	clauses []filterClause
}

type filterClause struct {
	field  string
	key    string
	negate bool
	value  string
}

// ParseTargetFilter parses query. The empty query matches every target.
func ParseTargetFilter(query string) (TargetFilter, error) {
	f := TargetFilter{query: strings.TrimSpace(query)}
	if f.query == "" {
		return f, nil
	}
	for _, raw := range strings.Split(f.query, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := parseClause(raw)
		if err != nil {
			return TargetFilter{}, err
		}
		f.clauses = append(f.clauses, c)
	}
	return f, nil
}

func parseClause(raw string) (filterClause, error) {
	var c filterClause
	var field string
	switch {
	case strings.Contains(raw, "!="):
		field, c.value, _ = strings.Cut(raw, "!=")
		c.negate = true
	case strings.Contains(raw, "=="):
		field, c.value, _ = strings.Cut(raw, "==")
	default:
		return c, fmt.Errorf("%w: filter clause %q has no operator", ErrInvalidArgument, raw)
	}
	field = strings.ToLower(strings.TrimSpace(field))
	c.value = strings.TrimSpace(c.value)

	if prefix, key, ok := strings.Cut(field, "."); ok {
		if prefix != "attribute" && prefix != "metadata" {
			return c, fmt.Errorf("%w: unsupported filter field %q", ErrInvalidArgument, field)
		}
		if key == "" {
			return c, fmt.Errorf("%w: filter field %q has no key", ErrInvalidArgument, field)
		}
		c.field, c.key = prefix, key
		return c, nil
	}
	switch field {
	case "id", "controllerid", "name", "description", "type", "updatestatus", "assignedds", "installedds":
		c.field = field
	default:
		return c, fmt.Errorf("%w: unsupported filter field %q", ErrInvalidArgument, field)
	}
	return c, nil
}

// String returns the query the filter was parsed from.
func (f TargetFilter) String() string { return f.query }

// Matches reports whether t satisfies every clause.
func (f TargetFilter) Matches(t Target) bool {
	for _, c := range f.clauses {
		if c.matches(t) == c.negate {
			return false
		}
	}
	return true
}

func (c filterClause) matches(t Target) bool {
	var got string
	var present bool
	switch c.field {
	case "id", "controllerid":
		got, present = string(t.ID), true
	case "name":
		got, present = t.Name, true
	case "description":
		got, present = t.Description, true
	case "type":
		got, present = t.TypeName, t.TypeName != ""
	case "updatestatus":
		return strings.EqualFold(string(t.UpdateStatus), c.value)
	case "assignedds":
		got, present = setRef(t.AssignedSet)
	case "installedds":
		got, present = setRef(t.InstalledSet)
	case "attribute":
		got, present = t.Attributes[c.key]
	case "metadata":
		got, present = t.Metadata[c.key]
	}
	if !present {
		return false
	}
	return wildcardMatch(c.value, got)
}

func setRef(id *DistributionSetID) (string, bool) {
	if id == nil {
		return "", false
	}
	return strconv.FormatInt(int64(*id), 10), true
}

// wildcardMatch matches s against a pattern where "*" stands for any run
// of characters.
func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}
