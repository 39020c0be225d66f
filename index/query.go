package index

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opalstore/opal/manifest"
)

// Op is a field comparison operator.
type Op string

const (
	OpEqual    Op = "=="
	OpNotEqual Op = "!="
	OpContains Op = "CONTAINS"
	OpGreater  Op = ">"
	OpLess     Op = "<"
)

// Filter compares one addressable manifest field against a literal value.
// Addressable fields: SizeBytes, BlobURI, and Tags.<key>.
type Filter struct {
	Field string
	Op    Op
	Value string
}

// Mode composes filters.
type Mode int

const (
	ModeAnd Mode = iota
	ModeOr
)

// Composite combines filters with AND or OR semantics. An empty AND matches
// everything; an empty OR matches nothing.
type Composite struct {
	Mode    Mode
	Filters []Filter
}

// fieldAccessors enumerates the addressable scalar fields. An explicit table
// rather than reflection: the queryable surface is deliberately small and
// known at compile time.
var fieldAccessors = map[string]func(*manifest.Manifest) (string, bool){
	"SizeBytes": func(m *manifest.Manifest) (string, bool) {
		return strconv.FormatInt(m.SizeBytes, 10), true
	},
	"BlobURI": func(m *manifest.Manifest) (string, bool) {
		return m.BlobURI, true
	},
}

const tagFieldPrefix = "Tags."

func accessorFor(field string) (func(*manifest.Manifest) (string, bool), bool) {
	if acc, ok := fieldAccessors[field]; ok {
		return acc, true
	}
	if key, ok := strings.CutPrefix(field, tagFieldPrefix); ok {
		return func(m *manifest.Manifest) (string, bool) {
			v, ok := m.Tags[key]
			return v, ok
		}, true
	}
	return nil, false
}

// matches evaluates one filter. An unknown field or absent tag fails the
// predicate, not the query. Numeric comparisons parse both sides as floats
// and fail the predicate when either side is non-numeric.
func (f Filter) matches(m *manifest.Manifest) bool {
	acc, ok := accessorFor(f.Field)
	if !ok {
		return false
	}
	actual, present := acc(m)
	if !present {
		return false
	}

	switch f.Op {
	case OpEqual:
		return actual == f.Value
	case OpNotEqual:
		return actual != f.Value
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(f.Value))
	case OpGreater, OpLess:
		a, err1 := strconv.ParseFloat(actual, 64)
		b, err2 := strconv.ParseFloat(f.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if f.Op == OpGreater {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

func (c Composite) matches(m *manifest.Manifest) bool {
	switch c.Mode {
	case ModeOr:
		for _, f := range c.Filters {
			if f.matches(m) {
				return true
			}
		}
		return false
	default:
		for _, f := range c.Filters {
			if !f.matches(m) {
				return false
			}
		}
		return true
	}
}

// ExecuteQuery returns up to limit manifests matching the composite filter.
func (i *Index) ExecuteQuery(c Composite, limit int) []*manifest.Manifest {
	var out []*manifest.Manifest
	i.entries.Range(func(_, v any) bool {
		m := v.(*manifest.Manifest)
		if c.matches(m) {
			out = append(out, m.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

// ParseSimpleQuery parses a single "field op value" expression, e.g.
// `SizeBytes > 1024` or `Tags.bucket == docs`. The value may contain spaces.
func ParseSimpleQuery(expr string) (Filter, error) {
	parts := strings.Fields(expr)
	if len(parts) < 3 {
		return Filter{}, fmt.Errorf("malformed query %q: want `field op value`", expr)
	}

	op := Op(parts[1])
	switch op {
	case OpEqual, OpNotEqual, OpContains, OpGreater, OpLess:
	default:
		return Filter{}, fmt.Errorf("unsupported operator %q", parts[1])
	}

	return Filter{
		Field: parts[0],
		Op:    op,
		Value: strings.Join(parts[2:], " "),
	}, nil
}
