package orma

import (
	"fmt"
	"reflect"
	"strings"
)

// QueryKind tells the translator how to read a Query.
type QueryKind string

const (
	QueryNamed         QueryKind = "named"
	QueryDerived       QueryKind = "derived"
	QueryTemplate      QueryKind = "template"
	QueryNative        QueryKind = "native"
	QuerySpecification QueryKind = "specification"
)

// Query is an immutable description of what to fetch. Builder methods return modified copies.
type Query struct {
	Kind      QueryKind
	Entity    reflect.Type
	Name      string
	Text      string
	CountText string
	Condition Condition
	Graph     []string
	GraphName string
	// Projection is the result element type; nil means entity pointers.
	Projection reflect.Type
	Sort       Sort
	MaxResults int
}

// Named refers to a query declared through NamedQueryProvider as Entity.name.
func Named(entity reflect.Type, name string) *Query {
	return &Query{Kind: QueryNamed, Entity: entity, Name: name}
}

// Derived parses a repository method name such as findByUsernameAndAgeGreaterThan.
func Derived(entity reflect.Type, method string) *Query {
	return &Query{Kind: QueryDerived, Entity: entity, Name: method}
}

// Template is a query in the entity-level query language, e.g.
// "select m from Member m where m.username = :username".
func Template(text string) *Query {
	return &Query{Kind: QueryTemplate, Text: text}
}

// Native is raw SQL with ? placeholders. entity may be nil for projections.
func Native(entity reflect.Type, sql string) *Query {
	return &Query{Kind: QueryNative, Entity: entity, Text: sql}
}

// Matching selects entities satisfying a condition tree.
func Matching(entity reflect.Type, cond Condition) *Query {
	return &Query{Kind: QuerySpecification, Entity: entity, Condition: cond}
}

func (q *Query) clone() *Query {
	c := *q
	c.Graph = append([]string(nil), q.Graph...)
	c.Sort = append(Sort(nil), q.Sort...)
	return &c
}

// WithCount sets an explicit count query used by counted pages.
func (q *Query) WithCount(text string) *Query {
	c := q.clone()
	c.CountText = text
	return c
}

// WithGraph eagerly fetches the given association paths.
func (q *Query) WithGraph(paths ...string) *Query {
	c := q.clone()
	c.Graph = append(c.Graph, paths...)
	return c
}

// WithNamedGraph eagerly fetches a graph declared by EntityGraphProvider.
func (q *Query) WithNamedGraph(name string) *Query {
	c := q.clone()
	c.GraphName = name
	return c
}

// Into maps results onto t instead of the entity.
func (q *Query) Into(t reflect.Type) *Query {
	c := q.clone()
	c.Projection = t
	return c
}

// OrderedBy adds a static sort applied before any pagination sort.
func (q *Query) OrderedBy(sort Sort) *Query {
	c := q.clone()
	c.Sort = c.Sort.And(sort)
	return c
}

// Limit caps the number of rows returned.
func (q *Query) Limit(n int) *Query {
	c := q.clone()
	c.MaxResults = n
	return c
}

// CacheKey identifies the compiled plan of q.
func (q *Query) CacheKey() string {
	var b strings.Builder
	b.WriteString(string(q.Kind))
	if q.Entity != nil {
		b.WriteString("|" + q.Entity.String())
	}
	b.WriteString("|" + q.Name + "|" + q.Text + "|" + q.CountText)
	if q.Condition != nil {
		fmt.Fprintf(&b, "|%v", q.Condition)
	}
	fmt.Fprintf(&b, "|%v|%s", q.Graph, q.GraphName)
	if q.Projection != nil {
		b.WriteString("|" + q.Projection.String())
	}
	fmt.Fprintf(&b, "|%v|%d", q.Sort, q.MaxResults)
	return b.String()
}

func (q *Query) String() string {
	switch q.Kind {
	case QueryTemplate, QueryNative:
		return q.Text
	case QuerySpecification:
		return fmt.Sprintf("%v", q.Condition)
	}
	if q.Entity != nil {
		return q.Entity.Name() + "." + q.Name
	}
	return q.Name
}

// Args carries query bindings: positional (?1, derived parameters) and named (:name).
type Args struct {
	Positional []any
	Named      map[string]any
}

// Positional binds values in order.
func Positional(values ...any) Args {
	return Args{Positional: values}
}

// NamedArgs binds alternating name/value pairs.
func NamedArgs(pairs ...any) Args {
	named := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		named[name] = pairs[i+1]
	}
	return Args{Named: named}
}

// Lookup resolves a parameter.
func (a Args) Lookup(p Param) (any, bool) {
	if p.Position > 0 {
		if p.Position > len(a.Positional) {
			return nil, false
		}
		return a.Positional[p.Position-1], true
	}
	v, ok := a.Named[p.Name]
	return v, ok
}
