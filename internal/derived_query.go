package internal

import (
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
)

type derivedSubject string

const (
	subjectFind   derivedSubject = "find"
	subjectCount  derivedSubject = "count"
	subjectExists derivedSubject = "exists"
	subjectDelete derivedSubject = "delete"
)

var subjectVerbs = map[string]derivedSubject{
	"find":   subjectFind,
	"read":   subjectFind,
	"get":    subjectFind,
	"query":  subjectFind,
	"search": subjectFind,
	"stream": subjectFind,
	"count":  subjectCount,
	"exists": subjectExists,
	"delete": subjectDelete,
	"remove": subjectDelete,
}

// DerivedPart is one comparison of a derived query. Conjunction joins it with the next part
// and is empty for the last one.
type DerivedPart struct {
	Path        string
	Operator    orma.Operator
	IgnoreCase  bool
	Conjunction orma.Logic
}

// DerivedMethod is the parsed form of a query method name.
type DerivedMethod struct {
	Method   string
	Subject  derivedSubject
	Distinct bool
	Limit    int
	Parts    []DerivedPart
	Orders   orma.Sort
}

// Arity is the number of positional arguments the method takes.
func (m *DerivedMethod) Arity() int {
	n := 0
	for _, p := range m.Parts {
		n += p.Operator.Arity()
	}
	return n
}

// Condition builds the predicate tree, an OR of AND groups, with positional parameters in method order.
func (m *DerivedMethod) Condition() orma.Condition {
	var (
		groups  []orma.Condition
		current []orma.Condition
		next    = 1
	)
	for _, part := range m.Parts {
		pred := &orma.Predicate{Path: part.Path, Operator: part.Operator, IgnoreCase: part.IgnoreCase}
		switch part.Operator.Arity() {
		case 1:
			pred.Value = orma.PositionalParam(next)
		case 2:
			pred.Value = []any{orma.PositionalParam(next), orma.PositionalParam(next + 1)}
		}
		next += part.Operator.Arity()
		current = append(current, pred)
		if part.Conjunction != orma.LogicAnd {
			groups = append(groups, orma.And(current...))
			current = nil
		}
	}
	return orma.Or(groups...)
}

var derivedOperators = []struct {
	words []string
	op    orma.Operator
}{
	{[]string{"Is", "Not", "Null"}, orma.OpIsNotNull},
	{[]string{"Not", "Null"}, orma.OpIsNotNull},
	{[]string{"Is", "Null"}, orma.OpIsNull},
	{[]string{"Null"}, orma.OpIsNull},
	{[]string{"Is", "Greater", "Than", "Equal"}, orma.OpGreaterEq},
	{[]string{"Greater", "Than", "Equal"}, orma.OpGreaterEq},
	{[]string{"Is", "Greater", "Than"}, orma.OpGreaterThan},
	{[]string{"Greater", "Than"}, orma.OpGreaterThan},
	{[]string{"Is", "Less", "Than", "Equal"}, orma.OpLessEq},
	{[]string{"Less", "Than", "Equal"}, orma.OpLessEq},
	{[]string{"Is", "Less", "Than"}, orma.OpLessThan},
	{[]string{"Less", "Than"}, orma.OpLessThan},
	{[]string{"Is", "After"}, orma.OpGreaterThan},
	{[]string{"After"}, orma.OpGreaterThan},
	{[]string{"Is", "Before"}, orma.OpLessThan},
	{[]string{"Before"}, orma.OpLessThan},
	{[]string{"Is", "Between"}, orma.OpBetween},
	{[]string{"Between"}, orma.OpBetween},
	{[]string{"Is", "Not", "In"}, orma.OpNotIn},
	{[]string{"Not", "In"}, orma.OpNotIn},
	{[]string{"Is", "In"}, orma.OpIn},
	{[]string{"In"}, orma.OpIn},
	{[]string{"Is", "Not", "Like"}, orma.OpNotLike},
	{[]string{"Not", "Like"}, orma.OpNotLike},
	{[]string{"Is", "Like"}, orma.OpLike},
	{[]string{"Like"}, orma.OpLike},
	{[]string{"Is", "Starting", "With"}, orma.OpStartsWith},
	{[]string{"Starting", "With"}, orma.OpStartsWith},
	{[]string{"Starts", "With"}, orma.OpStartsWith},
	{[]string{"Is", "Ending", "With"}, orma.OpEndsWith},
	{[]string{"Ending", "With"}, orma.OpEndsWith},
	{[]string{"Ends", "With"}, orma.OpEndsWith},
	{[]string{"Is", "Containing"}, orma.OpContains},
	{[]string{"Containing"}, orma.OpContains},
	{[]string{"Contains"}, orma.OpContains},
	{[]string{"Is", "True"}, orma.OpTrue},
	{[]string{"True"}, orma.OpTrue},
	{[]string{"Is", "False"}, orma.OpFalse},
	{[]string{"False"}, orma.OpFalse},
	{[]string{"Is", "Not"}, orma.OpNotEquals},
	{[]string{"Not"}, orma.OpNotEquals},
	{[]string{"Is", "Equal"}, orma.OpEquals},
	{[]string{"Equals"}, orma.OpEquals},
	{[]string{"Is"}, orma.OpEquals},
}

type derivedParser struct {
	reg    *EntityRegistry
	root   *orma.EntityDescriptor
	method string
	words  []string
	pos    int
}

// parseDerivedMethod tokenizes a method name into camel-case words and parses them with recursive descent:
//
//	method    := subject [Distinct] [First|TopN] ... [By [predicate] [OrderBy order+]]
//	predicate := group {Or group}
//	group     := part {And part}
//	part      := property [operator] [IgnoreCase]
//	order     := property [Asc|Desc]
func parseDerivedMethod(reg *EntityRegistry, root *orma.EntityDescriptor, method string) (*DerivedMethod, error) {
	p := &derivedParser{reg: reg, root: root, method: method, words: splitCamel(method)}
	if len(p.words) == 0 {
		return nil, orma.NewUnsupportedPredicateError(method, "")
	}

	subject, ok := subjectVerbs[p.words[0]]
	if !ok {
		return nil, orma.NewUnsupportedPredicateError(method, p.words[0])
	}
	m := &DerivedMethod{Method: method, Subject: subject}
	p.pos = 1

	for ; p.pos < len(p.words) && p.words[p.pos] != "By"; p.pos++ {
		w := p.words[p.pos]
		switch {
		case w == "Distinct":
			m.Distinct = true
		case strings.HasPrefix(w, "First") || strings.HasPrefix(w, "Top"):
			digits := strings.TrimPrefix(strings.TrimPrefix(w, "First"), "Top")
			if digits == "" {
				m.Limit = 1
				continue
			}
			n, err := strconv.Atoi(digits)
			if err != nil || n <= 0 {
				// part of a free-form subject such as "findTopics"
				continue
			}
			m.Limit = n
		}
	}
	if p.pos >= len(p.words) {
		return m, nil
	}
	p.pos++ // By

	if !p.atOrderBy() && p.pos < len(p.words) {
		if err := p.parsePredicate(m); err != nil {
			return nil, err
		}
	}
	if p.atOrderBy() {
		p.pos += 2
		if err := p.parseOrders(m); err != nil {
			return nil, err
		}
	}
	if p.pos < len(p.words) {
		return nil, orma.NewUnsupportedPredicateError(method, p.words[p.pos])
	}
	return m, nil
}

func (p *derivedParser) atOrderBy() bool {
	return p.pos+1 < len(p.words) && p.words[p.pos] == "Order" && p.words[p.pos+1] == "By"
}

func (p *derivedParser) parsePredicate(m *DerivedMethod) error {
	for {
		part, err := p.parsePart()
		if err != nil {
			return err
		}
		if p.pos < len(p.words) {
			switch p.words[p.pos] {
			case "And":
				part.Conjunction = orma.LogicAnd
			case "Or":
				part.Conjunction = orma.LogicOr
			}
		}
		m.Parts = append(m.Parts, part)
		if part.Conjunction == "" {
			return nil
		}
		p.pos++
		if p.pos >= len(p.words) {
			return orma.NewUnsupportedPredicateError(p.method, p.words[p.pos-1])
		}
	}
}

func (p *derivedParser) parsePart() (DerivedPart, error) {
	path, n := p.matchProperty(p.root, p.pos)
	if n == 0 {
		return DerivedPart{}, orma.NewUnsupportedPredicateError(p.method, p.words[p.pos]).
			WithDetail("entity", p.root.Name)
	}
	p.pos += n

	part := DerivedPart{Path: path, Operator: orma.OpEquals}
	best := 0
	for _, candidate := range derivedOperators {
		if len(candidate.words) > best && p.wordsAt(p.pos, candidate.words) {
			best = len(candidate.words)
			part.Operator = candidate.op
		}
	}
	p.pos += best

	if p.wordsAt(p.pos, []string{"Ignore", "Case"}) || p.wordsAt(p.pos, []string{"Ignoring", "Case"}) {
		part.IgnoreCase = true
		p.pos += 2
	}

	if p.pos < len(p.words) && !p.atOrderBy() {
		switch p.words[p.pos] {
		case "And", "Or":
		default:
			return DerivedPart{}, orma.NewUnsupportedPredicateError(p.method, p.words[p.pos])
		}
	}
	return part, nil
}

func (p *derivedParser) parseOrders(m *DerivedMethod) error {
	for p.pos < len(p.words) {
		path, n := p.matchProperty(p.root, p.pos)
		if n == 0 {
			return orma.NewUnsupportedPredicateError(p.method, p.words[p.pos])
		}
		p.pos += n
		order := orma.Order{Property: path, Direction: orma.SortOrderAsc}
		if p.pos < len(p.words) {
			switch p.words[p.pos] {
			case "Asc":
				p.pos++
			case "Desc":
				order.Direction = orma.SortOrderDesc
				p.pos++
			}
		}
		m.Orders = append(m.Orders, order)
	}
	if len(m.Orders) == 0 {
		return orma.NewUnsupportedPredicateError(p.method, "OrderBy")
	}
	return nil
}

func (p *derivedParser) wordsAt(pos int, words []string) bool {
	if pos+len(words) > len(p.words) {
		return false
	}
	for i, w := range words {
		if p.words[pos+i] != w {
			return false
		}
	}
	return true
}

// matchProperty finds the longest run of words naming a property of desc, descending through
// to-one associations ("TeamName" -> team.name). It returns the dotted path and the words consumed.
func (p *derivedParser) matchProperty(desc *orma.EntityDescriptor, pos int) (string, int) {
	for k := len(p.words) - pos; k >= 1; k-- {
		candidate := lowerCamel(strings.Join(p.words[pos:pos+k], ""))
		if _, ok := desc.Field(candidate); ok {
			return candidate, k
		}
		assoc, ok := desc.Association(candidate)
		if !ok || assoc.IsCollection() {
			continue
		}
		if pos+k < len(p.words) {
			target := p.reg.names[assoc.Target]
			if nested, n := p.matchProperty(target, pos+k); n > 0 {
				return assoc.Name + "." + nested, k + n
			}
		}
		if assoc.Owning {
			return assoc.Name, k
		}
	}
	return "", 0
}
