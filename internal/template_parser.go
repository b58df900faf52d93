package internal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
)

type stmtKind int

const (
	stmtSelect stmtKind = iota
	stmtUpdate
	stmtDelete
)

type templateItem struct {
	path     string
	count    bool
	distinct bool
}

type templateJoin struct {
	left  bool
	fetch bool
	path  string
	alias string
}

// operand is a path reference or a bound value (literal or orma.Param).
type operand struct {
	path  string
	value any
}

type setClause struct {
	path  string
	left  operand
	op    string
	right *operand
}

type templateStatement struct {
	kind     stmtKind
	distinct bool
	items    []templateItem
	newType  string
	entity   string
	alias    string
	joins    []templateJoin
	where    orma.Condition
	orders   orma.Sort
	sets     []setClause
	named    *Set[string]
	position *Set[int]
}

type templateParser struct {
	src    string
	tokens []token
	pos    int
	stmt   *templateStatement
}

func parseTemplate(src string) (*templateStatement, error) {
	tokens, err := lexTemplate(src)
	if err != nil {
		return nil, malformed(src, err.Error())
	}
	p := &templateParser{
		src:    src,
		tokens: tokens,
		stmt:   &templateStatement{named: NewSet[string](), position: NewSet[int]()},
	}

	switch {
	case p.acceptKeyword("select"):
		err = p.parseSelect()
	case p.acceptKeyword("update"):
		err = p.parseUpdate()
	case p.acceptKeyword("delete"):
		err = p.parseDelete()
	default:
		err = p.errorf("expected select, update or delete, found %s", p.peek())
	}
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s", p.peek())
	}
	return p.stmt, nil
}

func malformed(src, msg string) *orma.OrmaError {
	return orma.NewValidationError("query", msg).WithDetail("query", src)
}

func (p *templateParser) errorf(format string, args ...any) error {
	return malformed(p.src, fmt.Sprintf(format, args...))
}

func (p *templateParser) peek() token { return p.tokens[p.pos] }

func (p *templateParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *templateParser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == kw
}

func (p *templateParser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *templateParser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, found %s", strings.ToUpper(kw), p.peek())
	}
	return nil
}

func (p *templateParser) acceptSymbol(sym string) bool {
	t := p.peek()
	if t.kind == tokSymbol && t.text == sym {
		p.pos++
		return true
	}
	return false
}

func (p *templateParser) expectSymbol(sym string) error {
	if !p.acceptSymbol(sym) {
		return p.errorf("expected %q, found %s", sym, p.peek())
	}
	return nil
}

func (p *templateParser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected identifier, found %s", t)
	}
	p.pos++
	return t.text, nil
}

// path reads alias{.segment}; segments may collide with keywords ("m.count").
func (p *templateParser) path() (string, error) {
	head, err := p.ident()
	if err != nil {
		return "", err
	}
	parts := []string{head}
	for p.acceptSymbol(".") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokKeyword {
			return "", p.errorf("expected attribute after '.', found %s", t)
		}
		parts = append(parts, t.text)
	}
	return strings.Join(parts, "."), nil
}

// entityRef reads "Entity [[as] alias]".
func (p *templateParser) entityRef() error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	p.stmt.entity = name
	p.stmt.alias = strings.ToLower(name[:1]) + name[1:]
	p.acceptKeyword("as")
	if p.peek().kind == tokIdent {
		p.stmt.alias = p.next().text
	}
	return nil
}

func (p *templateParser) parseSelect() error {
	p.stmt.kind = stmtSelect
	p.stmt.distinct = p.acceptKeyword("distinct")

	if p.acceptKeyword("new") {
		name, err := p.path()
		if err != nil {
			return err
		}
		p.stmt.newType = name[strings.LastIndex(name, ".")+1:]
		if err := p.expectSymbol("("); err != nil {
			return err
		}
		if err := p.selectItems(); err != nil {
			return err
		}
		if err := p.expectSymbol(")"); err != nil {
			return err
		}
	} else if err := p.selectItems(); err != nil {
		return err
	}

	if err := p.expectKeyword("from"); err != nil {
		return err
	}
	if err := p.entityRef(); err != nil {
		return err
	}
	if err := p.parseJoins(); err != nil {
		return err
	}
	if p.acceptKeyword("where") {
		cond, err := p.orExpr()
		if err != nil {
			return err
		}
		p.stmt.where = cond
	}
	if p.acceptKeyword("order") {
		if err := p.expectKeyword("by"); err != nil {
			return err
		}
		for {
			path, err := p.path()
			if err != nil {
				return err
			}
			order := orma.Order{Property: path, Direction: orma.SortOrderAsc}
			if p.acceptKeyword("desc") {
				order.Direction = orma.SortOrderDesc
			} else {
				p.acceptKeyword("asc")
			}
			p.stmt.orders = append(p.stmt.orders, order)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	return nil
}

func (p *templateParser) selectItems() error {
	for {
		var item templateItem
		if p.acceptKeyword("count") {
			if err := p.expectSymbol("("); err != nil {
				return err
			}
			item.count = true
			item.distinct = p.acceptKeyword("distinct")
			path, err := p.path()
			if err != nil {
				return err
			}
			item.path = path
			if err := p.expectSymbol(")"); err != nil {
				return err
			}
		} else {
			path, err := p.path()
			if err != nil {
				return err
			}
			item.path = path
		}
		p.stmt.items = append(p.stmt.items, item)
		if !p.acceptSymbol(",") {
			return nil
		}
	}
}

func (p *templateParser) parseJoins() error {
	for {
		var join templateJoin
		switch {
		case p.acceptKeyword("left"):
			p.acceptKeyword("outer")
			join.left = true
		case p.acceptKeyword("inner"):
		}
		if !p.acceptKeyword("join") {
			if join.left {
				return p.errorf("expected JOIN, found %s", p.peek())
			}
			return nil
		}
		join.fetch = p.acceptKeyword("fetch")
		path, err := p.path()
		if err != nil {
			return err
		}
		if !strings.Contains(path, ".") {
			return p.errorf("join path %q must start with an alias", path)
		}
		join.path = path
		p.acceptKeyword("as")
		if p.peek().kind == tokIdent {
			join.alias = p.next().text
		}
		p.stmt.joins = append(p.stmt.joins, join)
	}
}

func (p *templateParser) parseUpdate() error {
	p.stmt.kind = stmtUpdate
	if err := p.entityRef(); err != nil {
		return err
	}
	if err := p.expectKeyword("set"); err != nil {
		return err
	}
	for {
		path, err := p.path()
		if err != nil {
			return err
		}
		if err := p.expectSymbol("="); err != nil {
			return err
		}
		left, err := p.operand()
		if err != nil {
			return err
		}
		clause := setClause{path: path, left: left}
		for _, op := range []string{"+", "-", "*"} {
			if p.acceptSymbol(op) {
				right, err := p.operand()
				if err != nil {
					return err
				}
				clause.op = op
				clause.right = &right
				break
			}
		}
		p.stmt.sets = append(p.stmt.sets, clause)
		if !p.acceptSymbol(",") {
			break
		}
	}
	if p.acceptKeyword("where") {
		cond, err := p.orExpr()
		if err != nil {
			return err
		}
		p.stmt.where = cond
	}
	return nil
}

func (p *templateParser) parseDelete() error {
	p.stmt.kind = stmtDelete
	p.acceptKeyword("from")
	if err := p.entityRef(); err != nil {
		return err
	}
	if p.acceptKeyword("where") {
		cond, err := p.orExpr()
		if err != nil {
			return err
		}
		p.stmt.where = cond
	}
	return nil
}

func (p *templateParser) orExpr() (orma.Condition, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	conds := []orma.Condition{left}
	for p.acceptKeyword("or") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		conds = append(conds, right)
	}
	return orma.Or(conds...), nil
}

func (p *templateParser) andExpr() (orma.Condition, error) {
	left, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	conds := []orma.Condition{left}
	for p.acceptKeyword("and") {
		right, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		conds = append(conds, right)
	}
	return orma.And(conds...), nil
}

func (p *templateParser) notExpr() (orma.Condition, error) {
	if p.acceptKeyword("not") {
		inner, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return orma.Not(inner), nil
	}
	if p.acceptSymbol("(") {
		inner, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		return inner, p.expectSymbol(")")
	}
	return p.comparison()
}

func (p *templateParser) comparison() (orma.Condition, error) {
	pred := &orma.Predicate{}
	if p.isKeyword("lower") || p.isKeyword("upper") {
		p.next()
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		pred.IgnoreCase = true
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		pred.Path = path
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	} else {
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		pred.Path = path
	}

	t := p.peek()
	if t.kind == tokSymbol {
		ops := map[string]orma.Operator{
			"=": orma.OpEquals, "<>": orma.OpNotEquals, "!=": orma.OpNotEquals,
			"<": orma.OpLessThan, "<=": orma.OpLessEq, ">": orma.OpGreaterThan, ">=": orma.OpGreaterEq,
		}
		op, ok := ops[t.text]
		if !ok {
			return nil, p.errorf("unexpected %s", t)
		}
		p.next()
		value, err := p.valueOperand()
		if err != nil {
			return nil, err
		}
		pred.Operator = op
		pred.Value = value
		return pred, nil
	}

	if p.acceptKeyword("is") {
		pred.Operator = orma.OpIsNull
		if p.acceptKeyword("not") {
			pred.Operator = orma.OpIsNotNull
		}
		return pred, p.expectKeyword("null")
	}

	negated := p.acceptKeyword("not")
	switch {
	case p.acceptKeyword("in"):
		pred.Operator = orma.OpIn
		if negated {
			pred.Operator = orma.OpNotIn
		}
		if p.acceptSymbol("(") {
			var values []any
			for {
				v, err := p.valueOperand()
				if err != nil {
					return nil, err
				}
				values = append(values, v)
				if !p.acceptSymbol(",") {
					break
				}
			}
			pred.Value = values
			return pred, p.expectSymbol(")")
		}
		v, err := p.valueOperand()
		if err != nil {
			return nil, err
		}
		pred.Value = v
		return pred, nil

	case p.acceptKeyword("like"):
		pred.Operator = orma.OpLike
		if negated {
			pred.Operator = orma.OpNotLike
		}
		v, err := p.valueOperand()
		if err != nil {
			return nil, err
		}
		pred.Value = v
		return pred, nil

	case p.acceptKeyword("between"):
		lo, err := p.valueOperand()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("and"); err != nil {
			return nil, err
		}
		hi, err := p.valueOperand()
		if err != nil {
			return nil, err
		}
		pred.Operator = orma.OpBetween
		pred.Value = []any{lo, hi}
		if negated {
			return orma.Not(pred), nil
		}
		return pred, nil
	}
	return nil, p.errorf("expected comparison after %s, found %s", pred.Path, p.peek())
}

// valueOperand reads a literal or parameter; comparisons against other paths are not supported.
func (p *templateParser) valueOperand() (any, error) {
	op, err := p.operand()
	if err != nil {
		return nil, err
	}
	if op.path != "" {
		return nil, p.errorf("comparison with path %s is not supported", op.path)
	}
	return op.value, nil
}

func (p *templateParser) operand() (operand, error) {
	t := p.peek()
	switch t.kind {
	case tokNamedParam:
		p.next()
		p.stmt.named.Add(t.text)
		return operand{value: orma.NamedParam(t.text)}, nil
	case tokPositionalParam:
		p.next()
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return operand{}, p.errorf("invalid positional parameter ?%s", t.text)
		}
		p.stmt.position.Add(n)
		return operand{value: orma.PositionalParam(n)}, nil
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return operand{}, p.errorf("invalid number %s", t.text)
			}
			return operand{value: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return operand{}, p.errorf("invalid number %s", t.text)
		}
		return operand{value: n}, nil
	case tokString:
		p.next()
		return operand{value: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "true":
			p.next()
			return operand{value: true}, nil
		case "false":
			p.next()
			return operand{value: false}, nil
		}
	case tokIdent:
		path, err := p.path()
		if err != nil {
			return operand{}, err
		}
		return operand{path: path}, nil
	case tokSymbol:
		if t.text == "-" {
			p.next()
			inner, err := p.operand()
			if err != nil {
				return operand{}, err
			}
			switch v := inner.value.(type) {
			case int64:
				return operand{value: -v}, nil
			case float64:
				return operand{value: -v}, nil
			}
			return operand{}, p.errorf("unary minus needs a number")
		}
	}
	return operand{}, p.errorf("expected value, found %s", t)
}
