package internal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
)

// SQLGenerator renders compiled plans into dialect-specific SQL and argument lists.
type SQLGenerator struct {
	dialect orma.Dialect
	reg     *EntityRegistry
}

// NewSQLGenerator constructs a SQLGenerator.
func NewSQLGenerator(dialect orma.Dialect, reg *EntityRegistry) *SQLGenerator {
	return &SQLGenerator{dialect: dialect, reg: reg}
}

// selectOptions carry what varies per execution of a cached plan.
type selectOptions struct {
	scope  *pathScope
	orders []orderItem
	sort   orma.Sort
	limit  int
	offset int
}

func (g *SQLGenerator) placeholder(paramIndex *int) string {
	*paramIndex++
	return g.dialect.Placeholder(*paramIndex)
}

// column renders "alias.column" or a bare column with the column quoted.
func (g *SQLGenerator) column(ref string) string {
	alias, col, ok := strings.Cut(ref, ".")
	if !ok {
		return g.dialect.Quote(ref)
	}
	return alias + "." + g.dialect.Quote(col)
}

func (g *SQLGenerator) bind(v any, args orma.Args) (any, error) {
	p, ok := v.(orma.Param)
	if !ok {
		return g.reg.bindValue(v), nil
	}
	value, ok := args.Lookup(p)
	if !ok {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeParameterBinding,
			fmt.Sprintf("parameter %s is not bound", p))
	}
	return g.reg.bindValue(value), nil
}

// ToSqlClauses builds the SQL clause and arguments for a bound condition tree.
func (g *SQLGenerator) ToSqlClauses(condition orma.Condition, args orma.Args, paramIndex *int) (string, []any, error) {
	if condition == nil {
		return "", nil, nil
	}
	return g.buildCondition(condition, args, paramIndex)
}

func (g *SQLGenerator) buildCondition(condition orma.Condition, args orma.Args, paramIndex *int) (string, []any, error) {
	switch cond := condition.(type) {
	case *orma.CompositeCondition:
		return g.buildComposite(cond, args, paramIndex)
	case *orma.Negation:
		sql, vals, err := g.buildCondition(cond.Condition, args, paramIndex)
		if err != nil || sql == "" {
			return sql, vals, err
		}
		return "NOT (" + sql + ")", vals, nil
	case *orma.Predicate:
		return g.buildPredicate(cond, args, paramIndex)
	default:
		return "", nil, fmt.Errorf("unsupported condition type %T", condition)
	}
}

func (g *SQLGenerator) buildComposite(c *orma.CompositeCondition, args orma.Args, paramIndex *int) (string, []any, error) {
	if len(c.Conditions) == 0 {
		return "", nil, nil
	}

	var sqlJoiner string
	switch c.Logic {
	case orma.LogicAnd:
		sqlJoiner = " AND "
	case orma.LogicOr:
		sqlJoiner = " OR "
	default:
		return "", nil, fmt.Errorf("unknown logic: %s", c.Logic)
	}

	var childClauses []string
	var allArgs []any

	for _, cond := range c.Conditions {
		sql, vals, err := g.buildCondition(cond, args, paramIndex)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		childClauses = append(childClauses, fmt.Sprintf("(%s)", sql))
		allArgs = append(allArgs, vals...)
	}

	if len(childClauses) == 0 {
		return "", nil, nil
	}
	if len(childClauses) == 1 {
		return childClauses[0], allArgs, nil
	}
	return "(" + strings.Join(childClauses, sqlJoiner) + ")", allArgs, nil
}

var comparisonOperators = map[orma.Operator]string{
	orma.OpEquals:      "=",
	orma.OpNotEquals:   "<>",
	orma.OpGreaterThan: ">",
	orma.OpGreaterEq:   ">=",
	orma.OpLessThan:    "<",
	orma.OpLessEq:      "<=",
	orma.OpLike:        "LIKE",
	orma.OpNotLike:     "NOT LIKE",
}

func (g *SQLGenerator) buildPredicate(p *orma.Predicate, args orma.Args, paramIndex *int) (string, []any, error) {
	col := g.column(p.Path)
	if p.IgnoreCase {
		col = "LOWER(" + col + ")"
	}
	fold := func(v any) any {
		if s, ok := v.(string); ok && p.IgnoreCase {
			return strings.ToLower(s)
		}
		return v
	}

	switch p.Operator {
	case orma.OpIsNull:
		return col + " IS NULL", nil, nil
	case orma.OpIsNotNull:
		return col + " IS NOT NULL", nil, nil
	case orma.OpTrue, orma.OpFalse:
		return col + " = " + g.placeholder(paramIndex), []any{p.Operator == orma.OpTrue}, nil

	case orma.OpBetween:
		bounds, ok := p.Value.([]any)
		if !ok || len(bounds) != 2 {
			return "", nil, orma.NewValidationError(p.Path, "between needs a lower and an upper bound")
		}
		lo, err := g.bind(bounds[0], args)
		if err != nil {
			return "", nil, err
		}
		hi, err := g.bind(bounds[1], args)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("%s BETWEEN %s AND %s", col, g.placeholder(paramIndex), g.placeholder(paramIndex))
		return sql, []any{fold(lo), fold(hi)}, nil

	case orma.OpIn, orma.OpNotIn:
		values, err := g.expand(p.Value, args)
		if err != nil {
			return "", nil, err
		}
		if len(values) == 0 {
			if p.Operator == orma.OpIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		marks := make([]string, len(values))
		for i := range values {
			marks[i] = g.placeholder(paramIndex)
			values[i] = fold(values[i])
		}
		keyword := "IN"
		if p.Operator == orma.OpNotIn {
			keyword = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, keyword, strings.Join(marks, ", ")), values, nil
	}

	value, err := g.bind(p.Value, args)
	if err != nil {
		return "", nil, err
	}
	value = fold(value)

	switch p.Operator {
	case orma.OpStartsWith, orma.OpEndsWith, orma.OpContains:
		s := fmt.Sprint(value)
		switch p.Operator {
		case orma.OpStartsWith:
			s += "%"
		case orma.OpEndsWith:
			s = "%" + s
		default:
			s = "%" + s + "%"
		}
		return col + " LIKE " + g.placeholder(paramIndex), []any{s}, nil
	case orma.OpEquals, orma.OpNotEquals:
		if value == nil {
			if p.Operator == orma.OpEquals {
				return col + " IS NULL", nil, nil
			}
			return col + " IS NOT NULL", nil, nil
		}
	}

	sqlOp, ok := comparisonOperators[p.Operator]
	if !ok {
		return "", nil, orma.NewValidationError(p.Path, fmt.Sprintf("unsupported operator %s", p.Operator))
	}
	return fmt.Sprintf("%s %s %s", col, sqlOp, g.placeholder(paramIndex)), []any{value}, nil
}

// expand flattens an IN operand: a literal list, or a parameter bound to a slice.
func (g *SQLGenerator) expand(v any, args orma.Args) ([]any, error) {
	if list, ok := v.([]any); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			bound, err := g.bind(item, args)
			if err != nil {
				return nil, err
			}
			more, err := g.expand(bound, args)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil
	}
	bound, err := g.bind(v, args)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(bound)
	if bound == nil || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{bound}, nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = g.reg.bindValue(rv.Index(i).Interface())
	}
	return out, nil
}

func (g *SQLGenerator) from(desc *orma.EntityDescriptor, alias string, scope *pathScope) string {
	var b strings.Builder
	b.WriteString(" FROM " + g.dialect.Quote(desc.Table) + " " + alias)
	for _, j := range scope.joins {
		if j.left {
			b.WriteString(" LEFT JOIN ")
		} else {
			b.WriteString(" JOIN ")
		}
		b.WriteString(g.dialect.Quote(j.target.Table) + " " + j.alias + " ON ")
		parent := scope.aliases[j.parent]
		if j.assoc.Owning {
			fmt.Fprintf(&b, "%s.%s = %s.%s", j.parent, g.dialect.Quote(j.assoc.JoinColumn), j.alias, g.dialect.Quote(j.target.ID.Column))
		} else {
			fmt.Fprintf(&b, "%s.%s = %s.%s", j.alias, g.dialect.Quote(j.assoc.JoinColumn), j.parent, g.dialect.Quote(parent.ID.Column))
		}
	}
	return b.String()
}

// Select renders a select or count plan.
func (g *SQLGenerator) Select(plan *queryPlan, args orma.Args, opts selectOptions) (string, []any, error) {
	scope := opts.scope
	if scope == nil {
		scope = plan.scope
	}
	paramIndex := 0

	var b strings.Builder
	b.WriteString("SELECT ")
	if plan.distinct && plan.kind == planSelect {
		b.WriteString("DISTINCT ")
	}
	cols := make([]string, 0, len(plan.selects))
	for _, item := range plan.selects {
		switch {
		case item.count && item.ref.column == "":
			cols = append(cols, "COUNT(*)")
		case item.count && item.distinct:
			cols = append(cols, "COUNT(DISTINCT "+g.column(item.ref.String())+")")
		case item.count:
			cols = append(cols, "COUNT("+g.column(item.ref.String())+")")
		default:
			cols = append(cols, g.column(item.ref.String()))
		}
	}
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(g.from(plan.root, scope.root, scope))

	where, vals, err := g.ToSqlClauses(plan.where, args, &paramIndex)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		b.WriteString(" WHERE " + where)
	}

	if len(opts.orders) > 0 {
		parts := make([]string, 0, len(opts.orders))
		for _, o := range opts.orders {
			col := g.column(o.ref.String())
			if o.ignoreCase {
				col = "LOWER(" + col + ")"
			}
			if o.desc {
				col += " DESC"
			} else {
				col += " ASC"
			}
			parts = append(parts, col)
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if opts.limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(opts.limit))
	}
	if opts.offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(opts.offset))
	}
	return b.String(), vals, nil
}

// Bulk renders a bulk update or delete. Bulk statements address the table without an alias.
func (g *SQLGenerator) Bulk(plan *queryPlan, args orma.Args) (string, []any, error) {
	paramIndex := 0
	var (
		b    strings.Builder
		vals []any
	)
	table := g.dialect.Quote(plan.root.Table)

	if plan.kind == planUpdate {
		b.WriteString("UPDATE " + table + " SET ")
		operand := func(o operandPlan) (string, error) {
			if o.column != "" {
				return g.dialect.Quote(o.column), nil
			}
			v, err := g.bind(o.value, args)
			if err != nil {
				return "", err
			}
			vals = append(vals, v)
			return g.placeholder(&paramIndex), nil
		}
		for i, set := range plan.sets {
			if i > 0 {
				b.WriteString(", ")
			}
			left, err := operand(set.left)
			if err != nil {
				return "", nil, err
			}
			expr := left
			if set.right != nil {
				right, err := operand(*set.right)
				if err != nil {
					return "", nil, err
				}
				expr = left + " " + set.op + " " + right
			}
			b.WriteString(g.dialect.Quote(set.column) + " = " + expr)
		}
	} else {
		b.WriteString("DELETE FROM " + table)
	}

	where, whereArgs, err := g.ToSqlClauses(plan.where, args, &paramIndex)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		b.WriteString(" WHERE " + where)
		vals = append(vals, whereArgs...)
	}
	return b.String(), vals, nil
}

// Native renders raw SQL, expanding slice arguments into placeholder lists. With a sort or
// a page window the statement is wrapped so its own ORDER BY stays intact.
func (g *SQLGenerator) Native(plan *queryPlan, args orma.Args, sortBy orma.Sort, limit, offset int) (string, []any, error) {
	paramIndex := 0
	var (
		b    strings.Builder
		vals []any
	)
	for _, seg := range plan.native {
		b.WriteString(seg.text)
		if seg.param == nil {
			continue
		}
		bound, err := g.expand(*seg.param, args)
		if err != nil {
			return "", nil, err
		}
		marks := make([]string, len(bound))
		for i := range bound {
			marks[i] = g.placeholder(&paramIndex)
		}
		b.WriteString(strings.Join(marks, ", "))
		vals = append(vals, bound...)
	}
	sql := strings.TrimRight(strings.TrimSpace(b.String()), ";")
	if len(sortBy) == 0 && limit == 0 && offset == 0 {
		return sql, vals, nil
	}

	var w strings.Builder
	w.WriteString("SELECT * FROM (" + sql + ") q")
	if len(sortBy) > 0 {
		parts := make([]string, 0, len(sortBy))
		for _, o := range sortBy {
			col := snakeCase(o.Property)
			if plan.root != nil {
				if f, ok := plan.root.Field(o.Property); ok {
					col = f.Column
				}
			}
			part := "q." + g.dialect.Quote(col)
			if o.Direction == orma.SortOrderDesc {
				part += " DESC"
			}
			parts = append(parts, part)
		}
		w.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if limit > 0 {
		w.WriteString(" LIMIT " + strconv.Itoa(limit))
	}
	if offset > 0 {
		w.WriteString(" OFFSET " + strconv.Itoa(offset))
	}
	return w.String(), vals, nil
}

// Insert renders an insert of every mapped column. Identity keys are left to the database and read back.
func (g *SQLGenerator) Insert(desc *orma.EntityDescriptor, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	paramIndex := 0
	for i, c := range columns {
		quoted[i] = g.dialect.Quote(c)
		marks[i] = g.placeholder(&paramIndex)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", g.dialect.Quote(desc.Table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if desc.ID.Strategy == orma.IDIdentity {
		sql += " RETURNING " + g.dialect.Quote(desc.ID.Column)
	}
	return sql
}

// UpdateByID renders an update of the given columns; the key is the last argument.
func (g *SQLGenerator) UpdateByID(desc *orma.EntityDescriptor, columns []string) string {
	sets := make([]string, len(columns))
	paramIndex := 0
	for i, c := range columns {
		sets[i] = g.dialect.Quote(c) + " = " + g.placeholder(&paramIndex)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", g.dialect.Quote(desc.Table), strings.Join(sets, ", "),
		g.dialect.Quote(desc.ID.Column), g.placeholder(&paramIndex))
}

// DeleteByID renders a delete of one row.
func (g *SQLGenerator) DeleteByID(desc *orma.EntityDescriptor) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", g.dialect.Quote(desc.Table), g.dialect.Quote(desc.ID.Column), g.dialect.Placeholder(1))
}
