package internal

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/lychee-technology/orma"
)

type planKind int

const (
	planSelect planKind = iota
	planCount
	planExists
	planUpdate
	planDelete
	planDerivedDelete
	planNative
)

type resultKind int

const (
	resultEntity resultKind = iota
	resultScalar
	resultTuple
	resultStruct
	resultCount
	resultRow
)

type joinPlan struct {
	alias  string
	parent string
	assoc  *orma.AssociationDescriptor
	target *orma.EntityDescriptor
	left   bool
	fetch  bool
}

// columnRef is a column of an aliased table. An empty alias renders the bare column.
type columnRef struct {
	alias  string
	column string
	typ    reflect.Type
}

func (c columnRef) String() string {
	if c.alias == "" {
		return c.column
	}
	return c.alias + "." + c.column
}

type selectItem struct {
	ref      columnRef
	count    bool
	distinct bool
}

type orderItem struct {
	ref        columnRef
	desc       bool
	ignoreCase bool
}

// entityLayout locates the columns of one entity inside a result row.
type entityLayout struct {
	alias  string
	desc   *orma.EntityDescriptor
	offset int
}

type fetchPlan struct {
	join   *joinPlan
	layout int
	parent int
}

type projectedField struct {
	index  []int
	column int
}

type operandPlan struct {
	column string
	value  any
}

type setPlan struct {
	column string
	left   operandPlan
	op     string
	right  *operandPlan
}

// nativeSegment is literal SQL text followed by an optional parameter.
type nativeSegment struct {
	text  string
	param *orma.Param
}

// queryPlan is the compiled, backend-independent form of a Query. Plans are cached and
// shared across sessions, so nothing mutates them after compile returns.
type queryPlan struct {
	kind        planKind
	result      resultKind
	source      string
	root        *orma.EntityDescriptor
	resultAlias string
	scope       *pathScope
	where       orma.Condition
	orders      []orderItem
	distinct    bool
	limit       int
	selects     []selectItem
	entities    []entityLayout
	fetches     []fetchPlan
	projection  reflect.Type
	fields      []projectedField
	sets        []setPlan
	native      []nativeSegment
	countPlan   *queryPlan
	named       *Set[string]
	positional  int
	affects     *Set[string]
	derived     *DerivedMethod

	fetchesCollection bool
}

// pathScope tracks the aliases visible to a query and the joins that introduced them.
type pathScope struct {
	reg      *EntityRegistry
	root     string
	aliases  map[string]*orma.EntityDescriptor
	joins    []*joinPlan
	implicit map[string]string
}

func newPathScope(reg *EntityRegistry, root *orma.EntityDescriptor, alias string) *pathScope {
	return &pathScope{
		reg:      reg,
		root:     alias,
		aliases:  map[string]*orma.EntityDescriptor{alias: root},
		implicit: map[string]string{},
	}
}

func (s *pathScope) clone() *pathScope {
	c := &pathScope{
		reg:      s.reg,
		root:     s.root,
		aliases:  make(map[string]*orma.EntityDescriptor, len(s.aliases)),
		joins:    append([]*joinPlan(nil), s.joins...),
		implicit: make(map[string]string, len(s.implicit)),
	}
	for k, v := range s.aliases {
		c.aliases[k] = v
	}
	for k, v := range s.implicit {
		c.implicit[k] = v
	}
	return c
}

func (s *pathScope) addJoin(parent string, assoc *orma.AssociationDescriptor, alias string, left, fetch bool) (*joinPlan, error) {
	if _, taken := s.aliases[alias]; taken {
		return nil, orma.NewValidationError("query", fmt.Sprintf("alias %s is declared twice", alias))
	}
	target := s.reg.names[assoc.Target]
	join := &joinPlan{alias: alias, parent: parent, assoc: assoc, target: target, left: left, fetch: fetch}
	s.joins = append(s.joins, join)
	s.aliases[alias] = target
	s.implicit[parent+"."+assoc.Name] = alias
	return join, nil
}

func (s *pathScope) join(alias string) *joinPlan {
	for _, j := range s.joins {
		if j.alias == alias {
			return j
		}
	}
	return nil
}

// resolve maps "alias.prop.prop" to a column. Traversing a to-one association adds a join
// unless one already exists; a trailing association, or its id, reads the join column directly.
// allowJoin is false for bulk statements, which cannot join.
func (s *pathScope) resolve(path string, allowJoin, left bool) (columnRef, error) {
	segs := strings.Split(path, ".")
	alias := segs[0]
	desc, ok := s.aliases[alias]
	if !ok {
		return columnRef{}, orma.NewValidationError("query", fmt.Sprintf("unknown alias %q in %s", alias, path))
	}
	if len(segs) == 1 {
		return columnRef{alias: alias, column: desc.ID.Column, typ: desc.ID.Type}, nil
	}

	for i := 1; i < len(segs); i++ {
		seg := segs[i]
		last := i == len(segs)-1
		if f, ok := desc.Field(seg); ok {
			if !last {
				return columnRef{}, unknownProperty(desc, strings.Join(segs[i:], "."))
			}
			return columnRef{alias: alias, column: f.Column, typ: f.Type}, nil
		}
		assoc, ok := desc.Association(seg)
		if !ok {
			return columnRef{}, unknownProperty(desc, seg)
		}
		target := s.reg.names[assoc.Target]
		if assoc.Owning && (last || (i+2 == len(segs) && segs[i+1] == target.ID.Name)) {
			return columnRef{alias: alias, column: assoc.JoinColumn, typ: target.ID.Type}, nil
		}

		next, joined := s.implicit[alias+"."+seg]
		if !joined {
			if !allowJoin {
				return columnRef{}, orma.NewValidationError("query", fmt.Sprintf("path %s needs a join, which this statement cannot use", path))
			}
			if assoc.IsCollection() {
				return columnRef{}, orma.NewValidationError("query", fmt.Sprintf("collection %s.%s must be joined explicitly", desc.Name, seg))
			}
			next = alias + "_" + seg
			if _, err := s.addJoin(alias, assoc, next, left, false); err != nil {
				return columnRef{}, err
			}
		}
		alias, desc = next, target
		if last {
			return columnRef{alias: alias, column: desc.ID.Column, typ: desc.ID.Type}, nil
		}
	}
	return columnRef{}, unknownProperty(desc, path)
}

// bindCondition rewrites predicate paths into column references. prefix qualifies relative paths.
func (s *pathScope) bindCondition(c orma.Condition, prefix string, allowJoin, qualified bool) (orma.Condition, error) {
	switch v := c.(type) {
	case nil:
		return nil, nil
	case *orma.Predicate:
		if !v.Operator.Valid() {
			return nil, orma.NewValidationError("operator", fmt.Sprintf("unknown operator %q", v.Operator))
		}
		ref, err := s.resolve(prefix+v.Path, allowJoin, false)
		if err != nil {
			return nil, err
		}
		if !qualified {
			ref.alias = ""
		}
		bound := *v
		bound.Path = ref.String()
		bound.Value = s.reg.bindValue(v.Value)
		return &bound, nil
	case *orma.CompositeCondition:
		out := make([]orma.Condition, 0, len(v.Conditions))
		for _, child := range v.Conditions {
			b, err := s.bindCondition(child, prefix, allowJoin, qualified)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		if v.Logic == orma.LogicOr {
			return orma.Or(out...), nil
		}
		return orma.And(out...), nil
	case *orma.Negation:
		inner, err := s.bindCondition(v.Condition, prefix, allowJoin, qualified)
		if err != nil {
			return nil, err
		}
		return orma.Not(inner), nil
	}
	return nil, orma.NewValidationError("condition", fmt.Sprintf("unsupported condition node %T", c))
}

// qualify turns a sort property into an alias-qualified path relative to the result alias.
func (s *pathScope) qualify(property, resultAlias string) string {
	head, _, _ := strings.Cut(property, ".")
	if _, ok := s.aliases[head]; ok && strings.Contains(property, ".") {
		return property
	}
	return resultAlias + "." + property
}

func (s *pathScope) orderItems(sortBy orma.Sort, resultAlias string) ([]orderItem, error) {
	out := make([]orderItem, 0, len(sortBy))
	for _, o := range sortBy {
		ref, err := s.resolve(s.qualify(o.Property, resultAlias), true, true)
		if err != nil {
			return nil, err
		}
		out = append(out, orderItem{ref: ref, desc: o.Direction == orma.SortOrderDesc, ignoreCase: o.IgnoreCase})
	}
	return out, nil
}

func (r *EntityRegistry) compile(q *orma.Query) (*queryPlan, error) {
	switch q.Kind {
	case orma.QueryNamed:
		desc, err := r.Describe(q.Entity)
		if err != nil {
			return nil, err
		}
		nq, ok := desc.NamedQueries[q.Name]
		if !ok {
			return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnknownQuery,
				fmt.Sprintf("no named query %s.%s", desc.Name, q.Name))
		}
		countText := q.CountText
		if countText == "" {
			countText = nq.CountQuery
		}
		if nq.Native {
			return r.compileNative(q, nq.Query, countText)
		}
		return r.compileTemplate(q, nq.Query, countText)
	case orma.QueryDerived:
		return r.compileDerived(q)
	case orma.QueryTemplate:
		return r.compileTemplate(q, q.Text, q.CountText)
	case orma.QueryNative:
		return r.compileNative(q, q.Text, q.CountText)
	case orma.QuerySpecification:
		return r.compileSpecification(q)
	}
	return nil, orma.NewValidationError("query", fmt.Sprintf("unknown query kind %q", q.Kind))
}

func newPlan(q *orma.Query, kind planKind, root *orma.EntityDescriptor, scope *pathScope) *queryPlan {
	plan := &queryPlan{
		kind:    kind,
		source:  q.String(),
		root:    root,
		scope:   scope,
		named:   NewSet[string](),
		affects: NewSet[string](),
		limit:   q.MaxResults,
	}
	if scope != nil {
		plan.resultAlias = scope.root
	}
	if root != nil {
		plan.affects.Add(root.Name)
	}
	return plan
}

func (r *EntityRegistry) compileDerived(q *orma.Query) (*queryPlan, error) {
	desc, err := r.Describe(q.Entity)
	if err != nil {
		return nil, err
	}
	m, err := parseDerivedMethod(r, desc, q.Name)
	if err != nil {
		return nil, err
	}
	scope := newPathScope(r, desc, "e")
	plan := newPlan(q, planSelect, desc, scope)
	plan.derived = m
	plan.distinct = m.Distinct
	plan.positional = m.Arity()
	if m.Limit > 0 && (plan.limit == 0 || m.Limit < plan.limit) {
		plan.limit = m.Limit
	}
	if plan.where, err = scope.bindCondition(m.Condition(), "e.", true, true); err != nil {
		return nil, err
	}
	if plan.orders, err = scope.orderItems(m.Orders.And(q.Sort), "e"); err != nil {
		return nil, err
	}

	switch m.Subject {
	case subjectCount, subjectExists:
		if err := r.selectEntity(plan, q, "e"); err != nil {
			return nil, err
		}
		count := deriveCount(plan)
		if m.Subject == subjectExists {
			count.kind = planExists
		}
		return count, nil
	case subjectDelete:
		plan.kind = planDerivedDelete
		plan.limit = 0
		return plan, r.selectEntity(plan, orma.Derived(q.Entity, q.Name), "e")
	}
	if err := r.selectEntity(plan, q, "e"); err != nil {
		return nil, err
	}
	plan.countPlan = deriveCount(plan)
	return plan, nil
}

func (r *EntityRegistry) compileSpecification(q *orma.Query) (*queryPlan, error) {
	desc, err := r.Describe(q.Entity)
	if err != nil {
		return nil, err
	}
	scope := newPathScope(r, desc, "e")
	plan := newPlan(q, planSelect, desc, scope)
	if plan.where, err = scope.bindCondition(q.Condition, "e.", true, true); err != nil {
		return nil, err
	}
	plan.positional, err = collectParams(q.Condition, plan.named)
	if err != nil {
		return nil, err
	}
	if plan.orders, err = scope.orderItems(q.Sort, "e"); err != nil {
		return nil, err
	}
	if err := r.selectEntity(plan, q, "e"); err != nil {
		return nil, err
	}
	plan.countPlan = deriveCount(plan)
	return plan, nil
}

// selectEntity makes alias the result: hydrated entities, or a closed struct projection over them.
func (r *EntityRegistry) selectEntity(plan *queryPlan, q *orma.Query, alias string) error {
	plan.resultAlias = alias
	if q.Projection != nil && !r.isEntityType(q.Projection) {
		plan.result = resultStruct
		plan.projection = q.Projection
		st := q.Projection
		if st.Kind() == reflect.Pointer {
			st = st.Elem()
		}
		if st.Kind() != reflect.Struct || st == timeType {
			return invalidProjection(fmt.Sprintf("%s cannot receive %s", q.Projection, plan.scope.aliases[alias].Name))
		}
		return r.projectFields(plan, alias, plan.scope.aliases[alias], st, nil)
	}

	plan.result = resultEntity
	graph := append([]string(nil), q.Graph...)
	if q.GraphName != "" {
		desc := plan.scope.aliases[alias]
		name := strings.TrimPrefix(q.GraphName, desc.Name+".")
		paths, ok := desc.EntityGraphs[name]
		if !ok {
			return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnknownQuery,
				fmt.Sprintf("no entity graph %s.%s", desc.Name, name))
		}
		graph = append(graph, paths...)
	}
	for _, path := range graph {
		if err := r.applyGraph(plan.scope, alias, path); err != nil {
			return err
		}
	}

	plan.addLayout(alias, plan.scope.aliases[alias])
	for _, j := range plan.scope.joins {
		if !j.fetch {
			continue
		}
		parent := -1
		for i, l := range plan.entities {
			if l.alias == j.parent {
				parent = i
			}
		}
		if parent < 0 {
			return orma.NewValidationError("query", fmt.Sprintf("fetch join %s.%s needs its owner in the select list", j.parent, j.assoc.Name))
		}
		plan.fetches = append(plan.fetches, fetchPlan{join: j, layout: len(plan.entities), parent: parent})
		plan.addLayout(j.alias, j.target)
		if j.assoc.IsCollection() {
			plan.fetchesCollection = true
		}
	}
	return nil
}

func (p *queryPlan) addLayout(alias string, desc *orma.EntityDescriptor) {
	p.entities = append(p.entities, entityLayout{alias: alias, desc: desc, offset: len(p.selects)})
	for _, f := range desc.Fields {
		p.selects = append(p.selects, selectItem{ref: columnRef{alias: alias, column: f.Column, typ: f.Type}})
	}
	for _, a := range desc.OwningAssociations() {
		p.selects = append(p.selects, selectItem{ref: columnRef{alias: alias, column: a.JoinColumn}})
	}
	p.affects.Add(desc.Name)
}

// applyGraph marks every association on path as fetched, adding left joins where needed.
func (r *EntityRegistry) applyGraph(scope *pathScope, alias, path string) error {
	current := alias
	for _, seg := range strings.Split(path, ".") {
		desc := scope.aliases[current]
		assoc, ok := desc.Association(seg)
		if !ok {
			return unknownProperty(desc, seg)
		}
		if next, ok := scope.implicit[current+"."+seg]; ok {
			scope.join(next).fetch = true
			current = next
			continue
		}
		next := current + "_" + seg
		if _, err := scope.addJoin(current, assoc, next, true, true); err != nil {
			return err
		}
		current = next
	}
	return nil
}

// projectFields maps struct fields onto properties by name. A nested struct field named after a
// to-one association is filled from the target, and a field like TeamName reads team.name.
func (r *EntityRegistry) projectFields(plan *queryPlan, path string, desc *orma.EntityDescriptor, st reflect.Type, prefix []int) error {
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if !sf.IsExported() {
			continue
		}
		index := append(append([]int(nil), prefix...), i)
		name := lowerCamel(sf.Name)

		property := ""
		if _, ok := desc.Field(name); ok {
			property = name
		} else if assoc, ok := desc.Association(name); ok && !assoc.IsCollection() {
			nested := sf.Type
			if nested.Kind() == reflect.Pointer {
				nested = nested.Elem()
			}
			if nested.Kind() == reflect.Struct {
				if err := r.projectFields(plan, path+"."+name, r.names[assoc.Target], nested, index); err != nil {
					return err
				}
				continue
			}
			property = name
		} else {
			words := splitCamel(sf.Name)
			dp := &derivedParser{reg: r, root: desc, words: words}
			if p, n := dp.matchProperty(desc, 0); n == len(words) {
				property = p
			}
		}
		if property == "" {
			return invalidProjection(fmt.Sprintf("field %s.%s matches no property of %s", st.Name(), sf.Name, desc.Name))
		}

		ref, err := plan.scope.resolve(path+"."+property, true, true)
		if err != nil {
			return err
		}
		plan.fields = append(plan.fields, projectedField{index: index, column: len(plan.selects)})
		plan.selects = append(plan.selects, selectItem{ref: ref})
	}
	return nil
}

func invalidProjection(msg string) *orma.OrmaError {
	return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidProjection, msg)
}

func (r *EntityRegistry) isEntityType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	_, ok := r.types[t]
	return ok
}

// deriveCount builds the count companion of a select: same joins and filter, no ordering or paging.
// Joins through collections multiply rows, so those count distinct keys of the result alias.
func deriveCount(plan *queryPlan) *queryPlan {
	count := &queryPlan{
		kind:        planCount,
		result:      resultCount,
		source:      plan.source,
		root:        plan.root,
		resultAlias: plan.resultAlias,
		where:       plan.where,
		named:       plan.named,
		positional:  plan.positional,
		affects:     plan.affects,
		derived:     plan.derived,
	}
	count.scope = plan.scope.clone()
	distinct := plan.distinct
	for i, j := range count.scope.joins {
		plain := *j
		plain.fetch = false
		count.scope.joins[i] = &plain
		if j.assoc.IsCollection() {
			distinct = true
		}
	}
	item := selectItem{count: true}
	if distinct {
		desc := count.scope.aliases[plan.resultAlias]
		item.distinct = true
		item.ref = columnRef{alias: plan.resultAlias, column: desc.ID.Column}
	}
	count.selects = []selectItem{item}
	return count
}

// collectParams records the named parameters of c and returns how many positional ones it uses.
func collectParams(c orma.Condition, named *Set[string]) (int, error) {
	positions := NewSet[int]()
	var visit func(v any)
	visit = func(v any) {
		switch p := v.(type) {
		case orma.Param:
			if p.Position > 0 {
				positions.Add(p.Position)
			} else {
				named.Add(p.Name)
			}
		case []any:
			for _, item := range p {
				visit(item)
			}
		}
	}
	err := orma.WalkPredicates(c, func(p *orma.Predicate) error {
		visit(p.Value)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return checkPositions(positions)
}

// checkPositions requires positional parameters to be numbered 1..n without gaps.
func checkPositions(positions *Set[int]) (int, error) {
	list := positions.ToSlice()
	sort.Ints(list)
	for i, n := range list {
		if n != i+1 {
			return 0, orma.NewValidationError("query", fmt.Sprintf("positional parameter ?%d is missing", i+1))
		}
	}
	return len(list), nil
}

func (r *EntityRegistry) compileTemplate(q *orma.Query, text, countText string) (*queryPlan, error) {
	stmt, err := parseTemplate(text)
	if err != nil {
		return nil, err
	}
	desc, ok := r.names[stmt.entity]
	if !ok {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnknownEntity,
			fmt.Sprintf("%s is not a registered entity", stmt.entity)).WithDetail("query", text)
	}
	scope := newPathScope(r, desc, stmt.alias)

	for _, j := range stmt.joins {
		parent, name, _ := strings.Cut(j.path, ".")
		owner, ok := scope.aliases[parent]
		if !ok {
			return nil, orma.NewValidationError("query", fmt.Sprintf("unknown alias %q in join %s", parent, j.path))
		}
		if strings.Contains(name, ".") {
			return nil, orma.NewValidationError("query", fmt.Sprintf("join %s must name one association of an alias", j.path))
		}
		assoc, ok := owner.Association(name)
		if !ok {
			return nil, unknownProperty(owner, name)
		}
		alias := j.alias
		if alias == "" {
			alias = parent + "_" + name
		}
		if _, err := scope.addJoin(parent, assoc, alias, j.left, j.fetch); err != nil {
			return nil, err
		}
	}

	positional, err := checkPositions(stmt.position)
	if err != nil {
		return nil, err
	}
	if stmt.named.Size() > 0 && positional > 0 {
		return nil, orma.NewValidationError("query", "named and positional parameters cannot be mixed")
	}

	var plan *queryPlan
	switch stmt.kind {
	case stmtSelect:
		plan = newPlan(q, planSelect, desc, scope)
		plan.named.AddAll(stmt.named)
		plan.positional = positional
		if err := r.compileTemplateSelect(plan, stmt, q, countText); err != nil {
			return nil, err
		}
	case stmtUpdate, stmtDelete:
		plan = newPlan(q, planDelete, desc, scope)
		plan.named.AddAll(stmt.named)
		plan.positional = positional
		if stmt.kind == stmtUpdate {
			plan.kind = planUpdate
		}
		if len(stmt.joins) > 0 {
			return nil, orma.NewValidationError("query", "bulk statements cannot join")
		}
		if plan.where, err = scope.bindCondition(stmt.where, "", false, false); err != nil {
			return nil, err
		}
		for _, set := range stmt.sets {
			sp, err := r.compileSet(scope, set)
			if err != nil {
				return nil, err
			}
			plan.sets = append(plan.sets, sp)
		}
	}

	for _, j := range scope.joins {
		plan.affects.Add(j.target.Name)
	}
	return plan, nil
}

func (r *EntityRegistry) compileTemplateSelect(plan *queryPlan, stmt *templateStatement, q *orma.Query, countText string) error {
	scope := plan.scope
	var err error
	if plan.where, err = scope.bindCondition(stmt.where, "", true, true); err != nil {
		return err
	}
	plan.distinct = stmt.distinct
	items := stmt.items
	_, selectsAlias := scope.aliases[items[0].path]

	switch {
	case len(items) == 1 && !items[0].count && selectsAlias:
		if err := r.selectEntity(plan, q, items[0].path); err != nil {
			return err
		}
	case len(items) == 1 && items[0].count:
		ref, err := scope.resolve(items[0].path, true, false)
		if err != nil {
			return err
		}
		plan.kind = planCount
		plan.result = resultCount
		plan.selects = []selectItem{{ref: ref, count: true, distinct: items[0].distinct}}
	default:
		for _, item := range items {
			if item.count {
				return invalidProjection("count cannot be mixed with other select items")
			}
			if _, isAlias := scope.aliases[item.path]; isAlias {
				return invalidProjection(fmt.Sprintf("entity alias %s cannot be part of a multi-column select", item.path))
			}
			ref, err := scope.resolve(item.path, true, false)
			if err != nil {
				return err
			}
			plan.selects = append(plan.selects, selectItem{ref: ref})
		}
		if stmt.newType != "" {
			into := q.Projection
			if into != nil && into.Kind() == reflect.Pointer {
				into = into.Elem()
			}
			if into == nil || into.Name() != stmt.newType {
				return invalidProjection(fmt.Sprintf("select new %s must be run with Into(%s)", stmt.newType, stmt.newType))
			}
		}
		if err := r.shapeColumns(plan, q.Projection); err != nil {
			return err
		}
	}

	sortBy := stmt.orders.And(q.Sort)
	if plan.orders, err = scope.orderItems(sortBy, plan.resultAlias); err != nil {
		return err
	}
	if plan.kind == planCount {
		return nil
	}

	if countText != "" {
		count, err := r.compileTemplate(orma.Template(countText), countText, "")
		if err != nil {
			return fmt.Errorf("count query: %w", err)
		}
		if count.kind != planCount {
			return orma.NewValidationError("countQuery", "count query must select count(...)")
		}
		plan.countPlan = count
	} else {
		plan.countPlan = deriveCount(plan)
	}
	return nil
}

// shapeColumns decides how a column select is returned: positional struct fields with Into,
// a scalar of the column type for a single column, and []any tuples otherwise.
func (r *EntityRegistry) shapeColumns(plan *queryPlan, into reflect.Type) error {
	if into == nil {
		if len(plan.selects) == 1 {
			plan.result = resultScalar
			plan.projection = plan.selects[0].ref.typ
			return nil
		}
		plan.result = resultTuple
		return nil
	}
	st := into
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct || st == timeType {
		if len(plan.selects) != 1 {
			return invalidProjection(fmt.Sprintf("%d columns cannot be read into %s", len(plan.selects), into))
		}
		plan.result = resultScalar
		plan.projection = into
		return nil
	}
	var exported []int
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).IsExported() {
			exported = append(exported, i)
		}
	}
	if len(exported) != len(plan.selects) {
		return invalidProjection(fmt.Sprintf("%s has %d fields for %d columns", st.Name(), len(exported), len(plan.selects)))
	}
	plan.result = resultStruct
	plan.projection = into
	for col, i := range exported {
		plan.fields = append(plan.fields, projectedField{index: []int{i}, column: col})
	}
	return nil
}

func (r *EntityRegistry) compileSet(scope *pathScope, set setClause) (setPlan, error) {
	target, err := scope.resolve(set.path, false, false)
	if err != nil {
		return setPlan{}, err
	}
	operandOf := func(o operand) (operandPlan, error) {
		if o.path == "" {
			return operandPlan{value: r.bindValue(o.value)}, nil
		}
		ref, err := scope.resolve(o.path, false, false)
		if err != nil {
			return operandPlan{}, err
		}
		return operandPlan{column: ref.column}, nil
	}
	sp := setPlan{column: target.column, op: set.op}
	if sp.left, err = operandOf(set.left); err != nil {
		return setPlan{}, err
	}
	if set.right != nil {
		right, err := operandOf(*set.right)
		if err != nil {
			return setPlan{}, err
		}
		sp.right = &right
	}
	return sp, nil
}

func (r *EntityRegistry) compileNative(q *orma.Query, text, countText string) (*queryPlan, error) {
	var desc *orma.EntityDescriptor
	if q.Entity != nil {
		var err error
		if desc, err = r.Describe(q.Entity); err != nil {
			return nil, err
		}
	}
	plan := newPlan(q, planNative, desc, nil)
	text = strings.TrimRight(strings.TrimSpace(text), ";")
	segments, positional, err := splitNative(text, plan.named)
	if err != nil {
		return nil, err
	}
	plan.native = segments
	plan.positional = positional

	switch {
	case q.Projection != nil && !r.isEntityType(q.Projection):
		st := q.Projection
		if st.Kind() == reflect.Pointer {
			st = st.Elem()
		}
		plan.projection = q.Projection
		plan.result = resultStruct
		if st.Kind() != reflect.Struct || st == timeType {
			plan.result = resultScalar
		}
	case q.Projection != nil:
		if desc, err = r.Describe(q.Projection); err != nil {
			return nil, err
		}
		plan.root = desc
		plan.result = resultEntity
	case desc != nil:
		plan.result = resultEntity
	default:
		plan.result = resultRow
	}
	if plan.root != nil {
		plan.affects.Add(plan.root.Name)
	}

	count := &queryPlan{kind: planNative, result: resultCount, source: plan.source, named: NewSet[string](), affects: plan.affects}
	if countText != "" {
		count.native, count.positional, err = splitNative(countText, count.named)
		if err != nil {
			return nil, err
		}
	} else {
		count.native = append([]nativeSegment{{text: "SELECT COUNT(*) FROM ("}}, segments...)
		count.native = append(count.native, nativeSegment{text: ") cnt"})
		count.positional = positional
		for _, n := range plan.named.ToSlice() {
			count.named.Add(n)
		}
	}
	plan.countPlan = count
	return plan, nil
}

// splitNative cuts SQL at its parameters: ?N, bare ? (numbered in order) and :name.
// Quoted text and :: casts are left alone.
func splitNative(text string, named *Set[string]) ([]nativeSegment, int, error) {
	var (
		segments []nativeSegment
		buf      strings.Builder
		bare     int
		numbered = NewSet[int]()
		runes    = []rune(text)
	)
	flush := func(p orma.Param) {
		param := p
		segments = append(segments, nativeSegment{text: buf.String(), param: &param})
		buf.Reset()
	}
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' || c == '"':
			buf.WriteRune(c)
			for i++; i < len(runes); i++ {
				buf.WriteRune(runes[i])
				if runes[i] == c {
					break
				}
			}
		case c == '?':
			j := i + 1
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			if j == i+1 {
				bare++
				flush(orma.PositionalParam(bare))
				continue
			}
			n, err := strconv.Atoi(string(runes[i+1 : j]))
			if err != nil || n == 0 {
				return nil, 0, orma.NewValidationError("query", fmt.Sprintf("invalid parameter ?%s", string(runes[i+1:j])))
			}
			numbered.Add(n)
			flush(orma.PositionalParam(n))
			i = j - 1
		case c == ':' && i+1 < len(runes) && runes[i+1] == ':':
			buf.WriteString("::")
			i++
		case c == ':' && i+1 < len(runes) && (unicode.IsLetter(runes[i+1]) || runes[i+1] == '_'):
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			name := string(runes[i+1 : j])
			named.Add(name)
			flush(orma.NamedParam(name))
			i = j - 1
		default:
			buf.WriteRune(c)
		}
	}
	if buf.Len() > 0 {
		segments = append(segments, nativeSegment{text: buf.String()})
	}
	if bare > 0 && numbered.Size() > 0 {
		return nil, 0, orma.NewValidationError("query", "bare ? and numbered ?N parameters cannot be mixed")
	}
	positional := bare
	if numbered.Size() > 0 {
		var err error
		if positional, err = checkPositions(numbered); err != nil {
			return nil, 0, err
		}
	}
	if positional > 0 && named.Size() > 0 {
		return nil, 0, orma.NewValidationError("query", "named and positional parameters cannot be mixed")
	}
	return segments, positional, nil
}

// checkArgs verifies that args bind every parameter exactly once. Count companions are
// checked loosely since they may use only some of the arguments of their query.
func (p *queryPlan) checkArgs(args orma.Args, strict bool) error {
	if len(args.Positional) < p.positional || (strict && len(args.Positional) != p.positional) {
		return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeParameterBinding,
			fmt.Sprintf("%s takes %d positional arguments, got %d", p.source, p.positional, len(args.Positional)))
	}
	for _, name := range p.named.ToSlice() {
		if _, ok := args.Named[name]; !ok {
			return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeParameterBinding,
				fmt.Sprintf("parameter :%s is not bound", name)).WithField(name)
		}
	}
	for name := range args.Named {
		if strict && !p.named.Contains(name) {
			return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeParameterBinding,
				fmt.Sprintf("%s has no parameter :%s", p.source, name)).WithField(name)
		}
	}
	return nil
}
