package internal

import (
	"context"
	"fmt"
	"reflect"

	"github.com/lychee-technology/orma"
)

// runSelect executes a select plan and shapes its rows according to the plan's result kind.
// With refresh set, managed instances are overwritten from their rows instead of winning over them.
func (s *session) runSelect(ctx context.Context, plan *queryPlan, args orma.Args, opts selectOptions, refresh bool) ([]any, error) {
	var (
		sql  string
		vals []any
		err  error
	)
	if plan.kind == planNative {
		sql, vals, err = s.generator.Native(plan, args, opts.sort, opts.limit, opts.offset)
	} else {
		sql, vals, err = s.generator.Select(plan, args, opts)
	}
	if err != nil {
		return nil, err
	}

	done := stopwatch(ctx, "query")
	columns, rows, err := s.query(ctx, sql, vals...)
	done()
	if err != nil {
		return nil, err
	}
	if plan.root != nil {
		EmitRowCount(ctx, plan.root.Name, "read", int64(len(rows)))
	}

	switch plan.result {
	case resultEntity:
		return s.hydrateRows(ctx, plan, columns, rows, refresh)
	case resultStruct:
		return projectRows(plan, columns, rows)
	case resultScalar:
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			v, err := convertTo(plan.projection, row[0])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case resultTuple:
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			tuple := make([]any, len(row))
			for i, raw := range row {
				var typ reflect.Type
				if i < len(plan.selects) {
					typ = plan.selects[i].ref.typ
				}
				if tuple[i], err = convertTo(typ, raw); err != nil {
					return nil, err
				}
			}
			out = append(out, tuple)
		}
		return out, nil
	case resultRow:
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			m := make(map[string]any, len(columns))
			for i, c := range columns {
				m[c] = plainValue(row[i])
			}
			out = append(out, m)
		}
		return out, nil
	case resultCount:
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			n, err := toInt64(row[0])
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
	return nil, orma.NewInternalError(fmt.Sprintf("unknown result kind %d", plan.result), nil)
}

func (s *session) hydrateRows(ctx context.Context, plan *queryPlan, columns []string, rows [][]any, refresh bool) ([]any, error) {
	layouts := plan.entities
	if plan.kind == planNative {
		index, err := nativeLayout(plan.root, columns)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			ordered := make([]any, len(index))
			for j, col := range index {
				ordered[j] = row[col]
			}
			rows[i] = ordered
		}
		layouts = []entityLayout{{alias: "q", desc: plan.root}}
	}

	type gathered struct {
		parents []*managedEntity
		items   map[*managedEntity][]any
	}
	collected := make([]*gathered, len(plan.fetches))
	seen := make(map[*managedEntity]bool)
	dedupe := plan.fetchesCollection || plan.distinct
	var roots []*managedEntity

	for _, row := range rows {
		instances := make([]*managedEntity, len(layouts))
		for i, l := range layouts {
			e, err := s.hydrate(l.desc, row, l.offset, refresh && i == 0)
			if err != nil {
				return nil, err
			}
			instances[i] = e
		}
		root := instances[0]
		if root == nil {
			continue
		}

		for k, f := range plan.fetches {
			parent := instances[f.parent]
			if parent == nil {
				continue
			}
			child := instances[f.layout]
			field := parent.value.FieldByIndex(f.join.assoc.Index).Addr().Interface()
			if !f.join.assoc.IsCollection() {
				var target any
				if child != nil {
					target = child.ptr
				}
				field.(orma.ReferenceHandle).Resolve(target)
				continue
			}
			g := collected[k]
			if g == nil {
				g = &gathered{items: make(map[*managedEntity][]any)}
				collected[k] = g
			}
			list, known := g.items[parent]
			if !known {
				g.parents = append(g.parents, parent)
			}
			if child != nil && !containsPtr(list, child.ptr) {
				list = append(list, child.ptr)
			}
			g.items[parent] = list
		}

		if dedupe && seen[root] {
			continue
		}
		seen[root] = true
		roots = append(roots, root)
	}

	for k, g := range collected {
		if g == nil {
			continue
		}
		assoc := plan.fetches[k].join.assoc
		back, _ := s.registry.names[assoc.Target].Association(assoc.MappedBy)
		for _, parent := range g.parents {
			items := g.items[parent]
			handle := parent.value.FieldByIndex(assoc.Index).Addr().Interface().(orma.CollectionHandle)
			handle.Resolve(items)
			// the owning side of each child already points at parent by key
			for _, item := range items {
				ref := reflect.ValueOf(item).Elem().FieldByIndex(back.Index).Addr().Interface().(orma.ReferenceHandle)
				if !ref.Loaded() {
					ref.Resolve(parent.ptr)
				}
			}
		}
	}

	out := make([]any, 0, len(roots))
	for _, e := range roots {
		if e.state == orma.StateRemoved {
			continue
		}
		if err := s.loadEager(ctx, e); err != nil {
			return nil, err
		}
		out = append(out, e.ptr)
	}
	return out, nil
}

func containsPtr(list []any, ptr any) bool {
	for _, item := range list {
		if item == ptr {
			return true
		}
	}
	return false
}

// nativeLayout maps the mapped columns of desc onto result columns by name.
func nativeLayout(desc *orma.EntityDescriptor, columns []string) ([]int, error) {
	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		byName[normalizeColumnKey(c)] = i
	}
	mapped := desc.Columns()
	index := make([]int, len(mapped))
	for i, c := range mapped {
		col, ok := byName[normalizeColumnKey(c)]
		if !ok {
			return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidProjection,
				fmt.Sprintf("native result has no column %s", c)).WithEntity(desc.Name)
		}
		index[i] = col
	}
	return index, nil
}

// hydrate returns the managed instance for the entity columns starting at offset. An instance
// already in the identity map wins over the row unless refresh is set. A null key (an unmatched
// left join) yields nil.
func (s *session) hydrate(desc *orma.EntityDescriptor, row []any, offset int, refresh bool) (*managedEntity, error) {
	idIndex := 0
	for i, f := range desc.Fields {
		if f.ID {
			idIndex = i
		}
	}
	raw := row[offset+idIndex]
	if raw == nil {
		return nil, nil
	}
	key, err := normalizeKey(raw, desc.ID.Type)
	if err != nil {
		return nil, scanError(desc, desc.ID.Name, err)
	}

	e, known := s.identity[identityKey{desc.Name, key}]
	if known && !refresh {
		return e, nil
	}
	var v reflect.Value
	var ptr any
	if known {
		v, ptr = e.value, e.ptr
	} else {
		p := reflect.New(desc.Type)
		v, ptr = p.Elem(), p.Interface()
	}

	for i, f := range desc.Fields {
		if err := assignValue(v.FieldByIndex(f.Index), row[offset+i]); err != nil {
			return nil, scanError(desc, f.Name, err)
		}
	}
	for j, a := range desc.OwningAssociations() {
		target := s.registry.names[a.Target]
		fk := row[offset+len(desc.Fields)+j]
		if fk != nil {
			if fk, err = normalizeKey(fk, target.ID.Type); err != nil {
				return nil, scanError(desc, a.Name, err)
			}
		}
		handle := v.FieldByIndex(a.Index).Addr().Interface().(orma.ReferenceHandle)
		handle.Bind(fk, s.referenceLoader(target, fk))
		handle.BindLookup(s.managedLookup(target, fk))
	}
	for _, a := range desc.Associations {
		if a.IsCollection() {
			handle := v.FieldByIndex(a.Index).Addr().Interface().(orma.CollectionHandle)
			handle.Bind(s.collectionLoader(a, key, ptr))
		}
	}

	if !known {
		e = &managedEntity{desc: desc, ptr: ptr, value: v, state: orma.StateManaged, key: key}
		s.track(e)
	}
	e.snapshot = s.snapshot(e)
	return e, nil
}

func scanError(desc *orma.EntityDescriptor, field string, err error) *orma.OrmaError {
	return orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeScanFailed, "cannot read column value").
		WithEntity(desc.Name).WithField(field).WithCause(err)
}

func (s *session) lazyError(desc *orma.EntityDescriptor) *orma.OrmaError {
	return orma.NewConflictError(orma.ErrCodeLazyInitialization,
		"association was loaded by a session that has since been cleared or closed").WithEntity(desc.Name)
}

func (s *session) referenceLoader(target *orma.EntityDescriptor, key any) func(context.Context) (any, error) {
	generation := s.generation
	return func(ctx context.Context) (any, error) {
		if s.closed || s.generation != generation {
			return nil, s.lazyError(target)
		}
		return s.find(ctx, target, key)
	}
}

// managedLookup finds a reference target in the identity map. It never queries.
func (s *session) managedLookup(target *orma.EntityDescriptor, key any) func() any {
	generation := s.generation
	return func() any {
		if key == nil || s.closed || s.generation != generation {
			return nil
		}
		if e, ok := s.identity[identityKey{target.Name, key}]; ok {
			return e.ptr
		}
		return nil
	}
}

func (s *session) collectionLoader(assoc *orma.AssociationDescriptor, ownerKey, owner any) func(context.Context) ([]any, error) {
	generation := s.generation
	target := s.registry.names[assoc.Target]
	return func(ctx context.Context) ([]any, error) {
		if s.closed || s.generation != generation {
			return nil, s.lazyError(target)
		}
		return s.loadCollection(ctx, assoc, ownerKey, owner)
	}
}

// loadCollection queries the members of owner's collection and points each member's
// reference, still known only by key, at owner.
func (s *session) loadCollection(ctx context.Context, assoc *orma.AssociationDescriptor, ownerKey, owner any) ([]any, error) {
	plan, err := s.plan(orma.Matching(assoc.TargetType, orma.Eq(assoc.MappedBy, orma.PositionalParam(1))))
	if err != nil {
		return nil, err
	}
	items, err := s.runSelect(ctx, plan, orma.Positional(ownerKey), selectOptions{}, false)
	if err != nil {
		return nil, err
	}
	back, _ := s.registry.names[assoc.Target].Association(assoc.MappedBy)
	for _, item := range items {
		ref := reflect.ValueOf(item).Elem().FieldByIndex(back.Index).Addr().Interface().(orma.ReferenceHandle)
		if !ref.Loaded() {
			ref.Resolve(owner)
		}
	}
	return items, nil
}

// loadEager resolves associations mapped fetch:eager that no fetch join loaded already.
func (s *session) loadEager(ctx context.Context, e *managedEntity) error {
	for _, a := range e.desc.Associations {
		if a.Fetch != orma.FetchEager {
			continue
		}
		field := e.value.FieldByIndex(a.Index).Addr().Interface()
		if a.IsCollection() {
			handle := field.(orma.CollectionHandle)
			if handle.Loaded() {
				continue
			}
			items, err := s.loadCollection(ctx, a, e.key, e.ptr)
			if err != nil {
				return err
			}
			handle.Resolve(items)
			continue
		}
		handle := field.(orma.ReferenceHandle)
		if handle.Loaded() || handle.Key() == nil {
			continue
		}
		target, err := s.find(ctx, s.registry.names[a.Target], handle.Key())
		if err != nil {
			return err
		}
		handle.Resolve(target)
	}
	return nil
}

// snapshot records the column values of e as last seen in the database.
func (s *session) snapshot(e *managedEntity) map[string]any {
	snap := make(map[string]any, len(e.desc.Fields)+len(e.desc.Associations))
	for _, f := range e.desc.Fields {
		snap[f.Column] = columnValue(e.value.FieldByIndex(f.Index))
	}
	for _, a := range e.desc.OwningAssociations() {
		fk, _ := s.foreignKey(a, e.value)
		snap[a.JoinColumn] = fk
	}
	return snap
}

// foreignKey reads the join column value of an owning reference: the key of the in-memory
// target, or the key the reference was hydrated with.
func (s *session) foreignKey(a *orma.AssociationDescriptor, v reflect.Value) (any, error) {
	handle := v.FieldByIndex(a.Index).Addr().Interface().(orma.ReferenceHandle)
	target := handle.Target()
	if target == nil {
		return handle.Key(), nil
	}
	if e, ok := s.byPtr[target]; ok {
		if e.key == nil {
			return nil, orma.NewConflictError(orma.ErrCodeTransientReference,
				fmt.Sprintf("%s references a %s whose key is not generated yet; persist and flush it first", a.Name, a.Target)).WithField(a.Name)
		}
		return e.key, nil
	}
	targetDesc := s.registry.names[a.Target]
	key, ok := keyOf(targetDesc, reflect.ValueOf(target).Elem())
	if !ok {
		return nil, orma.NewConflictError(orma.ErrCodeTransientReference,
			fmt.Sprintf("%s references a transient %s", a.Name, a.Target)).WithField(a.Name)
	}
	return normalizeKey(key, targetDesc.ID.Type)
}

func projectRows(plan *queryPlan, columns []string, rows [][]any) ([]any, error) {
	st := plan.projection
	pointer := st.Kind() == reflect.Pointer
	if pointer {
		st = st.Elem()
	}
	fields := plan.fields
	if plan.kind == planNative {
		fields = nativeFields(st, columns)
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		v := reflect.New(st)
		for _, f := range fields {
			if err := assignValue(fieldByIndexAlloc(v.Elem(), f.index), row[f.column]); err != nil {
				return nil, orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeScanFailed,
					fmt.Sprintf("cannot read column into %s", st.Name())).WithCause(err)
			}
		}
		if pointer {
			out = append(out, v.Interface())
		} else {
			out = append(out, v.Elem().Interface())
		}
	}
	return out, nil
}

func nativeFields(st reflect.Type, columns []string) []projectedField {
	var fields []projectedField
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if !sf.IsExported() {
			continue
		}
		for j, c := range columns {
			if normalizeColumnKey(c) == normalizeColumnKey(sf.Name) {
				fields = append(fields, projectedField{index: []int{i}, column: j})
				break
			}
		}
	}
	return fields
}

// fieldByIndexAlloc walks index, allocating nil struct pointers on the way.
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

func convertTo(typ reflect.Type, raw any) (any, error) {
	if typ == nil {
		return plainValue(raw), nil
	}
	if raw == nil && typ.Kind() != reflect.Pointer {
		return reflect.Zero(typ).Interface(), nil
	}
	v := reflect.New(typ).Elem()
	if err := assignValue(v, raw); err != nil {
		return nil, orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeScanFailed, "cannot convert column value").WithCause(err)
	}
	return v.Interface(), nil
}

func plainValue(raw any) any {
	if b, ok := raw.([]byte); ok {
		return string(b)
	}
	return raw
}

func toInt64(raw any) (int64, error) {
	var n int64
	if err := assignValue(reflect.ValueOf(&n).Elem(), raw); err != nil {
		return 0, orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeScanFailed, "cannot read count").WithCause(err)
	}
	return n, nil
}
