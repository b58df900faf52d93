package orma

import (
	"context"
	"fmt"
	"reflect"
)

// Repository offers typed CRUD, paging and query execution for entity type T.
// Calls join the session bound to ctx, or run in a short transactional session of their own.
type Repository[T any] struct {
	factory SessionFactory
	desc    *EntityDescriptor
	typ     reflect.Type
}

// NewRepository binds T to a session factory. T must be a registered entity.
func NewRepository[T any](factory SessionFactory) (*Repository[T], error) {
	typ := reflect.TypeFor[T]()
	desc, err := factory.Registry().Describe(typ)
	if err != nil {
		return nil, err
	}
	return &Repository[T]{factory: factory, desc: desc, typ: typ}, nil
}

func (r *Repository[T]) Descriptor() *EntityDescriptor { return r.desc }

func (r *Repository[T]) Factory() SessionFactory { return r.factory }

// Type returns the entity struct type.
func (r *Repository[T]) Type() reflect.Type { return r.typ }

// Method resolves a query method by name (named query first, then derivation) and validates it.
func (r *Repository[T]) Method(name string) (*Query, error) {
	return r.factory.Registry().Resolve(r.typ, name)
}

// Run executes fn in the session bound to ctx or a new transactional one.
func (r *Repository[T]) Run(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	return Within(ctx, r.factory, fn)
}

// IsNew reports whether entity has never been stored: Persistable decides when implemented,
// otherwise a zero primary key means new.
func (r *Repository[T]) IsNew(entity *T) bool {
	if p, ok := any(entity).(Persistable); ok {
		return p.IsNew()
	}
	return reflect.ValueOf(entity).Elem().FieldByIndex(r.desc.ID.Index).IsZero()
}

// Save persists a new entity or merges a detached one, returning the managed instance.
func (r *Repository[T]) Save(ctx context.Context, entity *T) (*T, error) {
	var out *T
	err := r.Run(ctx, func(ctx context.Context, s Session) error {
		if r.IsNew(entity) {
			out = entity
			return s.Persist(ctx, entity)
		}
		merged, err := s.Merge(ctx, entity)
		if err != nil {
			return err
		}
		out = merged.(*T)
		return nil
	})
	return out, err
}

// FindByID returns the entity with id, or nil when absent.
func (r *Repository[T]) FindByID(ctx context.Context, id any) (*T, error) {
	var out *T
	err := r.Run(ctx, func(ctx context.Context, s Session) error {
		found, err := s.Find(ctx, r.typ, id)
		if err != nil || found == nil {
			return err
		}
		out = found.(*T)
		return nil
	})
	return out, err
}

// ExistsByID reports whether a row with id exists.
func (r *Repository[T]) ExistsByID(ctx context.Context, id any) (bool, error) {
	found, err := r.FindByID(ctx, id)
	return found != nil, err
}

// FindAll returns every entity, optionally sorted.
func (r *Repository[T]) FindAll(ctx context.Context, sort ...Order) ([]*T, error) {
	return r.List(ctx, Matching(r.typ, nil).OrderedBy(Sort(sort)), Args{})
}

// FindAllPage returns one counted page of all entities.
func (r *Repository[T]) FindAllPage(ctx context.Context, req PageRequest) (*Page[*T], error) {
	return r.Page(ctx, Matching(r.typ, nil), Args{}, req)
}

// FindAllSpec returns the entities matching spec.
func (r *Repository[T]) FindAllSpec(ctx context.Context, spec Specification[T], sort ...Order) ([]*T, error) {
	return r.List(ctx, Matching(r.typ, spec.Condition).OrderedBy(Sort(sort)), Args{})
}

// FindPageSpec returns a counted page of the entities matching spec.
func (r *Repository[T]) FindPageSpec(ctx context.Context, spec Specification[T], req PageRequest) (*Page[*T], error) {
	return r.Page(ctx, Matching(r.typ, spec.Condition), Args{}, req)
}

// CountSpec counts the entities matching spec.
func (r *Repository[T]) CountSpec(ctx context.Context, spec Specification[T]) (int64, error) {
	return r.CountQuery(ctx, Matching(r.typ, spec.Condition), Args{})
}

// FindAllByExample matches every non-zero field of example (and of targets it references) by equality.
func (r *Repository[T]) FindAllByExample(ctx context.Context, example *T, ignorePaths ...string) ([]*T, error) {
	ignore := make(map[string]bool, len(ignorePaths))
	for _, p := range ignorePaths {
		ignore[p] = true
	}
	cond, err := exampleCondition(r.factory.Registry(), r.desc, reflect.ValueOf(example).Elem(), "", ignore)
	if err != nil {
		return nil, err
	}
	return r.List(ctx, Matching(r.typ, cond), Args{})
}

func exampleCondition(reg Registry, desc *EntityDescriptor, v reflect.Value, prefix string, ignore map[string]bool) (Condition, error) {
	var conds []Condition
	for _, f := range desc.Fields {
		path := prefix + f.Name
		fv := v.FieldByIndex(f.Index)
		if ignore[path] || fv.IsZero() {
			continue
		}
		conds = append(conds, Eq(path, fv.Interface()))
	}
	for _, a := range desc.OwningAssociations() {
		path := prefix + a.Name
		if ignore[path] {
			continue
		}
		handle, ok := v.FieldByIndex(a.Index).Addr().Interface().(ReferenceHandle)
		if !ok || handle.Target() == nil {
			continue
		}
		targetDesc, err := reg.Describe(a.TargetType)
		if err != nil {
			return nil, err
		}
		sub, err := exampleCondition(reg, targetDesc, reflect.ValueOf(handle.Target()).Elem(), path+".", ignore)
		if err != nil {
			return nil, err
		}
		conds = append(conds, sub)
	}
	return And(conds...), nil
}

// Count counts all entities.
func (r *Repository[T]) Count(ctx context.Context) (int64, error) {
	return r.CountQuery(ctx, Matching(r.typ, nil), Args{})
}

// Delete removes entity, loading the managed instance first when entity is detached.
// Deleting an entity that no longer exists is a no-op.
func (r *Repository[T]) Delete(ctx context.Context, entity *T) error {
	return r.Run(ctx, func(ctx context.Context, s Session) error {
		if s.Contains(entity) {
			return s.Remove(ctx, entity)
		}
		id := reflect.ValueOf(entity).Elem().FieldByIndex(r.desc.ID.Index).Interface()
		found, err := s.Find(ctx, r.typ, id)
		if err != nil || found == nil {
			return err
		}
		return s.Remove(ctx, found)
	})
}

// DeleteByID removes the entity with id if it exists.
func (r *Repository[T]) DeleteByID(ctx context.Context, id any) error {
	return r.Run(ctx, func(ctx context.Context, s Session) error {
		found, err := s.Find(ctx, r.typ, id)
		if err != nil || found == nil {
			return err
		}
		return s.Remove(ctx, found)
	})
}

// Flush writes pending changes of the bound session.
func (r *Repository[T]) Flush(ctx context.Context) error {
	return r.Run(ctx, func(ctx context.Context, s Session) error {
		return s.Flush(ctx)
	})
}

// List executes q and returns entity results.
func (r *Repository[T]) List(ctx context.Context, q *Query, args Args) ([]*T, error) {
	return Project[*T](ctx, r, q, args)
}

// One executes q expecting at most one entity.
func (r *Repository[T]) One(ctx context.Context, q *Query, args Args) (*T, error) {
	out, _, err := ProjectOne[*T](ctx, r, q, args)
	return out, err
}

// Page executes q as a counted page.
func (r *Repository[T]) Page(ctx context.Context, q *Query, args Args, req PageRequest) (*Page[*T], error) {
	return ProjectPage[*T](ctx, r, q, args, req, PageCounted)
}

// Slice executes q as a slice that only knows whether a next page exists.
func (r *Repository[T]) Slice(ctx context.Context, q *Query, args Args, req PageRequest) (*Page[*T], error) {
	return ProjectPage[*T](ctx, r, q, args, req, PageSlice)
}

// CountQuery executes q as a count.
func (r *Repository[T]) CountQuery(ctx context.Context, q *Query, args Args) (int64, error) {
	var n int64
	err := r.Run(ctx, func(ctx context.Context, s Session) (err error) {
		n, err = s.Count(ctx, q, args)
		return err
	})
	return n, err
}

// Update executes a bulk update or delete.
func (r *Repository[T]) Update(ctx context.Context, q *Query, args Args, opts BulkOptions) (int64, error) {
	var n int64
	err := r.Run(ctx, func(ctx context.Context, s Session) (err error) {
		n, err = s.ExecuteUpdate(ctx, q, args, opts)
		return err
	})
	return n, err
}

type sessionRunner interface {
	Run(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

// Project executes q through r and converts each result to P.
func Project[P any, R sessionRunner](ctx context.Context, r R, q *Query, args Args) ([]P, error) {
	var out []P
	err := r.Run(ctx, func(ctx context.Context, s Session) (err error) {
		out, err = List[P](ctx, s, q, args)
		return err
	})
	return out, err
}

// ProjectOne executes q through r expecting at most one result.
func ProjectOne[P any, R sessionRunner](ctx context.Context, r R, q *Query, args Args) (P, bool, error) {
	var (
		out P
		ok  bool
	)
	err := r.Run(ctx, func(ctx context.Context, s Session) (err error) {
		out, ok, err = Single[P](ctx, s, q, args)
		return err
	})
	return out, ok, err
}

// ProjectPage executes q through r as a page of P.
func ProjectPage[P any, R sessionRunner](ctx context.Context, r R, q *Query, args Args, req PageRequest, mode PageMode) (*Page[P], error) {
	var out *Page[P]
	err := r.Run(ctx, func(ctx context.Context, s Session) (err error) {
		out, err = PageAs[P](ctx, s, q, args, req, mode)
		return err
	})
	return out, err
}

// List executes q in s and converts each result to P.
func List[P any](ctx context.Context, s Session, q *Query, args Args) ([]P, error) {
	raw, err := s.List(ctx, q, args)
	if err != nil {
		return nil, err
	}
	return castAll[P](raw)
}

// Single executes q in s; ok is false when nothing matched.
func Single[P any](ctx context.Context, s Session, q *Query, args Args) (out P, ok bool, err error) {
	raw, err := s.Single(ctx, q, args)
	if err != nil || raw == nil {
		return out, false, err
	}
	out, ok = raw.(P)
	if !ok {
		return out, false, NewValidationError("projection", fmt.Sprintf("result %T is not %s", raw, reflect.TypeFor[P]()))
	}
	return out, true, nil
}

// PageAs executes q in s as a page of P.
func PageAs[P any](ctx context.Context, s Session, q *Query, args Args, req PageRequest, mode PageMode) (*Page[P], error) {
	raw, err := s.Page(ctx, q, args, req, mode)
	if err != nil {
		return nil, err
	}
	content, err := castAll[P](raw.Content)
	if err != nil {
		return nil, err
	}
	return &Page[P]{
		Content:       content,
		Number:        raw.Number,
		Size:          raw.Size,
		Sort:          raw.Sort,
		TotalElements: raw.TotalElements,
		Counted:       raw.Counted,
		more:          raw.more,
	}, nil
}

func castAll[P any](raw []any) ([]P, error) {
	out := make([]P, 0, len(raw))
	for _, v := range raw {
		p, ok := v.(P)
		if !ok {
			return nil, NewValidationError("projection", fmt.Sprintf("result %T is not %s", v, reflect.TypeFor[P]()))
		}
		out = append(out, p)
	}
	return out, nil
}
