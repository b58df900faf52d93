package orma

import (
	"context"
	"reflect"
)

// Ref is the owning side of a to-one association. Until loaded it may only know the
// foreign key; Get resolves the target through the session that hydrated the owner.
type Ref[T any] struct {
	target *T
	key    any
	loaded bool
	load   func(ctx context.Context) (any, error)
	lookup func() any
}

// Get returns the target, loading it on first access. A nil target with a nil error means
// the association is empty.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if r.loaded {
		return r.target, nil
	}
	if r.key == nil {
		r.loaded = true
		return nil, nil
	}
	if r.load == nil {
		return nil, NewConflictError(ErrCodeLazyInitialization, "reference is not bound to a session").
			WithDetail("key", r.key)
	}
	v, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	r.target, _ = v.(*T)
	r.loaded = true
	return r.target, nil
}

// Peek returns the target if it is already in memory.
func (r *Ref[T]) Peek() *T { return r.target }

// Loaded reports whether the target is in memory (possibly nil).
func (r *Ref[T]) Loaded() bool { return r.loaded }

// Key returns the foreign key read from the owner's row, or nil once the target was set in memory.
func (r *Ref[T]) Key() any { return r.key }

// TargetType returns the target struct type.
func (r *Ref[T]) TargetType() reflect.Type { return reflect.TypeFor[T]() }

// Target returns the in-memory target as an untyped pointer, or nil.
func (r *Ref[T]) Target() any {
	if r.target == nil {
		return nil
	}
	return r.target
}

// Bind installs a deferred loader for key. Sessions call it while hydrating.
func (r *Ref[T]) Bind(key any, loader func(ctx context.Context) (any, error)) {
	r.target = nil
	r.key = key
	r.loaded = key == nil
	r.load = loader
	r.lookup = nil
}

// BindLookup installs a function that returns the target for the key when it is already in
// memory, without querying. Associate uses it to detach the owner from a target it only knows
// by key.
func (r *Ref[T]) BindLookup(lookup func() any) {
	r.lookup = lookup
}

// current returns the in-memory target, consulting the lookup while only the key is known.
func (r *Ref[T]) current() *T {
	if r.target != nil || r.loaded || r.lookup == nil {
		return r.target
	}
	t, _ := r.lookup().(*T)
	return t
}

// Resolve marks the reference loaded with target, which must be a *T or nil.
func (r *Ref[T]) Resolve(target any) {
	r.target, _ = target.(*T)
	r.loaded = true
}

// Collection is the inverse side of a one-to-many association. Items added before the
// first load are merged into the loaded result.
type Collection[T any] struct {
	items   []*T
	added   []*T
	removed []*T
	loaded  bool
	load    func(ctx context.Context) ([]any, error)
}

// Load returns the members, querying them on first access.
func (c *Collection[T]) Load(ctx context.Context) ([]*T, error) {
	if !c.loaded {
		var raw []any
		if c.load != nil {
			var err error
			if raw, err = c.load(ctx); err != nil {
				return nil, err
			}
		}
		c.Resolve(raw)
	}
	out := make([]*T, len(c.items))
	copy(out, c.items)
	return out, nil
}

// Peek returns what is in memory without loading: the members once loaded, otherwise pending additions.
func (c *Collection[T]) Peek() []*T {
	if c.loaded {
		return c.items
	}
	return c.added
}

// Loaded reports whether the members are in memory.
func (c *Collection[T]) Loaded() bool { return c.loaded }

// ElementType returns the member struct type.
func (c *Collection[T]) ElementType() reflect.Type { return reflect.TypeFor[T]() }

// Items returns the in-memory members as untyped pointers.
func (c *Collection[T]) Items() []any {
	src := c.Peek()
	out := make([]any, 0, len(src))
	for _, item := range src {
		out = append(out, item)
	}
	return out
}

// Bind installs a deferred loader. Sessions call it while hydrating.
func (c *Collection[T]) Bind(loader func(ctx context.Context) ([]any, error)) {
	c.items = nil
	c.loaded = false
	c.load = loader
}

// Resolve marks the collection loaded with items merged with pending changes.
func (c *Collection[T]) Resolve(items []any) {
	merged := make([]*T, 0, len(items)+len(c.added))
	for _, raw := range items {
		item, ok := raw.(*T)
		if !ok || indexOf(c.removed, item) >= 0 || indexOf(merged, item) >= 0 {
			continue
		}
		merged = append(merged, item)
	}
	for _, item := range c.added {
		if indexOf(merged, item) < 0 {
			merged = append(merged, item)
		}
	}
	c.items = merged
	c.added = nil
	c.removed = nil
	c.loaded = true
}

func (c *Collection[T]) add(item *T) {
	if c.loaded {
		if indexOf(c.items, item) < 0 {
			c.items = append(c.items, item)
		}
		return
	}
	if i := indexOf(c.removed, item); i >= 0 {
		c.removed = append(c.removed[:i], c.removed[i+1:]...)
	}
	if indexOf(c.added, item) < 0 {
		c.added = append(c.added, item)
	}
}

func (c *Collection[T]) remove(item *T) {
	if c.loaded {
		if i := indexOf(c.items, item); i >= 0 {
			c.items = append(c.items[:i], c.items[i+1:]...)
		}
		return
	}
	if i := indexOf(c.added, item); i >= 0 {
		c.added = append(c.added[:i], c.added[i+1:]...)
		return
	}
	c.removed = append(c.removed, item)
}

func indexOf[T any](items []*T, item *T) int {
	for i, candidate := range items {
		if candidate == item {
			return i
		}
	}
	return -1
}

// Associate points owner's reference at target and keeps the inverse collection in step.
// It is the only way to change a bidirectional association in memory; inverse may be nil
// for unidirectional references.
func Associate[O, T any](owner *O, ref *Ref[T], target *T, inverse func(*T) *Collection[O]) {
	if inverse != nil {
		if old := ref.current(); old != nil && old != target {
			inverse(old).remove(owner)
		}
	}
	ref.target = target
	ref.key = nil
	ref.loaded = true
	ref.lookup = nil
	if inverse != nil && target != nil {
		inverse(target).add(owner)
	}
}

// ReferenceHandle is the session-facing view of a Ref.
type ReferenceHandle interface {
	TargetType() reflect.Type
	Target() any
	Key() any
	Loaded() bool
	Bind(key any, loader func(ctx context.Context) (any, error))
	BindLookup(lookup func() any)
	Resolve(target any)
}

// CollectionHandle is the session-facing view of a Collection.
type CollectionHandle interface {
	ElementType() reflect.Type
	Items() []any
	Loaded() bool
	Bind(loader func(ctx context.Context) ([]any, error))
	Resolve(items []any)
}

var (
	_ ReferenceHandle  = (*Ref[struct{}])(nil)
	_ CollectionHandle = (*Collection[struct{}])(nil)
)
