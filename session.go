package orma

import (
	"context"
	"errors"
	"reflect"

	"go.uber.org/zap"
)

// Session is a unit of work: an identity map of managed entities, a queue of pending
// writes, and the backend transaction they will be flushed into. A session is not safe
// for concurrent use.
type Session interface {
	// Persist schedules an insert for a new entity and starts tracking it.
	Persist(ctx context.Context, entity any) error
	// Merge copies the state of a detached entity onto its managed instance and returns it.
	Merge(ctx context.Context, entity any) (any, error)
	// Remove schedules a delete for a managed entity.
	Remove(ctx context.Context, entity any) error
	// Find returns the managed instance for key, loading it on a miss. Absent rows yield nil.
	Find(ctx context.Context, entityType reflect.Type, key any) (any, error)
	// Refresh overwrites a managed entity with its current row.
	Refresh(ctx context.Context, entity any) error

	Contains(entity any) bool
	State(entity any) EntityState
	Detach(entity any)
	Clear()
	Flush(ctx context.Context) error

	List(ctx context.Context, q *Query, args Args) ([]any, error)
	// Single returns the only result, nil when there is none, and an ambiguous result error otherwise.
	Single(ctx context.Context, q *Query, args Args) (any, error)
	Count(ctx context.Context, q *Query, args Args) (int64, error)
	Page(ctx context.Context, q *Query, args Args, req PageRequest, mode PageMode) (*Page[any], error)
	// ExecuteUpdate runs a bulk update or delete and returns the affected row count.
	ExecuteUpdate(ctx context.Context, q *Query, args Args, opts BulkOptions) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error

	Registry() Registry
}

// SessionFactory opens sessions sharing one registry, backend and plan cache.
type SessionFactory interface {
	OpenSession() Session
	Registry() Registry
	Config() *Config
}

// Registry exposes immutable entity metadata and query resolution.
type Registry interface {
	Describe(t reflect.Type) (*EntityDescriptor, error)
	DescribeName(name string) (*EntityDescriptor, error)
	Entities() []*EntityDescriptor
	// Resolve maps a repository method to a query: a named query Entity.method wins over derivation.
	Resolve(entity reflect.Type, method string) (*Query, error)
	// Prepare compiles and validates q without executing it.
	Prepare(q *Query) error
}

type sessionKey struct{}

// WithSession binds s to ctx so repositories join the same unit of work.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session bound to ctx.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// Transact runs fn in a new session bound to ctx, committing when fn succeeds and rolling back
// otherwise. The session is closed either way.
func Transact(ctx context.Context, factory SessionFactory, fn func(ctx context.Context, s Session) error) (err error) {
	s := factory.OpenSession()
	defer func() {
		if closeErr := s.Close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err = fn(WithSession(ctx, s), s); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, ErrSessionClosed) {
			zap.S().Warnw("rollback after failure", "error", rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Within runs fn in the session bound to ctx, or in a new transactional one.
func Within(ctx context.Context, factory SessionFactory, fn func(ctx context.Context, s Session) error) error {
	if s, ok := SessionFrom(ctx); ok {
		return fn(ctx, s)
	}
	return Transact(ctx, factory, fn)
}
