package internal

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

type identityKey struct {
	entity string
	key    any
}

// managedEntity is the session's record of one tracked instance.
type managedEntity struct {
	desc     *orma.EntityDescriptor
	ptr      any
	value    reflect.Value
	state    orma.EntityState
	key      any
	snapshot map[string]any
}

type writeOp int

const (
	opInsert writeOp = iota
	opDelete
)

type pendingWrite struct {
	op    writeOp
	entry *managedEntity
}

type session struct {
	factory   *sessionFactory
	registry  *EntityRegistry
	generator *SQLGenerator
	config    *orma.Config

	tx         orma.Tx
	identity   map[identityKey]*managedEntity
	byPtr      map[any]*managedEntity
	tracked    []*managedEntity
	pending    []pendingWrite
	generation uint64
	savepoints int
	closed     bool
}

var _ orma.Session = (*session)(nil)

func newSession(f *sessionFactory) *session {
	return &session{
		factory:   f,
		registry:  f.registry,
		generator: f.generator,
		config:    f.config,
		identity:  make(map[identityKey]*managedEntity),
		byPtr:     make(map[any]*managedEntity),
	}
}

func (s *session) Registry() orma.Registry { return s.registry }

func (s *session) checkOpen() error {
	if s.closed {
		return orma.NewConflictError(orma.ErrCodeSessionClosed, "session is closed")
	}
	return nil
}

// transaction begins the backend transaction on first use.
func (s *session) transaction(ctx context.Context) (orma.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.factory.backend.Begin(ctx)
	if err != nil {
		return nil, orma.NewBackendError("failed to begin transaction", err).WithDetail("code", orma.ErrCodeTransactionFailed)
	}
	s.tx = tx
	return tx, nil
}

func (s *session) logStatement(sql string, args []any, elapsed time.Duration) {
	if s.config.Logging.LogQueries {
		zap.S().Debugw("sql", "statement", sql, "args", args, "elapsed", elapsed)
	}
	if threshold := s.config.Logging.SlowQueryThreshold; threshold > 0 && elapsed > threshold {
		zap.S().Warnw("slow statement", "statement", sql, "elapsed", elapsed)
	}
}

func (s *session) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tx, err := s.transaction(ctx)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := tx.Exec(ctx, sql, args...)
	s.logStatement(sql, args, time.Since(start))
	if err != nil {
		return 0, orma.NewBackendError("statement failed", err).WithDetail("sql", sql)
	}
	return n, nil
}

// query runs sql and returns every row scanned into driver values, closing the cursor
// before returning so callers may issue further statements on the same transaction.
func (s *session) query(ctx context.Context, sql string, args ...any) ([]string, [][]any, error) {
	tx, err := s.transaction(ctx)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		s.logStatement(sql, args, time.Since(start))
		return nil, nil, orma.NewBackendError("query failed", err).WithDetail("sql", sql)
	}
	defer rows.Close()

	columns := rows.Columns()
	var out [][]any
	for rows.Next() {
		row := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeScanFailed, "failed to scan row").WithCause(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, orma.NewBackendError("query failed", err).WithDetail("sql", sql)
	}
	s.logStatement(sql, args, time.Since(start))
	return columns, out, nil
}

func (s *session) track(e *managedEntity) {
	s.byPtr[e.ptr] = e
	if e.key != nil {
		s.identity[identityKey{e.desc.Name, e.key}] = e
	}
	s.tracked = append(s.tracked, e)
}

func (s *session) untrack(e *managedEntity) {
	delete(s.byPtr, e.ptr)
	if e.key != nil {
		ik := identityKey{e.desc.Name, e.key}
		if s.identity[ik] == e {
			delete(s.identity, ik)
		}
	}
	for i, t := range s.tracked {
		if t == e {
			s.tracked = append(s.tracked[:i], s.tracked[i+1:]...)
			break
		}
	}
	s.dropPending(e)
}

func (s *session) dropPending(e *managedEntity) {
	kept := s.pending[:0]
	for _, w := range s.pending {
		if w.entry != e {
			kept = append(kept, w)
		}
	}
	s.pending = kept
}

func (s *session) Persist(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	desc, v, err := s.registry.entityOf(entity)
	if err != nil {
		return err
	}
	if e, ok := s.byPtr[entity]; ok {
		return orma.NewConflictError(orma.ErrCodeAlreadyManaged,
			fmt.Sprintf("instance is already %s in this session", e.state)).WithEntity(desc.Name)
	}

	idField := v.FieldByIndex(desc.ID.Index)
	switch desc.ID.Strategy {
	case orma.IDUUID:
		if idField.IsZero() {
			if err := assignValue(idField, uuid.New()); err != nil {
				return orma.NewInternalError("cannot assign generated uuid", err)
			}
		}
	case orma.IDIdentity:
		if !idField.IsZero() {
			return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnexpectedGenerated,
				"key is generated by the database and must be zero on persist").WithEntity(desc.Name).WithField(desc.ID.Name)
		}
	default:
		if idField.IsZero() {
			return orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeMissingAssignedKey,
				"assigned key must be set before persist").WithEntity(desc.Name).WithField(desc.ID.Name)
		}
	}

	var key any
	if raw, ok := keyOf(desc, v); ok {
		if key, err = normalizeKey(raw, desc.ID.Type); err != nil {
			return orma.NewValidationError(desc.ID.Name, err.Error())
		}
		if other, taken := s.identity[identityKey{desc.Name, key}]; taken {
			return orma.NewConflictError(orma.ErrCodeDuplicateIdentity,
				fmt.Sprintf("another instance with key %v is %s in this session", key, other.state)).WithEntity(desc.Name)
		}
	}

	for _, f := range desc.Fields {
		if f.CreatedDate {
			if fv := v.FieldByIndex(f.Index); fv.IsZero() {
				fv.Set(reflect.ValueOf(s.factory.clock()))
			}
		}
	}

	e := &managedEntity{desc: desc, ptr: entity, value: v, state: orma.StateNew, key: key}
	s.track(e)
	s.pending = append(s.pending, pendingWrite{op: opInsert, entry: e})
	zap.S().Debugw("persist", "entity", desc.Name, "key", key)
	return nil
}

func (s *session) Remove(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	desc, _, err := s.registry.entityOf(entity)
	if err != nil {
		return err
	}
	e, ok := s.byPtr[entity]
	if !ok {
		return orma.NewConflictError(orma.ErrCodeNotManaged, "instance is not managed by this session").WithEntity(desc.Name)
	}
	switch e.state {
	case orma.StateRemoved:
		return orma.NewConflictError(orma.ErrCodeAlreadyRemoved, "instance is already removed").WithEntity(desc.Name)
	case orma.StateNew:
		// never written, so forgetting it cancels the insert
		s.untrack(e)
		e.state = orma.StateTransient
	default:
		e.state = orma.StateRemoved
		s.pending = append(s.pending, pendingWrite{op: opDelete, entry: e})
	}
	return nil
}

func (s *session) Find(ctx context.Context, entityType reflect.Type, key any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	desc, err := s.registry.Describe(entityType)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, desc, key)
}

func (s *session) find(ctx context.Context, desc *orma.EntityDescriptor, key any) (any, error) {
	if key == nil {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidEntityArgument, "key must not be nil").WithEntity(desc.Name)
	}
	nk, err := normalizeKey(key, desc.ID.Type)
	if err != nil {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidEntityArgument, err.Error()).WithEntity(desc.Name)
	}
	if e, ok := s.identity[identityKey{desc.Name, nk}]; ok {
		if e.state == orma.StateRemoved {
			return nil, nil
		}
		return e.ptr, nil
	}

	plan, err := s.plan(byKeyQuery(desc))
	if err != nil {
		return nil, err
	}
	results, err := s.runSelect(ctx, plan, orma.Positional(nk), selectOptions{}, false)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return results[0], nil
}

func byKeyQuery(desc *orma.EntityDescriptor) *orma.Query {
	return orma.Matching(desc.Type, orma.Eq(desc.ID.Name, orma.PositionalParam(1)))
}

func (s *session) Merge(ctx context.Context, entity any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	desc, v, err := s.registry.entityOf(entity)
	if err != nil {
		return nil, err
	}
	if e, ok := s.byPtr[entity]; ok {
		if e.state == orma.StateRemoved {
			return nil, orma.NewConflictError(orma.ErrCodeAlreadyRemoved, "cannot merge a removed instance").WithEntity(desc.Name)
		}
		return entity, nil
	}

	var managed any
	if key, ok := keyOf(desc, v); ok {
		if managed, err = s.find(ctx, desc, key); err != nil {
			return nil, err
		}
	}
	if managed == nil {
		copied := reflect.New(desc.Type)
		copied.Elem().Set(v)
		if desc.ID.Strategy == orma.IDIdentity {
			copied.Elem().FieldByIndex(desc.ID.Index).SetZero()
		}
		if err := s.Persist(ctx, copied.Interface()); err != nil {
			return nil, err
		}
		return copied.Interface(), nil
	}

	target := reflect.ValueOf(managed).Elem()
	for _, f := range desc.Fields {
		if f.ID {
			continue
		}
		target.FieldByIndex(f.Index).Set(v.FieldByIndex(f.Index))
	}
	for _, a := range desc.OwningAssociations() {
		src := v.FieldByIndex(a.Index).Addr().Interface().(orma.ReferenceHandle)
		if !src.Loaded() && src.Key() == nil {
			// never touched on the detached copy
			continue
		}
		target.FieldByIndex(a.Index).Set(v.FieldByIndex(a.Index))
	}
	return managed, nil
}

func (s *session) Refresh(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	desc, _, err := s.registry.entityOf(entity)
	if err != nil {
		return err
	}
	e, ok := s.byPtr[entity]
	if !ok || e.state != orma.StateManaged {
		return orma.NewConflictError(orma.ErrCodeNotManaged, "only managed instances can be refreshed").WithEntity(desc.Name)
	}
	plan, err := s.plan(byKeyQuery(desc))
	if err != nil {
		return err
	}
	results, err := s.runSelect(ctx, plan, orma.Positional(e.key), selectOptions{}, true)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return orma.NewEntityNotFoundError(desc.Name, e.key)
	}
	return nil
}

func (s *session) Contains(entity any) bool {
	e, ok := s.byPtr[entity]
	return ok && e.state != orma.StateRemoved
}

func (s *session) State(entity any) orma.EntityState {
	if e, ok := s.byPtr[entity]; ok {
		return e.state
	}
	desc, v, err := s.registry.entityOf(entity)
	if err != nil {
		return orma.StateTransient
	}
	if p, ok := entity.(orma.Persistable); ok {
		if p.IsNew() {
			return orma.StateTransient
		}
		return orma.StateDetached
	}
	if _, ok := keyOf(desc, v); ok && desc.ID.Strategy != orma.IDAssigned {
		return orma.StateDetached
	}
	return orma.StateTransient
}

func (s *session) Detach(entity any) {
	if e, ok := s.byPtr[entity]; ok {
		s.untrack(e)
		e.state = orma.StateDetached
	}
}

// Clear detaches everything and drops pending writes. Lazy handles bound earlier stop working.
func (s *session) Clear() {
	for _, e := range s.tracked {
		e.state = orma.StateDetached
	}
	s.identity = make(map[identityKey]*managedEntity)
	s.byPtr = make(map[any]*managedEntity)
	s.tracked = nil
	s.pending = nil
	s.generation++
}

func (s *session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		s.release(ctx)
		return err
	}
	if s.tx != nil {
		if err := s.tx.Commit(ctx); err != nil {
			s.tx = nil
			s.release(ctx)
			return orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeTransactionFailed, "commit failed").WithCause(err)
		}
		s.tx = nil
	}
	s.release(ctx)
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var err error
	if s.tx != nil {
		if rbErr := s.tx.Rollback(ctx); rbErr != nil {
			err = orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeTransactionFailed, "rollback failed").WithCause(rbErr)
		}
		s.tx = nil
	}
	s.release(ctx)
	return err
}

// Close discards uncommitted work. Closing twice is a no-op.
func (s *session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.release(ctx)
	return nil
}

// release rolls back any open transaction and ends the session.
func (s *session) release(ctx context.Context) {
	if s.tx != nil {
		if err := s.tx.Rollback(ctx); err != nil {
			zap.S().Warnw("rollback on release failed", "error", err)
		}
		s.tx = nil
	}
	s.Clear()
	s.closed = true
}
