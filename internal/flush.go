package internal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

type dirtyUpdate struct {
	entry   *managedEntity
	columns []string
	values  []any
}

func (s *session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.flush(ctx)
}

// flush writes the queued inserts and deletes in registration order, then the changed columns of
// managed entities. The writes run inside a savepoint: on failure the database is rolled back to
// it, generated keys are taken back and the queue is kept so the caller can retry.
func (s *session) flush(ctx context.Context) error {
	updates, err := s.dirtyUpdates()
	if err != nil {
		return err
	}
	if len(s.pending) == 0 && len(updates) == 0 {
		return nil
	}

	done := stopwatch(ctx, "flush")
	s.savepoints++
	savepoint := fmt.Sprintf("orma_flush_%d", s.savepoints)
	if _, err := s.exec(ctx, "SAVEPOINT "+savepoint); err != nil {
		return err
	}

	var generated []*managedEntity
	if err := s.write(ctx, updates, &generated); err != nil {
		if _, rbErr := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			zap.S().Warnw("rollback to savepoint failed", "savepoint", savepoint, "error", rbErr)
		}
		for _, e := range generated {
			delete(s.identity, identityKey{e.desc.Name, e.key})
			e.key = nil
			e.value.FieldByIndex(e.desc.ID.Index).SetZero()
		}
		zap.S().Warnw("flush failed", "pending", len(s.pending), "updates", len(updates), "error", err)
		return err
	}
	if _, err := s.exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return err
	}

	writes := len(s.pending)
	for _, w := range s.pending {
		switch w.op {
		case opInsert:
			w.entry.state = orma.StateManaged
		case opDelete:
			s.untrack(w.entry)
			w.entry.state = orma.StateTransient
		}
	}
	s.pending = nil
	for _, e := range s.tracked {
		if e.state == orma.StateManaged {
			e.snapshot = s.snapshot(e)
		}
	}

	elapsed := done()
	zap.S().Debugw("flushed", "writes", writes, "updates", len(updates), "elapsed", elapsed)
	return nil
}

func (s *session) write(ctx context.Context, updates []dirtyUpdate, generated *[]*managedEntity) error {
	for _, w := range s.pending {
		var err error
		switch w.op {
		case opInsert:
			err = s.insert(ctx, w.entry, generated)
		case opDelete:
			err = s.delete(ctx, w.entry)
		}
		if err != nil {
			return err
		}
	}
	for _, u := range updates {
		if err := s.update(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) insert(ctx context.Context, e *managedEntity, generated *[]*managedEntity) error {
	desc := e.desc
	identity := desc.ID.Strategy == orma.IDIdentity
	var (
		columns []string
		values  []any
	)
	for _, f := range desc.Fields {
		if f.ID && identity {
			continue
		}
		columns = append(columns, f.Column)
		values = append(values, columnValue(e.value.FieldByIndex(f.Index)))
	}
	for _, a := range desc.OwningAssociations() {
		fk, err := s.foreignKey(a, e.value)
		if err != nil {
			return withEntity(err, desc.Name)
		}
		columns = append(columns, a.JoinColumn)
		values = append(values, fk)
	}

	sql := s.generator.Insert(desc, columns)
	if !identity {
		if _, err := s.exec(ctx, sql, values...); err != nil {
			return withEntity(err, desc.Name)
		}
		EmitRowCount(ctx, desc.Name, "insert", 1)
		return nil
	}

	_, rows, err := s.query(ctx, sql, values...)
	if err != nil {
		return withEntity(err, desc.Name)
	}
	if len(rows) != 1 || rows[0][0] == nil {
		return orma.NewBackendError("insert did not return a generated key", nil).WithEntity(desc.Name)
	}
	idField := e.value.FieldByIndex(desc.ID.Index)
	if err := assignValue(idField, rows[0][0]); err != nil {
		return scanError(desc, desc.ID.Name, err)
	}
	key, err := normalizeKey(rows[0][0], desc.ID.Type)
	if err != nil {
		return scanError(desc, desc.ID.Name, err)
	}
	e.key = key
	s.identity[identityKey{desc.Name, key}] = e
	*generated = append(*generated, e)
	EmitRowCount(ctx, desc.Name, "insert", 1)
	return nil
}

func (s *session) delete(ctx context.Context, e *managedEntity) error {
	n, err := s.exec(ctx, s.generator.DeleteByID(e.desc), e.key)
	if err != nil {
		return withEntity(err, e.desc.Name)
	}
	if n == 0 {
		return staleState(e, "delete")
	}
	EmitRowCount(ctx, e.desc.Name, "delete", n)
	return nil
}

func (s *session) update(ctx context.Context, u dirtyUpdate) error {
	args := append(append([]any(nil), u.values...), u.entry.key)
	n, err := s.exec(ctx, s.generator.UpdateByID(u.entry.desc, u.columns), args...)
	if err != nil {
		return withEntity(err, u.entry.desc.Name)
	}
	if n == 0 {
		return staleState(u.entry, "update")
	}
	EmitRowCount(ctx, u.entry.desc.Name, "update", n)
	return nil
}

func staleState(e *managedEntity, op string) *orma.OrmaError {
	return orma.NewOrmaError(orma.ErrorTypeBackend, orma.ErrCodeStaleState,
		fmt.Sprintf("%s of key %v matched no row", op, e.key)).WithEntity(e.desc.Name)
}

// dirtyUpdates compares every managed entity with its snapshot.
func (s *session) dirtyUpdates() ([]dirtyUpdate, error) {
	var out []dirtyUpdate
	for _, e := range s.tracked {
		if e.state != orma.StateManaged {
			continue
		}
		columns, values, err := s.changedColumns(e)
		if err != nil {
			return nil, err
		}
		if len(columns) > 0 {
			out = append(out, dirtyUpdate{entry: e, columns: columns, values: values})
		}
	}
	return out, nil
}

func (s *session) changedColumns(e *managedEntity) ([]string, []any, error) {
	var (
		columns []string
		values  []any
	)
	for _, f := range e.desc.Fields {
		if f.ID {
			continue
		}
		v := columnValue(e.value.FieldByIndex(f.Index))
		if !sameValue(e.snapshot[f.Column], v) {
			columns = append(columns, f.Column)
			values = append(values, v)
		}
	}
	for _, a := range e.desc.OwningAssociations() {
		fk, err := s.foreignKey(a, e.value)
		if err != nil {
			return nil, nil, withEntity(err, e.desc.Name)
		}
		if !sameValue(e.snapshot[a.JoinColumn], fk) {
			columns = append(columns, a.JoinColumn)
			values = append(values, fk)
		}
	}
	return columns, values, nil
}

// touched names the entities with queued writes or unflushed changes.
func (s *session) touched() *Set[string] {
	names := NewSet[string]()
	for _, w := range s.pending {
		names.Add(w.entry.desc.Name)
	}
	for _, e := range s.tracked {
		if e.state != orma.StateManaged || names.Contains(e.desc.Name) {
			continue
		}
		if columns, _, err := s.changedColumns(e); err != nil || len(columns) > 0 {
			names.Add(e.desc.Name)
		}
	}
	return names
}

// withEntity adds the entity name to a session error that does not carry one yet.
func withEntity(err error, entity string) error {
	var oe *orma.OrmaError
	if errors.As(err, &oe) {
		if oe.Entity == "" {
			oe.Entity = entity
		}
		return err
	}
	return orma.NewInternalError(err.Error(), err).WithEntity(entity)
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
