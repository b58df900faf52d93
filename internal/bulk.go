package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

// ExecuteUpdate runs a bulk statement straight against the backend. Pending writes are flushed
// first so the statement sees them; managed instances are not updated afterwards, so the identity
// map may be stale for the affected rows unless the session is cleared.
//
// Derived deleteBy methods are the exception: they load their matches and remove each one
// through the session, and return how many were removed.
func (s *session) ExecuteUpdate(ctx context.Context, q *orma.Query, args orma.Args, opts orma.BulkOptions) (int64, error) {
	plan, args, err := s.prepare(q, args)
	if err != nil {
		return 0, err
	}

	switch plan.kind {
	case planDerivedDelete:
		return s.deleteMatching(ctx, plan, args)
	case planUpdate, planDelete, planNative:
	default:
		return 0, orma.NewValidationError("query", fmt.Sprintf("%s is not an update or delete statement", plan.source))
	}

	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	var (
		sql  string
		vals []any
	)
	if plan.kind == planNative {
		sql, vals, err = s.generator.Native(plan, args, nil, 0, 0)
	} else {
		sql, vals, err = s.generator.Bulk(plan, args)
	}
	if err != nil {
		return 0, err
	}

	done := stopwatch(ctx, "bulk")
	n, err := s.exec(ctx, sql, vals...)
	done()
	if err != nil {
		return 0, err
	}
	entity := "native"
	if plan.root != nil {
		entity = plan.root.Name
	}
	EmitRowCount(ctx, entity, "bulk", n)

	cleared := s.clearAfterBulk(opts)
	if cleared {
		s.Clear()
	}
	zap.S().Debugw("bulk statement", "entity", entity, "rows", n, "cleared", cleared)
	return n, nil
}

func (s *session) clearAfterBulk(opts orma.BulkOptions) bool {
	switch opts.Clear {
	case orma.ClearAutomatically:
		return true
	case orma.ClearNever:
		return false
	}
	return s.config.Session.ClearAfterBulk
}

func (s *session) deleteMatching(ctx context.Context, plan *queryPlan, args orma.Args) (int64, error) {
	if err := s.autoFlush(ctx, plan); err != nil {
		return 0, err
	}
	matches, err := s.runSelect(ctx, plan, args, selectOptions{orders: plan.orders}, false)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, m := range matches {
		if e, ok := s.byPtr[m]; ok && e.state == orma.StateRemoved {
			continue
		}
		if err := s.Remove(ctx, m); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
