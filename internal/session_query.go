package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/orma"
)

// prepare compiles q through the factory's plan cache. The returned args also carry the
// literal values lifted out of a specification.
func (s *session) prepare(q *orma.Query, args orma.Args) (*queryPlan, orma.Args, error) {
	if err := s.checkOpen(); err != nil {
		return nil, args, err
	}
	if q == nil {
		return nil, args, orma.NewValidationError("query", "query must not be nil")
	}
	q, args, err := parameterize(q, args)
	if err != nil {
		return nil, args, err
	}
	plan, err := s.plan(q)
	if err != nil {
		return nil, args, err
	}
	if err := plan.checkArgs(args, true); err != nil {
		return nil, args, err
	}
	return plan, args, nil
}

func (s *session) plan(q *orma.Query) (*queryPlan, error) {
	return s.factory.plans.GetOrCompile(q, s.registry.compile)
}

func notSelect(plan *queryPlan) error {
	return orma.NewValidationError("query", fmt.Sprintf("%s modifies data; run it with ExecuteUpdate", plan.source))
}

func (s *session) List(ctx context.Context, q *orma.Query, args orma.Args) ([]any, error) {
	plan, args, err := s.prepare(q, args)
	if err != nil {
		return nil, err
	}
	switch plan.kind {
	case planUpdate, planDelete, planDerivedDelete:
		return nil, notSelect(plan)
	case planCount, planExists:
		n, err := s.runCount(ctx, plan, args)
		if err != nil {
			return nil, err
		}
		if plan.kind == planExists {
			return []any{n > 0}, nil
		}
		return []any{n}, nil
	}

	if err := s.autoFlush(ctx, plan); err != nil {
		return nil, err
	}
	opts, err := s.options(plan, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return s.runSelect(ctx, plan, args, opts, false)
}

func (s *session) Single(ctx context.Context, q *orma.Query, args orma.Args) (any, error) {
	results, err := s.List(ctx, q, args)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return nil, orma.NewAmbiguousResultError(len(results))
}

func (s *session) Count(ctx context.Context, q *orma.Query, args orma.Args) (int64, error) {
	plan, args, err := s.prepare(q, args)
	if err != nil {
		return 0, err
	}
	switch plan.kind {
	case planCount, planExists:
		return s.runCount(ctx, plan, args)
	case planUpdate, planDelete, planDerivedDelete:
		return 0, notSelect(plan)
	}
	if plan.countPlan == nil {
		return 0, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnsupportedPaging,
			fmt.Sprintf("%s cannot be counted", plan.source))
	}
	return s.runCount(ctx, plan.countPlan, args)
}

func (s *session) runCount(ctx context.Context, count *queryPlan, args orma.Args) (int64, error) {
	if err := count.checkArgs(args, false); err != nil {
		return 0, err
	}
	if err := s.autoFlush(ctx, count); err != nil {
		return 0, err
	}
	rows, err := s.runSelect(ctx, count, args, selectOptions{}, false)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, ok := rows[0].(int64)
	if !ok {
		return 0, orma.NewInternalError(fmt.Sprintf("count query returned %T", rows[0]), nil)
	}
	return n, nil
}

// options renders the plan's own ordering followed by sortBy, with an optional row window.
func (s *session) options(plan *queryPlan, sortBy orma.Sort, limit, offset int) (selectOptions, error) {
	opts := selectOptions{orders: plan.orders, limit: plan.limit, offset: offset}
	if limit > 0 {
		opts.limit = limit
	}
	if plan.kind == planNative {
		opts.sort = sortBy
		return opts, nil
	}
	if len(sortBy) > 0 {
		scope := plan.scope.clone()
		extra, err := scope.orderItems(sortBy, plan.resultAlias)
		if err != nil {
			return selectOptions{}, err
		}
		opts.scope = scope
		opts.orders = append(append([]orderItem(nil), plan.orders...), extra...)
	}
	return opts, nil
}

// autoFlush writes pending changes before a query that could observe them. Native SQL may
// read anything, so it flushes whenever there is work queued.
func (s *session) autoFlush(ctx context.Context, plan *queryPlan) error {
	if s.config.Session.FlushMode == orma.FlushModeCommit {
		return nil
	}
	touched := s.touched()
	if touched.Size() == 0 {
		return nil
	}
	if plan.kind == planNative || plan.affects.Intersects(touched) {
		return s.flush(ctx)
	}
	return nil
}
