package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/orma"
)

// Page runs q for one page. Counted pages issue the count companion unless the total can be
// derived from the page itself; slices read one extra row to learn whether a next page exists.
func (s *session) Page(ctx context.Context, q *orma.Query, args orma.Args, req orma.PageRequest, mode orma.PageMode) (*orma.Page[any], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	plan, args, err := s.prepare(q, args)
	if err != nil {
		return nil, err
	}
	if maxSize := s.config.Query.MaxPageSize; maxSize > 0 && req.Size > maxSize {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidPageSize,
			fmt.Sprintf("page size %d exceeds the maximum of %d", req.Size, maxSize)).WithField("size")
	}
	switch plan.kind {
	case planUpdate, planDelete, planDerivedDelete:
		return nil, notSelect(plan)
	case planCount, planExists:
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnsupportedPaging,
			fmt.Sprintf("%s returns a single value", plan.source))
	}
	if plan.fetchesCollection {
		return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnsupportedPaging,
			"collection fetch joins cannot be paged; load the collection lazily or through an entity graph on a list query")
	}
	if err := s.autoFlush(ctx, plan); err != nil {
		return nil, err
	}

	offset := req.Offset()
	size := req.Size
	if plan.limit > 0 {
		// a derived top-N caps the whole result, not each page
		if remaining := plan.limit - offset; remaining < size {
			size = max(remaining, 0)
		}
	}
	fetch := size
	if mode == orma.PageSlice && (plan.limit <= 0 || offset+size < plan.limit) {
		fetch++
	}

	var content []any
	if size > 0 {
		opts, err := s.options(plan, req.Sort, fetch, offset)
		if err != nil {
			return nil, err
		}
		if content, err = s.runSelect(ctx, plan, args, opts, false); err != nil {
			return nil, err
		}
	}

	if mode == orma.PageSlice {
		hasNext := len(content) > size
		if hasNext {
			content = content[:size]
		}
		return orma.NewSlice(content, req, hasNext), nil
	}

	total, err := s.pageTotal(ctx, plan, args, req, content)
	if err != nil {
		return nil, err
	}
	return orma.NewPage(content, req, total), nil
}

func (s *session) pageTotal(ctx context.Context, plan *queryPlan, args orma.Args, req orma.PageRequest, content []any) (int64, error) {
	offset := int64(req.Offset())
	n := int64(len(content))
	if s.config.Query.SkipCountWhenKnown && n < int64(req.Size) && (offset == 0 || n > 0) {
		return offset + n, nil
	}
	if plan.countPlan == nil {
		return 0, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeUnsupportedPaging,
			fmt.Sprintf("%s has no count query", plan.source))
	}
	total, err := s.runCount(ctx, plan.countPlan, args)
	if err != nil {
		return 0, err
	}
	if plan.limit > 0 && total > int64(plan.limit) {
		total = int64(plan.limit)
	}
	return total, nil
}
