package orma

import (
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// EntityState is the lifecycle state of a tracked object.
type EntityState string

const (
	// StateTransient marks an object the session has never tracked.
	StateTransient EntityState = "transient"
	StateNew       EntityState = "new"
	StateManaged   EntityState = "managed"
	StateRemoved   EntityState = "removed"
	StateDetached  EntityState = "detached"
)

// Cardinality of an association.
type Cardinality string

const (
	ManyToOne Cardinality = "many_to_one"
	OneToOne  Cardinality = "one_to_one"
	OneToMany Cardinality = "one_to_many"
)

// FetchMode decides whether an association loads with its owner or on first access.
type FetchMode string

const (
	FetchLazy  FetchMode = "lazy"
	FetchEager FetchMode = "eager"
)

// Operator defines supported comparison operations
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpLike        Operator = "like"
	OpNotLike     Operator = "not_like"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpContains    Operator = "contains"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpTrue        Operator = "true"
	OpFalse       Operator = "false"
)

var operatorArity = map[Operator]int{
	OpEquals: 1, OpNotEquals: 1, OpGreaterThan: 1, OpGreaterEq: 1, OpLessThan: 1, OpLessEq: 1,
	OpBetween: 2, OpIn: 1, OpNotIn: 1, OpLike: 1, OpNotLike: 1, OpStartsWith: 1, OpEndsWith: 1,
	OpContains: 1, OpIsNull: 0, OpIsNotNull: 0, OpTrue: 0, OpFalse: 0,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := operatorArity[op]
	return ok
}

// Arity is the number of bound values the operator consumes.
func (op Operator) Arity() int {
	return operatorArity[op]
}

// SortOrder defines sort direction
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// Order sorts by one property path.
type Order struct {
	Property   string    `json:"property"`
	Direction  SortOrder `json:"direction"`
	IgnoreCase bool      `json:"ignoreCase,omitempty"`
}

// Sort is an ordered list of sort keys.
type Sort []Order

// Asc sorts ascending by the given properties.
func Asc(properties ...string) Sort { return sortBy(SortOrderAsc, properties) }

// Desc sorts descending by the given properties.
func Desc(properties ...string) Sort { return sortBy(SortOrderDesc, properties) }

func sortBy(dir SortOrder, properties []string) Sort {
	s := make(Sort, 0, len(properties))
	for _, p := range properties {
		s = append(s, Order{Property: p, Direction: dir})
	}
	return s
}

// And appends further sort keys.
func (s Sort) And(other Sort) Sort {
	out := make(Sort, 0, len(s)+len(other))
	out = append(out, s...)
	return append(out, other...)
}

// IsSorted reports whether any sort key is present.
func (s Sort) IsSorted() bool { return len(s) > 0 }

func (s Sort) String() string {
	if len(s) == 0 {
		return "UNSORTED"
	}
	parts := make([]string, 0, len(s))
	for _, o := range s {
		parts = append(parts, o.Property+": "+strings.ToUpper(string(o.Direction)))
	}
	return strings.Join(parts, ", ")
}

// ParseSort reads request parameters of the form "username,desc". Each value names
// one or more properties followed by an optional direction.
func ParseSort(values ...string) (Sort, error) {
	var out Sort
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		parts := strings.Split(v, ",")
		dir := SortOrderAsc
		last := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
		if last == string(SortOrderAsc) || last == string(SortOrderDesc) {
			dir = SortOrder(last)
			parts = parts[:len(parts)-1]
		}
		if len(parts) == 0 {
			return nil, NewValidationError("sort", fmt.Sprintf("sort parameter %q names no property", v))
		}
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			out = append(out, Order{Property: p, Direction: dir})
		}
	}
	return out, nil
}

// PageRequest selects a zero-based page of a sorted result.
type PageRequest struct {
	Page int  `json:"page"`
	Size int  `json:"size"`
	Sort Sort `json:"sort,omitempty"`
}

// PageOf builds a page request.
func PageOf(page, size int, sort ...Order) PageRequest {
	return PageRequest{Page: page, Size: size, Sort: Sort(sort)}
}

// Offset is the number of rows skipped before the page starts.
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// Next returns the request for the following page.
func (p PageRequest) Next() PageRequest {
	return PageRequest{Page: p.Page + 1, Size: p.Size, Sort: p.Sort}
}

// Validate checks page bounds.
func (p PageRequest) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Page, validation.Min(0)),
		validation.Field(&p.Size, validation.Required, validation.Min(1)),
	)
	if err == nil {
		return nil
	}
	code := ErrCodeInvalidPageSize
	field := "size"
	if errs, ok := err.(validation.Errors); ok {
		if _, bad := errs["page"]; bad {
			code = ErrCodeInvalidPage
			field = "page"
		}
	}
	return &OrmaError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: err.Error(),
		Field:   field,
		Cause:   err,
	}
}

// Page is one page of query results. TotalElements is only meaningful when Counted.
type Page[T any] struct {
	Content       []T
	Number        int
	Size          int
	Sort          Sort
	TotalElements int64
	Counted       bool
	more          bool
}

// NewPage builds a counted page.
func NewPage[T any](content []T, req PageRequest, total int64) *Page[T] {
	return &Page[T]{
		Content:       content,
		Number:        req.Page,
		Size:          req.Size,
		Sort:          req.Sort,
		TotalElements: total,
		Counted:       true,
	}
}

// NewSlice builds an uncounted page that only knows whether a next page exists.
func NewSlice[T any](content []T, req PageRequest, hasNext bool) *Page[T] {
	return &Page[T]{
		Content: content,
		Number:  req.Page,
		Size:    req.Size,
		Sort:    req.Sort,
		more:    hasNext,
	}
}

// NumberOfElements is the length of Content.
func (p *Page[T]) NumberOfElements() int { return len(p.Content) }

// TotalPages is ceil(TotalElements/Size); zero for slices.
func (p *Page[T]) TotalPages() int {
	if !p.Counted || p.Size == 0 {
		return 0
	}
	return int((p.TotalElements + int64(p.Size) - 1) / int64(p.Size))
}

func (p *Page[T]) IsFirst() bool { return p.Number == 0 }

func (p *Page[T]) HasPrevious() bool { return p.Number > 0 }

// HasNext reports whether another page follows.
func (p *Page[T]) HasNext() bool {
	if p.Counted {
		return int64(p.Number+1)*int64(p.Size) < p.TotalElements
	}
	return p.more
}

func (p *Page[T]) IsLast() bool { return !p.HasNext() }

// Pageable returns the request that produced this page.
func (p *Page[T]) Pageable() PageRequest {
	return PageRequest{Page: p.Number, Size: p.Size, Sort: p.Sort}
}

// MarshalJSON renders the page the way paging HTTP clients expect.
func (p *Page[T]) MarshalJSON() ([]byte, error) {
	type pageJSON struct {
		Content          []T    `json:"content"`
		Number           int    `json:"number"`
		Size             int    `json:"size"`
		NumberOfElements int    `json:"numberOfElements"`
		TotalElements    *int64 `json:"totalElements,omitempty"`
		TotalPages       *int   `json:"totalPages,omitempty"`
		First            bool   `json:"first"`
		Last             bool   `json:"last"`
		Sort             Sort   `json:"sort,omitempty"`
	}
	out := pageJSON{
		Content:          p.Content,
		Number:           p.Number,
		Size:             p.Size,
		NumberOfElements: len(p.Content),
		First:            p.IsFirst(),
		Last:             p.IsLast(),
		Sort:             p.Sort,
	}
	if out.Content == nil {
		out.Content = []T{}
	}
	if p.Counted {
		total := p.TotalElements
		pages := p.TotalPages()
		out.TotalElements = &total
		out.TotalPages = &pages
	}
	return json.Marshal(out)
}

// MapPage converts page content while keeping the paging metadata.
func MapPage[T, R any](p *Page[T], fn func(T) R) *Page[R] {
	content := make([]R, 0, len(p.Content))
	for _, item := range p.Content {
		content = append(content, fn(item))
	}
	return &Page[R]{
		Content:       content,
		Number:        p.Number,
		Size:          p.Size,
		Sort:          p.Sort,
		TotalElements: p.TotalElements,
		Counted:       p.Counted,
		more:          p.more,
	}
}

// PageMode selects counted pages or cheaper slices.
type PageMode int

const (
	PageCounted PageMode = iota
	PageSlice
)

// ClearMode overrides the session's clear-after-bulk setting for one statement.
type ClearMode int

const (
	ClearDefault ClearMode = iota
	ClearAutomatically
	ClearNever
)

// BulkOptions tune a bulk update or delete.
type BulkOptions struct {
	Clear ClearMode
}
