package internal

import (
	"context"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageTitles(p *orma.Page[any]) []string {
	titles := make([]string, 0, len(p.Content))
	for _, item := range p.Content {
		titles = append(titles, item.(*Book).Title)
	}
	return titles
}

func countStatements(metrics []recordedMetric) int {
	n := 0
	for _, m := range metrics {
		if m.name == MetricStatementLatency && m.labels["stage"] == "query" {
			n++
		}
	}
	return n
}

func TestPageCounted(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()
	s := openTestSession(t, f)
	all := orma.Derived(bookType, "findByPagesGreaterThan")

	req := orma.PageOf(0, 2, orma.Asc("title")...)
	page, err := s.Page(ctx, all, orma.Positional(0), req, orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"anonymous", "guards"}, pageTitles(page))
	assert.True(t, page.Counted)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 3, page.TotalPages())
	assert.True(t, page.HasNext())
	assert.True(t, page.IsFirst())
	assert.Equal(t, req, page.Pageable())

	page, err = s.Page(ctx, all, orma.Positional(0), req.Next(), orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"hobbit", "mort"}, pageTitles(page))
	assert.True(t, page.HasPrevious())

	page, err = s.Page(ctx, all, orma.Positional(0), req.Next().Next(), orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion"}, pageTitles(page))
	assert.Equal(t, int64(5), page.TotalElements)
	assert.False(t, page.HasNext())
	assert.True(t, page.IsLast())

	page, err = s.Page(ctx, all, orma.Positional(0), orma.PageOf(7, 2), orma.PageCounted)
	require.NoError(t, err)
	assert.Empty(t, page.Content)
	assert.Equal(t, int64(5), page.TotalElements)
}

func TestPageSkipsCountOnShortPage(t *testing.T) {
	ctx := context.Background()
	short := orma.PageOf(2, 2, orma.Asc("title")...)
	all := orma.Derived(bookType, "findByPagesGreaterThan")

	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	metrics := recordTelemetry(t)
	s := openTestSession(t, f)
	page, err := s.Page(ctx, all, orma.Positional(0), short, orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 1, countStatements(metrics()))

	f, _ = newSQLiteFactory(t, func(c *orma.Config) { c.Query.SkipCountWhenKnown = false })
	seedBooks(t, f)
	metrics = recordTelemetry(t)
	s = openTestSession(t, f)
	page, err = s.Page(ctx, all, orma.Positional(0), short, orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 2, countStatements(metrics()))
}

func TestPageSlice(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()
	s := openTestSession(t, f)
	all := orma.Derived(bookType, "findByPagesGreaterThan")

	req := orma.PageOf(1, 2, orma.Asc("title")...)
	page, err := s.Page(ctx, all, orma.Positional(0), req, orma.PageSlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"hobbit", "mort"}, pageTitles(page))
	assert.False(t, page.Counted)
	assert.True(t, page.HasNext())
	assert.Zero(t, page.TotalPages())

	page, err = s.Page(ctx, all, orma.Positional(0), req.Next(), orma.PageSlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion"}, pageTitles(page))
	assert.False(t, page.HasNext())
}

func TestPageCapsDerivedTopN(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()
	s := openTestSession(t, f)
	top := orma.Derived(bookType, "findTop3ByPagesIsNotNullOrderByPagesDescTitle")

	page, err := s.Page(ctx, top, orma.Args{}, orma.PageOf(0, 2), orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion", "hobbit"}, pageTitles(page))
	assert.Equal(t, int64(3), page.TotalElements)
	assert.True(t, page.HasNext())

	page, err = s.Page(ctx, top, orma.Args{}, orma.PageOf(1, 2), orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"guards"}, pageTitles(page))
	assert.Equal(t, int64(3), page.TotalElements)
	assert.False(t, page.HasNext())

	page, err = s.Page(ctx, top, orma.Args{}, orma.PageOf(0, 2), orma.PageSlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion", "hobbit"}, pageTitles(page))
	assert.True(t, page.HasNext())

	// the fourth row exists but lies past the cap
	page, err = s.Page(ctx, top, orma.Args{}, orma.PageOf(1, 2), orma.PageSlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"guards"}, pageTitles(page))
	assert.False(t, page.HasNext())

	page, err = s.Page(ctx, top, orma.Args{}, orma.PageOf(0, 3), orma.PageSlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion", "hobbit", "guards"}, pageTitles(page))
	assert.False(t, page.HasNext())

	page, err = s.Page(ctx, top, orma.Args{}, orma.PageOf(2, 2), orma.PageSlice)
	require.NoError(t, err)
	assert.Empty(t, page.Content)
	assert.False(t, page.HasNext())
}

func TestPageNative(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()
	s := openTestSession(t, f)

	page, err := s.Page(ctx, orma.Native(bookType, "select * from book"), orma.Args{},
		orma.PageOf(0, 2, orma.Desc("pages")...), orma.PageCounted)
	require.NoError(t, err)
	assert.Equal(t, []string{"silmarillion", "hobbit"}, pageTitles(page))
	assert.Equal(t, int64(5), page.TotalElements)
}

func TestPageRejectsBadRequests(t *testing.T) {
	f, _ := newSQLiteFactory(t, func(c *orma.Config) { c.Query.MaxPageSize = 3 })
	ctx := context.Background()
	s := openTestSession(t, f)
	all := orma.Derived(bookType, "findByPagesGreaterThan")

	tests := []struct {
		name  string
		query *orma.Query
		args  orma.Args
		req   orma.PageRequest
		code  string
	}{
		{"negative page", all, orma.Positional(0), orma.PageOf(-1, 2), orma.ErrCodeInvalidPage},
		{"empty size", all, orma.Positional(0), orma.PageOf(0, 0), orma.ErrCodeInvalidPageSize},
		{"oversized", all, orma.Positional(0), orma.PageOf(0, 4), orma.ErrCodeInvalidPageSize},
		{"count query", orma.Derived(bookType, "countByTitleIgnoreCase"), orma.Positional("x"), orma.PageOf(0, 2), orma.ErrCodeUnsupportedPaging},
		{
			"collection fetch join",
			orma.Template("select distinct a from Author a left join fetch a.books b"),
			orma.Args{},
			orma.PageOf(0, 2),
			orma.ErrCodeUnsupportedPaging,
		},
		{"unknown sort property", all, orma.Positional(0), orma.PageOf(0, 2, orma.Asc("isbn")...), orma.ErrCodeUnknownProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Page(ctx, tt.query, tt.args, tt.req, orma.PageCounted)
			require.Error(t, err)
			assert.True(t, orma.IsValidationError(err), "%v", err)
			assert.Equal(t, tt.code, orma.ErrorCode(err))
		})
	}

	_, err := s.Page(ctx, orma.Template("delete from Book b"), orma.Args{}, orma.PageOf(0, 2), orma.PageCounted)
	assert.True(t, orma.IsValidationError(err))
}
