package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCacheMemoizes(t *testing.T) {
	reg := newTestRegistry(t)
	cache := NewPlanCache(true)
	var compiled atomic.Int32
	compile := func(q *orma.Query) (*queryPlan, error) {
		compiled.Add(1)
		return reg.compile(q)
	}

	q := orma.Derived(bookType, "findByTitle")
	first, err := cache.GetOrCompile(q, compile)
	require.NoError(t, err)
	second, err := cache.GetOrCompile(orma.Derived(bookType, "findByTitle"), compile)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), compiled.Load())
	assert.Equal(t, 1, cache.Size())

	_, err = cache.GetOrCompile(q.Limit(2), compile)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Size())

	_, err = cache.GetOrCompile(orma.Derived(bookType, "findByNickname"), compile)
	require.Error(t, err)
	assert.Equal(t, 2, cache.Size())
}

func TestPlanCacheDisabled(t *testing.T) {
	reg := newTestRegistry(t)
	cache := NewPlanCache(false)
	var compiled atomic.Int32
	compile := func(q *orma.Query) (*queryPlan, error) {
		compiled.Add(1)
		return reg.compile(q)
	}

	q := orma.Template("select b from Book b")
	first, err := cache.GetOrCompile(q, compile)
	require.NoError(t, err)
	second, err := cache.GetOrCompile(q, compile)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), compiled.Load())
	assert.Zero(t, cache.Size())
}

func TestPlanCacheConcurrentLookups(t *testing.T) {
	reg := newTestRegistry(t)
	cache := NewPlanCache(true)
	q := orma.Derived(bookType, "findByAuthorName")

	var wg sync.WaitGroup
	plans := make([]*queryPlan, 16)
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := cache.GetOrCompile(q, reg.compile)
			if err == nil {
				plans[i] = p
			}
		}(i)
	}
	wg.Wait()

	for _, p := range plans {
		require.NotNil(t, p)
		assert.Same(t, plans[0], p)
	}
	assert.Equal(t, 1, cache.Size())
}

func titlesOf(results []any) []string {
	titles := make([]string, 0, len(results))
	for _, r := range results {
		titles = append(titles, r.(*Book).Title)
	}
	return titles
}

func TestPlanCacheKeysSpecificationsByShape(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()
	s := openTestSession(t, f)

	byTitles := func(titles ...any) *orma.Query {
		return orma.Matching(bookType, orma.Where("title", orma.OpIn, titles)).OrderedBy(orma.Asc("title"))
	}

	// both lists print as [hobbit mort]
	two, err := s.List(ctx, byTitles("hobbit", "mort"), orma.Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hobbit", "mort"}, titlesOf(two))

	one, err := s.List(ctx, byTitles("hobbit mort"), orma.Args{})
	require.NoError(t, err)
	assert.Empty(t, one)

	cached := f.plans.Size()
	for _, title := range []string{"hobbit", "mort", "guards", "no such book"} {
		_, err := s.List(ctx, orma.Matching(bookType, orma.Eq("title", title)), orma.Args{})
		require.NoError(t, err)
	}
	assert.Equal(t, cached+1, f.plans.Size())

	found, err := s.List(ctx, orma.Matching(bookType, orma.Eq("title", "guards")), orma.Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"guards"}, titlesOf(found))

	anonymous, err := s.List(ctx, orma.Matching(bookType, orma.Eq("author", nil)), orma.Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"anonymous"}, titlesOf(anonymous))

	tolkien, err := s.Single(ctx, orma.Matching(authorType, orma.Eq("name", "tolkien")), orma.Args{})
	require.NoError(t, err)
	require.NotNil(t, tolkien)
	byAuthor, err := s.List(ctx, orma.Matching(bookType, orma.Eq("author", tolkien)).OrderedBy(orma.Asc("title")), orma.Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hobbit", "silmarillion"}, titlesOf(byAuthor))

	mixed, err := s.Count(ctx, orma.Matching(bookType, orma.And(
		orma.Where("pages", orma.OpGreaterThan, orma.NamedParam("min")),
		orma.Where("title", orma.OpIn, []any{"hobbit", "mort", "guards"}),
	)), orma.NamedArgs("min", 250))
	require.NoError(t, err)
	assert.Equal(t, int64(2), mixed)

	_, err = s.List(ctx, orma.Matching(bookType, orma.Eq("title", orma.NamedParam("#1"))), orma.NamedArgs("#1", "mort"))
	assert.Equal(t, orma.ErrCodeParameterBinding, orma.ErrorCode(err))
}

func TestParameterizeLiftsLiterals(t *testing.T) {
	q := orma.Matching(bookType, orma.And(
		orma.Where("pages", orma.OpBetween, []any{100, orma.NamedParam("max")}),
		orma.Not(orma.Eq("title", "mort")),
		orma.Where("author", orma.OpIsNull, nil),
	))
	lifted, args, err := parameterize(q, orma.NamedArgs("max", 300))
	require.NoError(t, err)
	assert.Equal(t, orma.And(
		orma.Where("pages", orma.OpBetween, []any{orma.NamedParam("#1"), orma.NamedParam("max")}),
		&orma.Negation{Condition: orma.Eq("title", orma.NamedParam("#2"))},
		orma.Where("author", orma.OpIsNull, nil),
	), lifted.Condition)
	assert.Equal(t, map[string]any{"max": 300, "#1": 100, "#2": "mort"}, args.Named)
	assert.Equal(t, orma.Where("pages", orma.OpBetween, []any{100, orma.NamedParam("max")}),
		q.Condition.(*orma.CompositeCondition).Conditions[0], "the caller's query is left alone")

	other, _, err := parameterize(orma.Matching(bookType, orma.And(
		orma.Where("pages", orma.OpBetween, []any{5, orma.NamedParam("max")}),
		orma.Not(orma.Eq("title", "guards")),
		orma.Where("author", orma.OpIsNull, nil),
	)), orma.NamedArgs("max", 300))
	require.NoError(t, err)
	assert.Equal(t, lifted.CacheKey(), other.CacheKey())

	template := orma.Template("select b from Book b where b.title = 'mort'")
	same, _, err := parameterize(template, orma.Args{})
	require.NoError(t, err)
	assert.Same(t, template, same)
}

func TestFactoriesOwnTheirPlanCaches(t *testing.T) {
	f, _ := newSQLiteFactory(t)
	seedBooks(t, f)
	ctx := context.Background()

	config := *f.config
	config.Query.CacheQueryPlans = false
	uncached, err := NewSessionFactory(f.registry, f.backend, &config)
	require.NoError(t, err)
	other := uncached.(*sessionFactory)
	registryPlans := f.registry.plans.Size()

	q := orma.Derived(bookType, "findByTitle")
	s := openTestSession(t, f)
	_, err = s.List(ctx, q, orma.Positional("mort"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s2 := openTestSession(t, other)
	found, err := s2.List(ctx, q, orma.Positional("mort"))
	require.NoError(t, err)
	assert.Len(t, found, 1)
	require.NoError(t, s2.Close(ctx))

	assert.Positive(t, f.plans.Size())
	assert.Zero(t, other.plans.Size())
	assert.Equal(t, registryPlans, f.registry.plans.Size())
}
