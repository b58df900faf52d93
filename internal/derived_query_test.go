package internal

import (
	"errors"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDerivedMethod(t *testing.T) {
	reg := newTestRegistry(t)
	book, err := reg.DescribeName("Book")
	require.NoError(t, err)

	tests := []struct {
		method   string
		subject  derivedSubject
		distinct bool
		limit    int
		parts    []DerivedPart
		orders   orma.Sort
		arity    int
	}{
		{
			method:  "findAll",
			subject: subjectFind,
		},
		{
			method:  "findByTitle",
			subject: subjectFind,
			parts:   []DerivedPart{{Path: "title", Operator: orma.OpEquals}},
			arity:   1,
		},
		{
			method:  "findByTitleAndPagesGreaterThan",
			subject: subjectFind,
			parts: []DerivedPart{
				{Path: "title", Operator: orma.OpEquals, Conjunction: orma.LogicAnd},
				{Path: "pages", Operator: orma.OpGreaterThan},
			},
			arity: 2,
		},
		{
			method:  "countByTitleIgnoreCase",
			subject: subjectCount,
			parts:   []DerivedPart{{Path: "title", Operator: orma.OpEquals, IgnoreCase: true}},
			arity:   1,
		},
		{
			method:   "findDistinctByTitleStartingWithOrPagesBetween",
			subject:  subjectFind,
			distinct: true,
			parts: []DerivedPart{
				{Path: "title", Operator: orma.OpStartsWith, Conjunction: orma.LogicOr},
				{Path: "pages", Operator: orma.OpBetween},
			},
			arity: 3,
		},
		{
			method:  "findTop3ByPagesIsNotNullOrderByPagesDescTitle",
			subject: subjectFind,
			limit:   3,
			parts:   []DerivedPart{{Path: "pages", Operator: orma.OpIsNotNull}},
			orders: orma.Sort{
				{Property: "pages", Direction: orma.SortOrderDesc},
				{Property: "title", Direction: orma.SortOrderAsc},
			},
		},
		{
			method:  "findFirstByOrderByTitle",
			subject: subjectFind,
			limit:   1,
			orders:  orma.Asc("title"),
		},
		{
			method:  "findByAuthorName",
			subject: subjectFind,
			parts:   []DerivedPart{{Path: "author.name", Operator: orma.OpEquals}},
			arity:   1,
		},
		{
			method:  "findByAuthor",
			subject: subjectFind,
			parts:   []DerivedPart{{Path: "author", Operator: orma.OpEquals}},
			arity:   1,
		},
		{
			method:  "existsByTitleNotIn",
			subject: subjectExists,
			parts:   []DerivedPart{{Path: "title", Operator: orma.OpNotIn}},
			arity:   1,
		},
		{
			method:  "deleteByPagesLessThanEqual",
			subject: subjectDelete,
			parts:   []DerivedPart{{Path: "pages", Operator: orma.OpLessEq}},
			arity:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			m, err := parseDerivedMethod(reg, book, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.subject, m.Subject)
			assert.Equal(t, tt.distinct, m.Distinct)
			assert.Equal(t, tt.limit, m.Limit)
			assert.Equal(t, tt.parts, m.Parts)
			assert.Equal(t, tt.orders, m.Orders)
			assert.Equal(t, tt.arity, m.Arity())
		})
	}
}

func TestParseDerivedMethodRejectsUnknownTokens(t *testing.T) {
	reg := newTestRegistry(t)
	book, err := reg.DescribeName("Book")
	require.NoError(t, err)

	tests := map[string]string{
		"frobByTitle":         "frob",
		"findByNickname":      "Nickname",
		"findByTitleFrobbed":  "Frobbed",
		"findByTitleAnd":      "And",
		"findByTitleOrderBy":  "OrderBy",
		"findByBooks":         "Books",
	}
	for method, token := range tests {
		t.Run(method, func(t *testing.T) {
			_, err := parseDerivedMethod(reg, book, method)
			require.Error(t, err)
			assert.True(t, errors.Is(err, orma.ErrUnsupportedPredicate))

			var oe *orma.OrmaError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, token, oe.Details["token"])
			assert.Equal(t, method, oe.Details["method"])
		})
	}
}

func TestDerivedMethodCondition(t *testing.T) {
	reg := newTestRegistry(t)
	book, err := reg.DescribeName("Book")
	require.NoError(t, err)

	m, err := parseDerivedMethod(reg, book, "findByTitleAndPagesOrPagesBetween")
	require.NoError(t, err)

	want := orma.Or(
		orma.And(
			orma.Eq("title", orma.PositionalParam(1)),
			orma.Eq("pages", orma.PositionalParam(2)),
		),
		&orma.Predicate{Path: "pages", Operator: orma.OpBetween,
			Value: []any{orma.PositionalParam(3), orma.PositionalParam(4)}},
	)
	assert.Equal(t, want, m.Condition())

	m, err = parseDerivedMethod(reg, book, "findByPagesIsNull")
	require.NoError(t, err)
	assert.Equal(t, &orma.Predicate{Path: "pages", Operator: orma.OpIsNull}, m.Condition())
}
