package internal

import (
	"reflect"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyless struct {
	Name string
}

type twoKeys struct {
	A int64 `orm:"id"`
	B int64 `orm:"id"`
}

type sequenced struct {
	ID int64 `orm:"id,generated:sequence"`
}

type stampedText struct {
	ID int64  `orm:"id"`
	At string `orm:"createdDate"`
}

type unownedShelf struct {
	ID    int64 `orm:"id"`
	Books orma.Collection[Book]
}

type shelfRef struct {
	ID    int64 `orm:"id"`
	Shelf orma.Ref[Shelf]
}

type doubleMapped struct {
	ID       int64 `orm:"id"`
	AuthorID int64 `orm:"column:author_id"`
	Author   orma.Ref[Author]
}

type publisher struct {
	ID    int64                 `orm:"id"`
	Books orma.Collection[Book] `orm:"mappedBy:author"`
}

type editor struct {
	ID      int64                  `orm:"id"`
	Drafts  orma.Collection[draft] `orm:"mappedBy:editor"`
	Reviews orma.Collection[draft] `orm:"mappedBy:editor"`
}

type draft struct {
	ID     int64 `orm:"id"`
	Editor orma.Ref[editor]
}

type badQuery struct {
	ID int64 `orm:"id"`
}

func (badQuery) NamedQueries() []orma.NamedQuery {
	return []orma.NamedQuery{{Name: "broken", Query: "select q from badQuery q where q.nope = :n"}}
}

type badGraph struct {
	ID int64 `orm:"id"`
}

func (badGraph) EntityGraphs() map[string][]string {
	return map[string][]string{"everything": {"nope"}}
}

type renamed struct {
	ID      int64  `orm:"id"`
	Secret  string `orm:"-"`
	private string
}

func (renamed) TableName() string { return "legacy_things" }

func TestEntityRegistryMapping(t *testing.T) {
	reg := newTestRegistry(t)

	names := make([]string, 0)
	for _, d := range reg.Entities() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Author", "Book", "Label", "Shelf"}, names)

	book, err := reg.Describe(reflect.TypeFor[*Book]())
	require.NoError(t, err)
	assert.Equal(t, "book", book.Table)
	assert.Equal(t, "id", book.ID.Name)
	assert.Equal(t, orma.IDIdentity, book.ID.Strategy)
	assert.Equal(t, []string{"id", "title", "pages", "author_id"}, book.Columns())

	author, ok := book.Association("author")
	require.True(t, ok)
	assert.Equal(t, "Author", author.Target)
	assert.Equal(t, orma.ManyToOne, author.Cardinality)
	assert.True(t, author.Owning)
	assert.Equal(t, "author_id", author.JoinColumn)
	assert.Equal(t, orma.FetchLazy, author.Fetch)

	assert.Contains(t, book.NamedQueries, "findByTitle")
	assert.Contains(t, book.NamedQueries, "longOnes")
	assert.Equal(t, []string{"author"}, book.EntityGraphs["withAuthor"])

	authorDesc, err := reg.DescribeName("Author")
	require.NoError(t, err)
	books, ok := authorDesc.Association("books")
	require.True(t, ok)
	assert.Equal(t, orma.OneToMany, books.Cardinality)
	assert.False(t, books.Owning)
	assert.Equal(t, "author", books.MappedBy)
	assert.Equal(t, "author_id", books.JoinColumn)
	assert.Equal(t, []string{"id", "name"}, authorDesc.Columns())

	label, err := reg.DescribeName("Label")
	require.NoError(t, err)
	assert.Equal(t, orma.IDUUID, label.ID.Strategy)
	created, ok := label.Field("createdAt")
	require.True(t, ok)
	assert.True(t, created.CreatedDate)
	assert.Equal(t, "created_at", created.Column)

	shelf, err := reg.DescribeName("Shelf")
	require.NoError(t, err)
	assert.Equal(t, "code", shelf.ID.Name)
	assert.Equal(t, orma.IDAssigned, shelf.ID.Strategy)
}

func TestEntityRegistryTableNameAndSkippedFields(t *testing.T) {
	reg, err := NewEntityRegistry(renamed{})
	require.NoError(t, err)
	desc, err := reg.Describe(reflect.TypeFor[renamed]())
	require.NoError(t, err)
	assert.Equal(t, "legacy_things", desc.Table)
	assert.Equal(t, []string{"id"}, desc.Columns())
}

func TestEntityRegistryRejectsBadMappings(t *testing.T) {
	tests := []struct {
		name    string
		samples []any
		code    string
	}{
		{"not a struct", []any{42}, orma.ErrCodeInvalidMapping},
		{"no key", []any{&keyless{}}, orma.ErrCodeMissingPrimaryKey},
		{"two keys", []any{&twoKeys{}}, orma.ErrCodeDuplicatePrimaryKey},
		{"unknown strategy", []any{&sequenced{}}, orma.ErrCodeInvalidMapping},
		{"created date not a time", []any{&stampedText{}}, orma.ErrCodeInvalidMapping},
		{"collection without mappedBy", []any{&unownedShelf{}, &Book{}, &Author{}}, orma.ErrCodeConflictingOwnership},
		{"unregistered target", []any{&shelfRef{}}, orma.ErrCodeUnknownEntity},
		{"join column mapped twice", []any{&doubleMapped{}, &Author{}, &Book{}}, orma.ErrCodeConflictingOwnership},
		{"mappedBy points elsewhere", []any{&publisher{}, &Author{}, &Book{}}, orma.ErrCodeConflictingOwnership},
		{"two inverse sides", []any{&editor{}, &draft{}}, orma.ErrCodeConflictingOwnership},
		{"named query with unknown property", []any{&badQuery{}}, orma.ErrCodeUnknownProperty},
		{"graph with unknown association", []any{&badGraph{}}, orma.ErrCodeUnknownProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntityRegistry(tt.samples...)
			require.Error(t, err)
			assert.Equal(t, tt.code, orma.ErrorCode(err), "%v", err)
		})
	}
}

func TestEntityRegistryLookups(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Describe(reflect.TypeFor[keyless]())
	assert.Equal(t, orma.ErrCodeUnknownEntity, orma.ErrorCode(err))
	_, err = reg.DescribeName("Magazine")
	assert.Equal(t, orma.ErrCodeUnknownEntity, orma.ErrorCode(err))

	_, _, err = reg.entityOf(Book{})
	assert.Equal(t, orma.ErrCodeInvalidEntityArgument, orma.ErrorCode(err))
	_, _, err = reg.entityOf((*Book)(nil))
	assert.Equal(t, orma.ErrCodeInvalidEntityArgument, orma.ErrorCode(err))
	desc, v, err := reg.entityOf(&Book{ID: 4})
	require.NoError(t, err)
	key, ok := keyOf(desc, v)
	assert.True(t, ok)
	assert.Equal(t, int64(4), key)
	_, ok = keyOf(desc, reflect.ValueOf(Book{}))
	assert.False(t, ok)

	assert.Equal(t, int64(7), reg.bindValue(&Author{ID: 7}))
	assert.Equal(t, "x", reg.bindValue("x"))
	assert.Nil(t, reg.bindValue(nil))
}

func TestEntityRegistryResolve(t *testing.T) {
	reg := newTestRegistry(t)
	bookType := reflect.TypeFor[Book]()

	q, err := reg.Resolve(bookType, "findByTitle")
	require.NoError(t, err)
	assert.Equal(t, orma.QueryNamed, q.Kind)

	q, err = reg.Resolve(bookType, "findByPagesGreaterThan")
	require.NoError(t, err)
	assert.Equal(t, orma.QueryDerived, q.Kind)

	_, err = reg.Resolve(bookType, "findByPublisher")
	assert.ErrorIs(t, err, orma.ErrUnsupportedPredicate)

	_, err = reg.Resolve(reflect.TypeFor[keyless](), "findAll")
	assert.Equal(t, orma.ErrCodeUnknownEntity, orma.ErrorCode(err))
}

func TestParseTag(t *testing.T) {
	opts := parseTag("id, generated:identity,column:book_id,")
	assert.True(t, opts.has("id"))
	assert.False(t, opts.has("createdDate"))
	assert.Equal(t, "identity", opts.value("generated", ""))
	assert.Equal(t, "book_id", opts.value("column", "fallback"))
	assert.Equal(t, "fallback", opts.value("mappedBy", "fallback"))
	assert.Equal(t, "fallback", opts.value("id", "fallback"))
}
