package internal

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type Author struct {
	ID    int64 `orm:"id,generated:identity"`
	Name  string
	Books orma.Collection[Book] `orm:"mappedBy:author"`
}

type Book struct {
	ID     int64 `orm:"id,generated:identity"`
	Title  string
	Pages  int
	Author orma.Ref[Author] `orm:"column:author_id"`
}

func (Book) NamedQueries() []orma.NamedQuery {
	return []orma.NamedQuery{
		{Name: "Book.findByTitle", Query: "select b from Book b where b.title = :title"},
		{Name: "longOnes", Query: "select b from Book b where b.pages >= :pages order by b.pages desc"},
	}
}

func (Book) EntityGraphs() map[string][]string {
	return map[string][]string{"Book.withAuthor": {"author"}}
}

func newBook(title string, pages int, author *Author) *Book {
	b := &Book{Title: title, Pages: pages}
	if author != nil {
		b.SetAuthor(author)
	}
	return b
}

func (b *Book) SetAuthor(a *Author) {
	orma.Associate(b, &b.Author, a, func(a *Author) *orma.Collection[Book] { return &a.Books })
}

type Label struct {
	ID        uuid.UUID `orm:"id,generated:uuid"`
	Text      string
	CreatedAt time.Time `orm:"createdDate,column:created_at"`
}

// Shelf keeps an application-assigned key.
type Shelf struct {
	Code string `orm:"id"`
	Room string
}

func testEntities() []any {
	return []any{&Author{}, &Book{}, &Label{}, &Shelf{}}
}

func newTestRegistry(t *testing.T) *EntityRegistry {
	t.Helper()
	reg, err := NewEntityRegistry(testEntities()...)
	require.NoError(t, err)
	return reg
}

// newSQLiteFactory opens a private in-memory database with the test tables.
func newSQLiteFactory(t *testing.T, configure ...func(*orma.Config)) (*sessionFactory, *sql.DB) {
	t.Helper()
	db, err := sql.Open(orma.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		"CREATE TABLE author (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE book (id INTEGER PRIMARY KEY, title TEXT, pages INTEGER NOT NULL DEFAULT 0, author_id INTEGER REFERENCES author (id))",
		"CREATE TABLE label (id TEXT PRIMARY KEY, text TEXT, created_at TIMESTAMP)",
		"CREATE TABLE shelf (code TEXT PRIMARY KEY, room TEXT)",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	backend, err := NewSQLBackend(db, SQLiteDialect{}, "")
	require.NoError(t, err)

	config := orma.DefaultConfig()
	config.Database.Driver = orma.DriverSQLite
	for _, fn := range configure {
		fn(config)
	}
	f, err := NewSessionFactory(newTestRegistry(t), backend, config)
	require.NoError(t, err)
	return f.(*sessionFactory), db
}

func openTestSession(t *testing.T, f *sessionFactory) *session {
	t.Helper()
	s := f.OpenSession().(*session)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// seedBooks stores two authors and their books and returns the ids in insertion order.
func seedBooks(t *testing.T, f *sessionFactory) (authors []int64, books []int64) {
	t.Helper()
	ctx := context.Background()
	s := f.OpenSession()
	tolkien := &Author{Name: "tolkien"}
	pratchett := &Author{Name: "pratchett"}
	all := []*Book{
		newBook("hobbit", 310, tolkien),
		newBook("silmarillion", 365, tolkien),
		newBook("mort", 243, pratchett),
		newBook("guards", 288, pratchett),
		newBook("anonymous", 90, nil),
	}
	require.NoError(t, s.Persist(ctx, tolkien))
	require.NoError(t, s.Persist(ctx, pratchett))
	for _, b := range all {
		require.NoError(t, s.Persist(ctx, b))
	}
	require.NoError(t, s.Commit(ctx))

	authors = []int64{tolkien.ID, pratchett.ID}
	for _, b := range all {
		books = append(books, b.ID)
	}
	return authors, books
}
