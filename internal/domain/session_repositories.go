package domain

import (
	"context"

	"github.com/lychee-technology/orma"
)

// MemberSessionRepository talks to the session directly instead of going through
// orma.Repository. Every method joins the session bound to ctx when there is one.
type MemberSessionRepository struct {
	factory orma.SessionFactory
}

func NewMemberSessionRepository(factory orma.SessionFactory) *MemberSessionRepository {
	return &MemberSessionRepository{factory: factory}
}

func (r *MemberSessionRepository) within(ctx context.Context, fn func(ctx context.Context, s orma.Session) error) error {
	return orma.Within(ctx, r.factory, fn)
}

func (r *MemberSessionRepository) Save(ctx context.Context, member *Member) (*Member, error) {
	err := r.within(ctx, func(ctx context.Context, s orma.Session) error {
		return s.Persist(ctx, member)
	})
	return member, err
}

func (r *MemberSessionRepository) Delete(ctx context.Context, member *Member) error {
	return r.within(ctx, func(ctx context.Context, s orma.Session) error {
		return s.Remove(ctx, member)
	})
}

func (r *MemberSessionRepository) FindAll(ctx context.Context) ([]*Member, error) {
	return r.list(ctx, orma.Template("select m from Member m"), orma.Args{})
}

// FindByID returns nil when no member has id.
func (r *MemberSessionRepository) FindByID(ctx context.Context, id int64) (*Member, error) {
	var out *Member
	err := r.within(ctx, func(ctx context.Context, s orma.Session) error {
		found, err := s.Find(ctx, memberType, id)
		if err != nil || found == nil {
			return err
		}
		out = found.(*Member)
		return nil
	})
	return out, err
}

// Find is FindByID for callers that expect the lookup to succeed.
func (r *MemberSessionRepository) Find(ctx context.Context, id int64) (*Member, error) {
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, orma.NewEntityNotFoundError("Member", id)
	}
	return m, nil
}

func (r *MemberSessionRepository) Count(ctx context.Context) (int64, error) {
	return r.count(ctx, orma.Template("select count(m) from Member m"), orma.Args{})
}

func (r *MemberSessionRepository) FindByUsernameAndAgeGreaterThan(ctx context.Context, username string, age int) ([]*Member, error) {
	q := orma.Template("select m from Member m where m.username = :username and m.age > :age")
	return r.list(ctx, q, orma.NamedArgs("username", username, "age", age))
}

func (r *MemberSessionRepository) FindByUsername(ctx context.Context, username string) ([]*Member, error) {
	return r.list(ctx, orma.Named(memberType, "findByUsername"), orma.NamedArgs("username", username))
}

// FindByPage returns limit members of the given age starting at offset, by username descending.
// offset must be a multiple of limit.
func (r *MemberSessionRepository) FindByPage(ctx context.Context, age, offset, limit int) ([]*Member, error) {
	if limit <= 0 || offset < 0 || offset%limit != 0 {
		return nil, orma.NewValidationError("offset", "offset must be a non-negative multiple of limit")
	}
	q := orma.Template("select m from Member m where m.age = :age order by m.username desc")
	var out []*Member
	err := r.within(ctx, func(ctx context.Context, s orma.Session) error {
		page, err := orma.PageAs[*Member](ctx, s, q, orma.NamedArgs("age", age), orma.PageOf(offset/limit, limit), orma.PageSlice)
		if err != nil {
			return err
		}
		out = page.Content
		return nil
	})
	return out, err
}

func (r *MemberSessionRepository) TotalCount(ctx context.Context, age int) (int64, error) {
	return r.count(ctx, orma.Template("select count(m) from Member m where m.age = :age"), orma.NamedArgs("age", age))
}

// BulkAgePlus adds one year to members at least age years old. Managed members keep their old
// age until the session is cleared, unless the configuration clears after bulk statements.
func (r *MemberSessionRepository) BulkAgePlus(ctx context.Context, age int) (int64, error) {
	var n int64
	err := r.within(ctx, func(ctx context.Context, s orma.Session) (err error) {
		q := orma.Template("update Member m set m.age = m.age + 1 where m.age >= :age")
		n, err = s.ExecuteUpdate(ctx, q, orma.NamedArgs("age", age), orma.BulkOptions{})
		return err
	})
	return n, err
}

func (r *MemberSessionRepository) list(ctx context.Context, q *orma.Query, args orma.Args) ([]*Member, error) {
	var out []*Member
	err := r.within(ctx, func(ctx context.Context, s orma.Session) (err error) {
		out, err = orma.List[*Member](ctx, s, q, args)
		return err
	})
	return out, err
}

func (r *MemberSessionRepository) count(ctx context.Context, q *orma.Query, args orma.Args) (int64, error) {
	var n int64
	err := r.within(ctx, func(ctx context.Context, s orma.Session) (err error) {
		n, err = s.Count(ctx, q, args)
		return err
	})
	return n, err
}

// TeamSessionRepository is the team counterpart of MemberSessionRepository.
type TeamSessionRepository struct {
	factory orma.SessionFactory
}

func NewTeamSessionRepository(factory orma.SessionFactory) *TeamSessionRepository {
	return &TeamSessionRepository{factory: factory}
}

func (r *TeamSessionRepository) Save(ctx context.Context, team *Team) (*Team, error) {
	err := orma.Within(ctx, r.factory, func(ctx context.Context, s orma.Session) error {
		return s.Persist(ctx, team)
	})
	return team, err
}

func (r *TeamSessionRepository) Delete(ctx context.Context, team *Team) error {
	return orma.Within(ctx, r.factory, func(ctx context.Context, s orma.Session) error {
		return s.Remove(ctx, team)
	})
}

func (r *TeamSessionRepository) FindAll(ctx context.Context) ([]*Team, error) {
	var out []*Team
	err := orma.Within(ctx, r.factory, func(ctx context.Context, s orma.Session) (err error) {
		out, err = orma.List[*Team](ctx, s, orma.Template("select t from Team t"), orma.Args{})
		return err
	})
	return out, err
}

func (r *TeamSessionRepository) FindByID(ctx context.Context, id int64) (*Team, error) {
	var out *Team
	err := orma.Within(ctx, r.factory, func(ctx context.Context, s orma.Session) error {
		found, err := s.Find(ctx, teamType, id)
		if err != nil || found == nil {
			return err
		}
		out = found.(*Team)
		return nil
	})
	return out, err
}

func (r *TeamSessionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := orma.Within(ctx, r.factory, func(ctx context.Context, s orma.Session) (err error) {
		n, err = s.Count(ctx, orma.Template("select count(t) from Team t"), orma.Args{})
		return err
	})
	return n, err
}
