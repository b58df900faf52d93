package domain

import (
	"context"
	"fmt"
	"reflect"

	"github.com/lychee-technology/orma"
)

// MemberRepository adds the member query methods to the generic repository.
type MemberRepository struct {
	*orma.Repository[Member]
}

func NewMemberRepository(factory orma.SessionFactory) (*MemberRepository, error) {
	repo, err := orma.NewRepository[Member](factory)
	if err != nil {
		return nil, err
	}
	return &MemberRepository{Repository: repo}, nil
}

// method resolves a repository method, which fails only on a programming error.
func (r *MemberRepository) method(name string) (*orma.Query, error) {
	q, err := r.Method(name)
	if err != nil {
		return nil, fmt.Errorf("member repository %s: %w", name, err)
	}
	return q, nil
}

func (r *MemberRepository) FindByUsernameAndAgeGreaterThan(ctx context.Context, username string, age int) ([]*Member, error) {
	q, err := r.method("findByUsernameAndAgeGreaterThan")
	if err != nil {
		return nil, err
	}
	return r.List(ctx, q, orma.Positional(username, age))
}

// FindByUsername runs the named query Member.findByUsername.
func (r *MemberRepository) FindByUsername(ctx context.Context, username string) ([]*Member, error) {
	q, err := r.method("findByUsername")
	if err != nil {
		return nil, err
	}
	return r.List(ctx, q, orma.NamedArgs("username", username))
}

func (r *MemberRepository) FindUser(ctx context.Context, username string, age int) ([]*Member, error) {
	q := orma.Template("select m from Member m where m.username = :username and m.age = :age")
	return r.List(ctx, q, orma.NamedArgs("username", username, "age", age))
}

func (r *MemberRepository) FindUsernameList(ctx context.Context) ([]string, error) {
	return orma.Project[string](ctx, r, orma.Template("select m.username from Member m"), orma.Args{})
}

func (r *MemberRepository) FindMemberDto(ctx context.Context) ([]MemberDto, error) {
	q := orma.Template("select new MemberDto(m.id, m.username, t.name) from Member m join m.team t").Into(memberDtoType)
	return orma.Project[MemberDto](ctx, r, q, orma.Args{})
}

func (r *MemberRepository) FindByNames(ctx context.Context, names []string) ([]*Member, error) {
	q := orma.Template("select m from Member m where m.username in :names")
	return r.List(ctx, q, orma.NamedArgs("names", names))
}

func (r *MemberRepository) FindListByUsername(ctx context.Context, username string) ([]*Member, error) {
	q, err := r.method("findListByUsername")
	if err != nil {
		return nil, err
	}
	return r.List(ctx, q, orma.Positional(username))
}

// FindMemberByUsername returns nil when no member has the username and fails when several do.
func (r *MemberRepository) FindMemberByUsername(ctx context.Context, username string) (*Member, error) {
	q, err := r.method("findMemberByUsername")
	if err != nil {
		return nil, err
	}
	return r.One(ctx, q, orma.Positional(username))
}

func (r *MemberRepository) FindOptionalByUsername(ctx context.Context, username string) (*Member, bool, error) {
	q, err := r.method("findOptionalByUsername")
	if err != nil {
		return nil, false, err
	}
	return orma.ProjectOne[*Member](ctx, r, q, orma.Positional(username))
}

// FindByAge pages the members of one age. The count query skips the team join.
func (r *MemberRepository) FindByAge(ctx context.Context, age int, req orma.PageRequest) (*orma.Page[*Member], error) {
	q := orma.Template("select m from Member m left join m.team t where m.age = :age").
		WithCount("select count(m.username) from Member m where m.age = :age")
	return r.Page(ctx, q, orma.NamedArgs("age", age), req)
}

// FindSliceByAge is FindByAge without the count.
func (r *MemberRepository) FindSliceByAge(ctx context.Context, age int, req orma.PageRequest) (*orma.Page[*Member], error) {
	q, err := r.method("findByAge")
	if err != nil {
		return nil, err
	}
	return r.Slice(ctx, q, orma.Positional(age), req)
}

// BulkAgePlus adds one year to every member at least age years old and clears the session,
// so later reads in the same session see the new ages.
func (r *MemberRepository) BulkAgePlus(ctx context.Context, age int) (int64, error) {
	q := orma.Template("update Member m set m.age = m.age + 1 where m.age >= :age")
	return r.Update(ctx, q, orma.NamedArgs("age", age), orma.BulkOptions{Clear: orma.ClearAutomatically})
}

func (r *MemberRepository) FindMemberFetchJoin(ctx context.Context) ([]*Member, error) {
	return r.List(ctx, orma.Template("select m from Member m left join fetch m.team t"), orma.Args{})
}

// FindAllWithTeam loads every member with its team in one statement.
func (r *MemberRepository) FindAllWithTeam(ctx context.Context) ([]*Member, error) {
	return r.List(ctx, orma.Matching(memberType, nil).WithGraph("team"), orma.Args{})
}

// FindAllWithTeamPage pages every member with its team fetched.
func (r *MemberRepository) FindAllWithTeamPage(ctx context.Context, req orma.PageRequest) (*orma.Page[*Member], error) {
	return r.Page(ctx, orma.Matching(memberType, nil).WithGraph("team"), orma.Args{}, req)
}

func (r *MemberRepository) FindMemberEntityGraph(ctx context.Context) ([]*Member, error) {
	return r.List(ctx, orma.Template("select m from Member m").WithGraph("team"), orma.Args{})
}

func (r *MemberRepository) FindEntityGraphByUsername(ctx context.Context, username string) ([]*Member, error) {
	return r.List(ctx, orma.Derived(memberType, "findEntityGraphByUsername").WithGraph("team"), orma.Positional(username))
}

// FindEntityGraph2ByUsername fetches through the named graph Member.all.
func (r *MemberRepository) FindEntityGraph2ByUsername(ctx context.Context, username string) ([]*Member, error) {
	q := orma.Derived(memberType, "findEntityGraph2ByUsername").WithNamedGraph("Member.all")
	return r.List(ctx, q, orma.Positional(username))
}

// FindProjectionsByUsername reads members with the given username into P, a struct whose fields
// name member properties (nested structs follow references).
func FindProjectionsByUsername[P any](ctx context.Context, r *MemberRepository, username string) ([]P, error) {
	q := orma.Derived(memberType, "findProjectionsByUsername").Into(reflect.TypeFor[P]())
	return orma.Project[P](ctx, r, q, orma.Positional(username))
}

// FindByNativeQuery returns the member with username, or nil.
func (r *MemberRepository) FindByNativeQuery(ctx context.Context, username string) (*Member, error) {
	return r.One(ctx, orma.Native(memberType, "select * from member where username = ?"), orma.Positional(username))
}

func (r *MemberRepository) FindByNativeProjection(ctx context.Context, req orma.PageRequest) (*orma.Page[MemberProjection], error) {
	q := orma.Native(nil, "select m.member_id as id, m.username, t.name as team_name from member m left join team t on m.team_id = t.team_id").
		WithCount("select count(*) from member").
		Into(reflect.TypeFor[MemberProjection]())
	return orma.ProjectPage[MemberProjection](ctx, r, q, orma.Args{}, req, orma.PageCounted)
}

// TeamRepository is the generic repository for teams.
type TeamRepository struct {
	*orma.Repository[Team]
}

func NewTeamRepository(factory orma.SessionFactory) (*TeamRepository, error) {
	repo, err := orma.NewRepository[Team](factory)
	if err != nil {
		return nil, err
	}
	return &TeamRepository{Repository: repo}, nil
}

// FindWithMembers loads a team and its members in one statement. It returns nil when absent.
func (r *TeamRepository) FindWithMembers(ctx context.Context, id int64) (*Team, error) {
	q := orma.Matching(teamType, orma.Eq("id", id)).WithGraph("members")
	return r.One(ctx, q, orma.Args{})
}

type ItemRepository struct {
	*orma.Repository[Item]
}

func NewItemRepository(factory orma.SessionFactory) (*ItemRepository, error) {
	repo, err := orma.NewRepository[Item](factory)
	if err != nil {
		return nil, err
	}
	return &ItemRepository{Repository: repo}, nil
}
