package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/lychee-technology/orma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemberRepository(t *testing.T, sessions orma.SessionFactory) *MemberRepository {
	t.Helper()
	repo, err := NewMemberRepository(sessions)
	require.NoError(t, err)
	return repo
}

func usernames(members []*Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Username)
	}
	return out
}

func TestMemberRepository_SaveAndFindByID(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t, newSessions(t))

	member := NewMember("memberA", 10, nil)
	saved, err := repo.Save(ctx, member)
	require.NoError(t, err)
	assert.Same(t, member, saved)
	assert.NotZero(t, saved.ID)

	found, err := repo.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.NotSame(t, saved, found)
	if diff := deep.Equal(saved, found); diff != nil {
		t.Error(diff)
	}

	missing, err := repo.FindByID(ctx, saved.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)

	exists, err := repo.ExistsByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemberRepository_SaveMergesDetached(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t, newSessions(t))

	member, err := repo.Save(ctx, NewMember("memberA", 10, nil))
	require.NoError(t, err)

	member.Username = "memberB"
	merged, err := repo.Save(ctx, member)
	require.NoError(t, err)
	assert.NotSame(t, member, merged)
	assert.Equal(t, member.ID, merged.ID)

	found, err := repo.FindByID(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, "memberB", found.Username)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemberRepository_DeleteAndCount(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	f := seed(t, sessions)
	repo := newMemberRepository(t, sessions)

	require.NoError(t, repo.Delete(ctx, f.members[0]))
	require.NoError(t, repo.DeleteByID(ctx, f.members[1].ID))
	// already gone
	require.NoError(t, repo.DeleteByID(ctx, f.members[1].ID))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	all, err := repo.FindAll(ctx, orma.Asc("username")...)
	require.NoError(t, err)
	assert.Equal(t, []string{"member3", "member4", "member5"}, usernames(all))
}

func TestMemberRepository_DerivedQuery(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	repo := newMemberRepository(t, sessions)
	require.NoError(t, orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		if err := s.Persist(ctx, NewMember("AAA", 10, nil)); err != nil {
			return err
		}
		return s.Persist(ctx, NewMember("AAA", 20, nil))
	}))

	result, err := repo.FindByUsernameAndAgeGreaterThan(ctx, "AAA", 15)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "AAA", result[0].Username)
	assert.Equal(t, 20, result[0].Age)
}

func TestMemberRepository_UnsupportedDerivedMethod(t *testing.T) {
	repo := newMemberRepository(t, newSessions(t))

	_, err := repo.Method("findByNickname")
	require.Error(t, err)
	assert.True(t, errors.Is(err, orma.ErrUnsupportedPredicate))
}

func TestMemberRepository_NamedAndTemplateQueries(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20, 30, 40, 50)
	repo := newMemberRepository(t, sessions)

	byName, err := repo.FindByUsername(ctx, "member2")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, 20, byName[0].Age)

	user, err := repo.FindUser(ctx, "member3", 30)
	require.NoError(t, err)
	require.Len(t, user, 1)
	assert.Equal(t, "member3", user[0].Username)

	none, err := repo.FindUser(ctx, "member3", 31)
	require.NoError(t, err)
	assert.Empty(t, none)

	names, err := repo.FindUsernameList(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"member1", "member2", "member3", "member4", "member5"}, names)

	in, err := repo.FindByNames(ctx, []string{"member1", "member4", "nobody"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"member1", "member4"}, usernames(in))
}

func TestMemberRepository_FindMemberDto(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	f := seed(t, sessions, 10, 20)
	repo := newMemberRepository(t, sessions)
	require.NoError(t, orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		// no team, so the inner join drops it
		return s.Persist(ctx, NewMember("loner", 30, nil))
	}))

	dtos, err := repo.FindMemberDto(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []MemberDto{
		{ID: f.members[0].ID, Username: "member1", TeamName: "teamA"},
		{ID: f.members[1].ID, Username: "member2", TeamName: "teamB"},
	}, dtos)
}

func TestMemberRepository_ReturnKinds(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20)
	repo := newMemberRepository(t, sessions)

	list, err := repo.FindListByUsername(ctx, "member1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	empty, err := repo.FindListByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	one, err := repo.FindMemberByUsername(ctx, "member2")
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, 20, one.Age)

	absent, err := repo.FindMemberByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, absent)

	_, ok, err := repo.FindOptionalByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	opt, ok, err := repo.FindOptionalByUsername(ctx, "member1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "member1", opt.Username)
}

func TestMemberRepository_AmbiguousSingleResult(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	repo := newMemberRepository(t, sessions)
	for i := 0; i < 2; i++ {
		_, err := repo.Save(ctx, NewMember("AAA", 10+i, nil))
		require.NoError(t, err)
	}

	_, err := repo.FindMemberByUsername(ctx, "AAA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, orma.ErrAmbiguousResult))

	_, _, err = repo.FindOptionalByUsername(ctx, "AAA")
	assert.True(t, errors.Is(err, orma.ErrAmbiguousResult))
}

func TestMemberRepository_Paging(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions)
	repo := newMemberRepository(t, sessions)

	page, err := repo.FindByAge(ctx, 10, orma.PageOf(0, 3, orma.Desc("username")...))
	require.NoError(t, err)
	assert.Equal(t, []string{"member5", "member4", "member3"}, usernames(page.Content))
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 0, page.Number)
	assert.Equal(t, 2, page.TotalPages())
	assert.True(t, page.IsFirst())
	assert.True(t, page.HasNext())

	next, err := repo.FindByAge(ctx, 10, page.Pageable().Next())
	require.NoError(t, err)
	assert.Equal(t, []string{"member2", "member1"}, usernames(next.Content))
	assert.Equal(t, int64(5), next.TotalElements)
	assert.True(t, next.IsLast())

	slice, err := repo.FindSliceByAge(ctx, 10, orma.PageOf(0, 3, orma.Desc("username")...))
	require.NoError(t, err)
	assert.Equal(t, []string{"member5", "member4", "member3"}, usernames(slice.Content))
	assert.False(t, slice.Counted)
	assert.True(t, slice.HasNext())

	byPage := orma.MapPage(page, func(m *Member) string { return m.Username })
	assert.Equal(t, []string{"member5", "member4", "member3"}, byPage.Content)
	assert.Equal(t, int64(5), byPage.TotalElements)
}

func TestMemberRepository_BulkAgePlus(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 19, 20, 21, 40)
	repo := newMemberRepository(t, sessions)

	n, err := repo.BulkAgePlus(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	found, err := repo.FindByUsername(ctx, "member5")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 41, found[0].Age)
}

func TestBulkUpdateStalenessAndClear(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 19, 20, 21, 40)
	repo := newMemberRepository(t, sessions)
	plain := NewMemberSessionRepository(sessions)

	err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		loaded, err := repo.FindMemberByUsername(ctx, "member5")
		require.NoError(t, err)
		require.Equal(t, 40, loaded.Age)

		n, err := plain.BulkAgePlus(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		// the identity map still holds the instance read before the statement
		again, err := repo.FindMemberByUsername(ctx, "member5")
		require.NoError(t, err)
		assert.Same(t, loaded, again)
		assert.Equal(t, 40, again.Age)

		n, err = repo.BulkAgePlus(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.False(t, s.Contains(loaded))

		fresh, err := repo.FindMemberByUsername(ctx, "member5")
		require.NoError(t, err)
		assert.NotSame(t, loaded, fresh)
		assert.Equal(t, 42, fresh.Age)
		return nil
	})
	require.NoError(t, err)
}

func TestBulkUpdateClearsWhenConfigured(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t, func(c *orma.Config) { c.Session.ClearAfterBulk = true })
	seed(t, sessions, 10, 40)
	plain := NewMemberSessionRepository(sessions)

	err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		loaded, err := plain.FindByUsername(ctx, "member2")
		require.NoError(t, err)
		require.Len(t, loaded, 1)

		_, err = plain.BulkAgePlus(ctx, 20)
		require.NoError(t, err)
		assert.False(t, s.Contains(loaded[0]))

		fresh, err := plain.FindByUsername(ctx, "member2")
		require.NoError(t, err)
		assert.Equal(t, 41, fresh[0].Age)
		return nil
	})
	require.NoError(t, err)
}

func TestMemberRepository_FetchJoinAndEntityGraphs(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20)
	repo := newMemberRepository(t, sessions)

	queries := map[string]func() ([]*Member, error){
		"fetch join":          func() ([]*Member, error) { return repo.FindMemberFetchJoin(ctx) },
		"find all with graph": func() ([]*Member, error) { return repo.FindAllWithTeam(ctx) },
		"template with graph": func() ([]*Member, error) { return repo.FindMemberEntityGraph(ctx) },
		"derived with graph":  func() ([]*Member, error) { return repo.FindEntityGraphByUsername(ctx, "member1") },
		"named graph":         func() ([]*Member, error) { return repo.FindEntityGraph2ByUsername(ctx, "member1") },
	}
	for name, run := range queries {
		t.Run(name, func(t *testing.T) {
			members, err := run()
			require.NoError(t, err)
			require.NotEmpty(t, members)
			for _, m := range members {
				// the session is closed, so only a fetched team is readable
				require.True(t, m.Team.Loaded(), m.Username)
				team, err := m.Team.Get(ctx)
				require.NoError(t, err)
				require.NotNil(t, team)
				if m.Username == "member1" {
					assert.Equal(t, "teamA", team.Name)
				} else {
					assert.Equal(t, "teamB", team.Name)
				}
			}
		})
	}
}

func TestLazyReferenceAfterSessionEnds(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10)
	repo := newMemberRepository(t, sessions)

	members, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.False(t, members[0].Team.Loaded())
	assert.NotNil(t, members[0].Team.Key())

	_, err = members[0].Team.Get(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orma.ErrLazyInitialization))

	err = orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		inside, err := repo.FindAll(ctx)
		require.NoError(t, err)
		team, err := inside[0].Team.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "teamA", team.Name)

		s.Clear()
		again, err := repo.FindAll(ctx)
		require.NoError(t, err)
		require.NotSame(t, inside[0], again[0])
		assert.False(t, again[0].Team.Loaded())
		s.Clear()
		_, err = again[0].Team.Get(ctx)
		assert.True(t, errors.Is(err, orma.ErrLazyInitialization))
		return nil
	})
	require.NoError(t, err)
}

func TestMemberRepository_Projections(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20)
	repo := newMemberRepository(t, sessions)

	closed, err := FindProjectionsByUsername[UsernameOnly](ctx, repo, "member1")
	require.NoError(t, err)
	assert.Equal(t, []UsernameOnly{{Username: "member1"}}, closed)

	nested, err := FindProjectionsByUsername[NestedClosedProjection](ctx, repo, "member2")
	require.NoError(t, err)
	assert.Equal(t, []NestedClosedProjection{{Username: "member2", Team: TeamInfo{Name: "teamB"}}}, nested)
}

func TestMemberRepository_Specifications(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20, 30)
	repo := newMemberRepository(t, sessions)

	result, err := repo.FindAllSpec(ctx, UsernameIs("member1").And(TeamNameIs("teamA")))
	require.NoError(t, err)
	assert.Equal(t, []string{"member1"}, usernames(result))

	result, err = repo.FindAllSpec(ctx, TeamNameIs("teamA"), orma.Desc("username")...)
	require.NoError(t, err)
	assert.Equal(t, []string{"member3", "member1"}, usernames(result))

	result, err = repo.FindAllSpec(ctx, AgeAtLeast(20).And(TeamNameIs("")))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"member2", "member3"}, usernames(result))

	n, err := repo.CountSpec(ctx, TeamNameIs("teamB").Not())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, err := repo.FindPageSpec(ctx, TeamNameIs("teamA"), orma.PageOf(0, 1, orma.Asc("username")...))
	require.NoError(t, err)
	assert.Equal(t, []string{"member1"}, usernames(page.Content))
	assert.Equal(t, int64(2), page.TotalElements)
}

func TestMemberRepository_FindAllByExample(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	seed(t, sessions, 10, 20, 30)
	repo := newMemberRepository(t, sessions)

	example := &Member{Username: "member1", Age: 99}
	result, err := repo.FindAllByExample(ctx, example, "age")
	require.NoError(t, err)
	assert.Equal(t, []string{"member1"}, usernames(result))

	byTeam := &Member{}
	byTeam.ChangeTeam(&Team{Name: "teamA"})
	result, err = repo.FindAllByExample(ctx, byTeam)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"member1", "member3"}, usernames(result))
}

func TestMemberRepository_NativeQueries(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	f := seed(t, sessions, 10, 20, 30)
	repo := newMemberRepository(t, sessions)

	m, err := repo.FindByNativeQuery(ctx, "member2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, f.members[1].ID, m.ID)
	assert.Equal(t, 20, m.Age)
	assert.Equal(t, f.teamB.ID, m.Team.Key())

	page, err := repo.FindByNativeProjection(ctx, orma.PageOf(0, 2))
	require.NoError(t, err)
	assert.Len(t, page.Content, 2)
	assert.Equal(t, int64(3), page.TotalElements)
	assert.Equal(t, 2, page.TotalPages())
	for _, p := range page.Content {
		assert.NotZero(t, p.ID)
		assert.Contains(t, []string{"teamA", "teamB"}, p.TeamName)
	}
}

func TestTeamRepository_FindWithMembers(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	f := seed(t, sessions, 10, 20, 30)
	teams, err := NewTeamRepository(sessions)
	require.NoError(t, err)

	team, err := teams.FindWithMembers(ctx, f.teamA.ID)
	require.NoError(t, err)
	require.NotNil(t, team)
	assert.True(t, team.Members.Loaded())
	members := team.Members.Peek()
	assert.ElementsMatch(t, []string{"member1", "member3"}, usernames(members))
	for _, m := range members {
		assert.Same(t, team, m.Team.Peek())
	}

	missing, err := teams.FindWithMembers(ctx, f.teamA.ID+f.teamB.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestItemRepository_PersistableSave(t *testing.T) {
	ctx := context.Background()
	items, err := NewItemRepository(newSessions(t))
	require.NoError(t, err)

	item := &Item{ID: "A"}
	assert.True(t, items.IsNew(item))
	saved, err := items.Save(ctx, item)
	require.NoError(t, err)
	assert.Same(t, item, saved)
	assert.False(t, item.CreatedDate.IsZero())
	assert.False(t, items.IsNew(item))

	// not new any more, so this merges instead of inserting a duplicate
	merged, err := items.Save(ctx, item)
	require.NoError(t, err)
	assert.NotSame(t, item, merged)

	count, err := items.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
