package domain

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/factory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	os.Exit(m.Run())
}

// newSessions opens a private in-memory SQLite database with the sample schema.
func newSessions(t *testing.T, configure ...func(*orma.Config)) orma.SessionFactory {
	t.Helper()
	ctx := context.Background()

	cfg := orma.DefaultConfig()
	cfg.Database.Driver = orma.DriverSQLite
	cfg.Database.Database = ":memory:"
	for _, fn := range configure {
		fn(cfg)
	}

	backend, closeFn, err := factory.OpenBackend(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(closeFn)
	require.NoError(t, ApplySchema(ctx, backend))

	sessions, err := factory.NewSessionFactory(cfg, backend, Entities()...)
	require.NoError(t, err)
	return sessions
}

type fixture struct {
	teamA, teamB *Team
	members      []*Member
}

// seed stores teamA, teamB and member1..member5 with the given ages. Odd members join teamA,
// even ones teamB.
func seed(t *testing.T, sessions orma.SessionFactory, ages ...int) fixture {
	t.Helper()
	if len(ages) == 0 {
		ages = []int{10, 10, 10, 10, 10}
	}
	f := fixture{teamA: NewTeam("teamA"), teamB: NewTeam("teamB")}
	err := orma.Transact(context.Background(), sessions, func(ctx context.Context, s orma.Session) error {
		for _, team := range []*Team{f.teamA, f.teamB} {
			if err := s.Persist(ctx, team); err != nil {
				return err
			}
		}
		for i, age := range ages {
			team := f.teamA
			if i%2 == 1 {
				team = f.teamB
			}
			m := NewMember(username(i+1), age, team)
			if err := s.Persist(ctx, m); err != nil {
				return err
			}
			f.members = append(f.members, m)
		}
		return nil
	})
	require.NoError(t, err)
	return f
}

func username(n int) string {
	return fmt.Sprintf("member%d", n)
}
