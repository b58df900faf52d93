package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/factory"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ORMA_CONFIG", "")
	var out bytes.Buffer
	cmd := New(&out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

type explained struct {
	Kind     string `yaml:"kind"`
	SQL      string `yaml:"sql"`
	Args     []any  `yaml:"args"`
	CountSQL string `yaml:"countSql"`
}

func explain(t *testing.T, args ...string) explained {
	t.Helper()
	out, err := run(t, append([]string{"explain"}, args...)...)
	require.NoError(t, err, out)
	var st explained
	require.NoError(t, yaml.Unmarshal([]byte(out), &st), out)
	return st
}

func TestDescribe(t *testing.T) {
	out, err := run(t, "describe", "Member")
	require.NoError(t, err)

	var view struct {
		Name         string `yaml:"name"`
		Table        string `yaml:"table"`
		ID           string `yaml:"id"`
		Fields       []struct {
			Name     string `yaml:"name"`
			Column   string `yaml:"column"`
			Strategy string `yaml:"strategy"`
		} `yaml:"fields"`
		Associations []struct {
			Name       string `yaml:"name"`
			Target     string `yaml:"target"`
			JoinColumn string `yaml:"joinColumn"`
		} `yaml:"associations"`
		EntityGraphs map[string][]string `yaml:"entityGraphs"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &view), out)
	assert.Equal(t, "Member", view.Name)
	assert.Equal(t, "member", view.Table)
	assert.Equal(t, "id", view.ID)
	require.NotEmpty(t, view.Fields)
	assert.Equal(t, "member_id", view.Fields[0].Column)
	assert.Equal(t, string(orma.IDIdentity), view.Fields[0].Strategy)
	require.Len(t, view.Associations, 1)
	assert.Equal(t, "team", view.Associations[0].Name)
	assert.Equal(t, "Team", view.Associations[0].Target)
	assert.Equal(t, "team_id", view.Associations[0].JoinColumn)
	assert.Equal(t, []string{"team"}, view.EntityGraphs["Member.all"])

	out, err = run(t, "describe")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Item")
	assert.Contains(t, out, "name: Team")

	_, err = run(t, "describe", "Nobody")
	assert.Error(t, err)
}

func TestExplain(t *testing.T) {
	t.Run("derived method", func(t *testing.T) {
		st := explain(t, "--driver", "sqlite", "--entity", "Member",
			"--method", "findByUsernameAndAgeGreaterThan", "-p", "user1", "-p", "10")
		assert.Equal(t, "select", st.Kind)
		assert.Contains(t, st.SQL, `FROM "member"`)
		assert.Contains(t, st.SQL, `"age" > ?`)
		require.Len(t, st.Args, 2)
		assert.Equal(t, "user1", st.Args[0])
		assert.EqualValues(t, 10, st.Args[1])
		assert.Contains(t, st.CountSQL, "COUNT(")
	})

	t.Run("named query on postgres", func(t *testing.T) {
		st := explain(t, "--driver", "pgx", "--entity", "Member",
			"--method", "findByUsername", "-a", "username=user1")
		assert.Contains(t, st.SQL, `"username" = $1`)
		assert.Equal(t, []any{"user1"}, st.Args)
	})

	t.Run("collection binding", func(t *testing.T) {
		st := explain(t, "--driver", "sqlite",
			"select m from Member m where m.username in :names", "-a", "names=user1,user2")
		assert.Contains(t, st.SQL, "IN (?, ?)")
		assert.Equal(t, []any{"user1", "user2"}, st.Args)
	})

	t.Run("bulk update", func(t *testing.T) {
		st := explain(t, "--driver", "sqlite",
			"update Member m set m.age = m.age + 1 where m.age >= :age", "-a", "age=20")
		assert.Equal(t, "update", st.Kind)
		assert.Contains(t, st.SQL, `UPDATE "member" SET "age"`)
		assert.Empty(t, st.CountSQL)
	})

	t.Run("native", func(t *testing.T) {
		st := explain(t, "--driver", "sqlite", "--entity", "Member", "--native",
			"select * from member where username = ?", "-p", "user1")
		assert.Equal(t, "native", st.Kind)
		assert.Equal(t, "select * from member where username = ?", st.SQL)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := run(t, "explain", "--driver", "sqlite", "--entity", "Member", "--method", "findByNickname", "-p", "x")
		assert.True(t, orma.IsValidationError(err), "%v", err)

		_, err = run(t, "explain", "--driver", "sqlite", "select m from Member m where m.age > :age")
		assert.Equal(t, orma.ErrCodeParameterBinding, orma.ErrorCode(err))

		_, err = run(t, "explain", "--method", "findByUsername")
		assert.Error(t, err)

		_, err = run(t, "explain", "--driver", "mysql", "select m from Member m")
		assert.Error(t, err)
	})
}

func TestInitDB(t *testing.T) {
	out, err := run(t, "init-db", "--driver", "sqlite", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS member")

	path := filepath.Join(t.TempDir(), "orma.db")
	for i := 0; i < 2; i++ {
		_, err := run(t, "init-db", "--driver", "sqlite", "--db-name", path)
		require.NoError(t, err)
	}

	config := orma.DefaultConfig()
	config.Database.Driver = orma.DriverSQLite
	config.Database.Database = path
	ctx := context.Background()
	backend, closeFn, err := factory.OpenBackend(ctx, config)
	require.NoError(t, err)
	defer closeFn()
	sessions, err := factory.NewSessionFactory(config, backend, domain.Entities()...)
	require.NoError(t, err)

	count, err := domain.NewMemberSessionRepository(sessions).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
