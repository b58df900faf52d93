package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/factory"
	"github.com/lychee-technology/orma/internal"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type options struct {
	configPath   string
	driver       string
	database     string
	initSchema   bool
	teamCount    int
	memberCount  int
	itemCount    int
	chunkSize    int
	pageSize     int
	bulkMinAge   int
	seed         int64
	seedProvided bool
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	opts := parseFlags()
	config, err := loadConfig(opts)
	if err != nil {
		sugar.Fatalf("failed to load configuration: %v", err)
	}

	ctx := context.Background()
	backend, closeFn, err := factory.OpenBackend(ctx, config)
	if err != nil {
		sugar.Fatalf("failed to open backend: %v", err)
	}
	defer closeFn()

	if opts.initSchema {
		if err := domain.ApplySchema(ctx, backend); err != nil {
			sugar.Fatalf("failed to create tables: %v", err)
		}
	}

	sessions, err := factory.NewSessionFactory(config, backend, domain.Entities()...)
	if err != nil {
		sugar.Fatalf("failed to create session factory: %v", err)
	}

	if !opts.seedProvided {
		sugar.Infof("using random seed %d", opts.seed)
	}
	random := rand.New(rand.NewSource(opts.seed))

	// statements per stage, as reported by the sessions
	statements := xsync.NewMapOf[string, *xsync.Counter]()
	internal.RegisterTelemetryEmitter(func(_ context.Context, name string, labels map[string]string, _ any) {
		if name != internal.MetricStatementLatency {
			return
		}
		c, _ := statements.LoadOrCompute(labels["stage"], xsync.NewCounter)
		c.Inc()
	})

	timings := map[string]time.Duration{}
	measure := func(name string, fn func() error) {
		start := time.Now()
		if err := fn(); err != nil {
			sugar.Fatalf("%s: %v", name, err)
		}
		timings[name] = time.Since(start)
	}

	var teamIDs []int64
	measure("insert teams", func() (err error) {
		teamIDs, err = insertTeams(ctx, sessions, opts.teamCount)
		return err
	})
	measure("insert members", func() error {
		return insertMembers(ctx, sessions, teamIDs, opts, random)
	})
	measure("insert items", func() error {
		return insertItems(ctx, sessions, opts.itemCount, opts.chunkSize)
	})

	members, err := domain.NewMemberRepository(sessions)
	if err != nil {
		sugar.Fatalf("failed to create member repository: %v", err)
	}
	var pages, rows int
	measure("page members", func() error {
		req := orma.PageRequest{Size: opts.pageSize, Sort: orma.Asc("username")}
		for {
			page, err := members.FindAllWithTeamPage(ctx, req)
			if err != nil {
				return err
			}
			pages++
			rows += len(page.Content)
			if !page.HasNext() {
				return nil
			}
			req = page.Pageable().Next()
		}
	})
	var bumped int64
	measure("bulk update", func() (err error) {
		bumped, err = members.BulkAgePlus(ctx, opts.bulkMinAge)
		return err
	})

	sugar.Infow("benchmark complete",
		"driver", config.Database.Driver,
		"teams", len(teamIDs),
		"members", opts.memberCount,
		"items", opts.itemCount,
		"pages", pages,
		"rowsPaged", rows,
		"bulkUpdated", bumped,
	)
	for _, name := range []string{"insert teams", "insert members", "insert items", "page members", "bulk update"} {
		sugar.Infof("  - %-15s %v", name, timings[name])
	}
	statements.Range(func(stage string, c *xsync.Counter) bool {
		sugar.Infof("  %s statements: %d", stage, c.Value())
		return true
	})
}

func parseFlags() options {
	var opts options

	flag.StringVar(&opts.configPath, "config", os.Getenv("ORMA_CONFIG"), "YAML configuration file")
	flag.StringVar(&opts.driver, "driver", getenvDefault("DB_DRIVER", orma.DriverSQLite), "database driver (pgx, postgres, sqlite)")
	flag.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", ":memory:"), "database name, or file path for sqlite")
	flag.BoolVar(&opts.initSchema, "init-schema", true, "create the tables before seeding")
	flag.IntVar(&opts.teamCount, "teams", 10, "number of teams to create")
	flag.IntVar(&opts.memberCount, "members", 10000, "number of members to create")
	flag.IntVar(&opts.itemCount, "items", 1000, "number of items to create")
	flag.IntVar(&opts.chunkSize, "chunk-size", 500, "entities persisted per transaction")
	flag.IntVar(&opts.pageSize, "page-size", getenvDefaultInt("PAGE_SIZE", 100), "page size when reading members back")
	flag.IntVar(&opts.bulkMinAge, "bulk-min-age", 40, "bulk update raises the age of members at least this old")
	seed := flag.Int64("seed", 0, "random seed (0 uses current time)")

	flag.Parse()

	if *seed == 0 {
		opts.seed = time.Now().UnixNano()
	} else {
		opts.seed = *seed
		opts.seedProvided = true
	}
	if opts.chunkSize < 1 {
		opts.chunkSize = 1
	}
	if opts.pageSize < 1 {
		opts.pageSize = 1
	}
	return opts
}

func loadConfig(opts options) (*orma.Config, error) {
	if opts.configPath != "" {
		return orma.LoadConfig(opts.configPath)
	}
	config := orma.DefaultConfig()
	config.Database.Driver = opts.driver
	config.Database.Database = opts.database
	config.Database.Username = getenvDefault("DB_USER", "postgres")
	config.Database.Password = getenvDefault("DB_PASSWORD", "postgres")
	config.Database.Host = getenvDefault("DB_HOST", config.Database.Host)
	config.Query.MaxPageSize = max(config.Query.MaxPageSize, opts.pageSize)
	return config, config.Validate()
}

func insertTeams(ctx context.Context, sessions orma.SessionFactory, n int) ([]int64, error) {
	teams := make([]*domain.Team, 0, n)
	err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		for i := 0; i < n; i++ {
			team := domain.NewTeam("team-" + strconv.Itoa(i))
			if err := s.Persist(ctx, team); err != nil {
				return err
			}
			teams = append(teams, team)
		}
		return s.Flush(ctx)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(teams))
	for i, t := range teams {
		ids[i] = t.ID
	}
	return ids, nil
}

// insertMembers persists members chunk by chunk, one transaction each. Every member joins a
// random team, loaded through the session so the identity map serves repeats.
func insertMembers(ctx context.Context, sessions orma.SessionFactory, teamIDs []int64, opts options, r *rand.Rand) error {
	teamType := reflect.TypeFor[domain.Team]()
	for start := 0; start < opts.memberCount; start += opts.chunkSize {
		end := min(start+opts.chunkSize, opts.memberCount)
		err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
			for i := start; i < end; i++ {
				var team *domain.Team
				if len(teamIDs) > 0 {
					found, err := s.Find(ctx, teamType, teamIDs[r.Intn(len(teamIDs))])
					if err != nil {
						return err
					}
					team, _ = found.(*domain.Team)
				}
				member := domain.NewMember(fmt.Sprintf("member-%07d", i), 10+r.Intn(60), team)
				if err := s.Persist(ctx, member); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("members %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func insertItems(ctx context.Context, sessions orma.SessionFactory, n, chunkSize int) error {
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
			for i := start; i < end; i++ {
				if err := s.Persist(ctx, &domain.Item{ID: uuid.NewString()}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("items %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
