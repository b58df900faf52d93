package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/factory"
	"github.com/lychee-technology/orma/internal/domain"
	"go.uber.org/zap"
)

// Server serves the members API over the sample repositories.
type Server struct {
	members *domain.MemberRepository
	teams   *domain.TeamRepository
	query   orma.QueryConfig
	mux     *http.ServeMux
}

// NewServer creates a new Server instance
func NewServer(sessions orma.SessionFactory) (*Server, error) {
	members, err := domain.NewMemberRepository(sessions)
	if err != nil {
		return nil, err
	}
	teams, err := domain.NewTeamRepository(sessions)
	if err != nil {
		return nil, err
	}
	return &Server{
		members: members,
		teams:   teams,
		query:   sessions.Config().Query,
		mux:     http.NewServeMux(),
	}, nil
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("GET /members/{id}", s.handleGetMember)
	s.mux.HandleFunc("GET /members", s.handleListMembers)
	s.mux.HandleFunc("POST /members", s.handleCreateMember)
	s.mux.HandleFunc("GET /teams/{id}", s.handleGetTeam)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server on the given port
func (s *Server) Start(port string) error {
	zap.S().Infow("starting server", "port", port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func main() {
	config, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}

	logger, err := factory.NewLogger(config.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	ctx := context.Background()
	sessions, closeFn, err := openSessions(ctx, config, getEnvBool("INIT_SCHEMA", true), getEnvInt("SEED_MEMBERS", 0))
	if err != nil {
		sugar.Fatalf("failed to open sessions: %v", err)
	}
	defer closeFn()

	server, err := NewServer(sessions)
	if err != nil {
		sugar.Fatalf("failed to create server: %v", err)
	}
	server.RegisterRoutes()

	port := getEnv("PORT", "8080")
	if err := server.Start(port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

// loadConfig reads ORMA_CONFIG when set. Otherwise it starts from the defaults and applies
// DB_* environment overrides; without DB_DRIVER the server runs on an in-memory SQLite database.
func loadConfig() (*orma.Config, error) {
	if path := os.Getenv("ORMA_CONFIG"); path != "" {
		return orma.LoadConfig(path)
	}

	config := orma.DefaultConfig()
	config.Database.Driver = getEnv("DB_DRIVER", orma.DriverSQLite)
	config.Database.DSN = getEnv("DB_DSN", "")
	config.Database.Host = getEnv("DB_HOST", config.Database.Host)
	config.Database.Port = getEnvInt("DB_PORT", config.Database.Port)
	config.Database.Database = getEnv("DB_NAME", ":memory:")
	config.Database.Username = getEnv("DB_USER", "postgres")
	config.Database.Password = getEnv("DB_PASSWORD", "")
	config.Database.SSLMode = getEnv("DB_SSL_MODE", config.Database.SSLMode)
	config.Database.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", config.Database.MaxConnections)
	config.Database.ConnMaxLifetime = time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
	config.Database.Timeout = time.Duration(getEnvInt("DB_TIMEOUT_SECONDS", 30)) * time.Second
	config.Query.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", 5)
	config.Query.OneIndexedParameters = getEnvBool("ONE_INDEXED_PAGES", false)
	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.LogQueries = getEnvBool("LOG_QUERIES", false)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
