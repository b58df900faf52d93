package internal

import (
	"time"

	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

type sessionFactory struct {
	registry  *EntityRegistry
	backend   orma.Backend
	config    *orma.Config
	generator *SQLGenerator
	plans     *PlanCache
	clock     func() time.Time
}

// NewSessionFactory creates the factory sessions are opened from. The registry and backend are
// shared by every session it opens. Each factory owns its plan cache, so factories built on one
// registry may cache differently.
func NewSessionFactory(registry *EntityRegistry, backend orma.Backend, config *orma.Config) (orma.SessionFactory, error) {
	if config == nil {
		config = orma.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, orma.NewConfigurationError(orma.ErrCodeInvalidConfiguration, "invalid configuration").WithCause(err)
	}

	zap.S().Infow("session factory ready",
		"dialect", backend.Dialect().Name(),
		"entities", len(registry.Entities()),
		"flushMode", config.Session.FlushMode,
	)
	return &sessionFactory{
		registry:  registry,
		backend:   backend,
		config:    config,
		generator: NewSQLGenerator(backend.Dialect(), registry),
		plans:     NewPlanCache(config.Query.CacheQueryPlans),
		clock:     time.Now,
	}, nil
}

func (f *sessionFactory) OpenSession() orma.Session {
	return newSession(f)
}

func (f *sessionFactory) Registry() orma.Registry { return f.registry }

func (f *sessionFactory) Config() *orma.Config { return f.config }
