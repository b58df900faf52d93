package main

import (
	"context"
	"fmt"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/factory"
	"github.com/lychee-technology/orma/internal/domain"
	"go.uber.org/zap"
)

// openSessions connects to the configured database, optionally creating the sample tables and
// seeding members, and returns the session factory with a function that closes the pool.
func openSessions(ctx context.Context, config *orma.Config, initSchema bool, seedMembers int) (orma.SessionFactory, func(), error) {
	backend, closeFn, err := factory.OpenBackend(ctx, config)
	if err != nil {
		return nil, nil, err
	}

	if initSchema {
		if err := domain.ApplySchema(ctx, backend); err != nil {
			closeFn()
			return nil, nil, err
		}
	}

	sessions, err := factory.NewSessionFactory(config, backend, domain.Entities()...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	if seedMembers > 0 {
		if err := seed(ctx, sessions, seedMembers); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return sessions, closeFn, nil
}

// seed stores user0..user{n-1}, each as old as its number.
func seed(ctx context.Context, sessions orma.SessionFactory, n int) error {
	err := orma.Transact(ctx, sessions, func(ctx context.Context, s orma.Session) error {
		for i := 0; i < n; i++ {
			if err := s.Persist(ctx, domain.NewMember(fmt.Sprintf("user%d", i), i, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed members: %w", err)
	}
	zap.S().Infow("seeded members", "count", n)
	return nil
}
