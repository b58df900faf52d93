package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lychee-technology/orma/factory"
	"github.com/lychee-technology/orma/internal"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type InitDB struct {
	cmd      *cobra.Command
	mainopts *Options

	database string
	dryRun   bool
	timeout  time.Duration
}

func NewInitDB(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-db [options]",
		Short: "create the member, team and item tables",
	}
	c := &InitDB{cmd: cmd, mainopts: opts}
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(cmd.Context()) }

	flags := cmd.Flags()
	flags.StringVar(&c.database, "db-name", "", "database name, or file path for sqlite")
	flags.BoolVar(&c.dryRun, "dry-run", false, "print the DDL instead of running it")
	flags.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func (c *InitDB) Run(ctx context.Context) error {
	config, err := c.mainopts.config()
	if err != nil {
		return err
	}
	if c.database != "" {
		config.Database.Database = c.database
	}

	if c.dryRun {
		dialect, err := internal.DialectFor(config.Database.Driver)
		if err != nil {
			return err
		}
		ddl, err := domain.Schema(dialect.Name())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.mainopts.out, ddl)
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	backend, closeFn, err := factory.OpenBackend(ctx, config)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeFn()

	if err := domain.ApplySchema(ctx, backend); err != nil {
		return err
	}
	zap.S().Infow("database initialized", "driver", config.Database.Driver, "database", config.Database.Database)
	return nil
}
