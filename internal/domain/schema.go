package domain

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the DDL for a dialect name ("postgres" or "sqlite").
func Schema(dialect string) (string, error) {
	raw, err := schemaFS.ReadFile("schema/" + dialect + ".sql")
	if err != nil {
		return "", orma.NewConfigurationError(orma.ErrCodeUnsupportedDriver, fmt.Sprintf("no sample schema for dialect %q", dialect))
	}
	return string(raw), nil
}

// ApplySchema creates the sample tables in one transaction. Existing tables are left alone.
func ApplySchema(ctx context.Context, backend orma.Backend) error {
	ddl, err := Schema(backend.Dialect().Name())
	if err != nil {
		return err
	}
	tx, err := backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	for _, stmt := range statements(ddl) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	zap.S().Infow("sample schema applied", "dialect", backend.Dialect().Name())
	return nil
}

func statements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
