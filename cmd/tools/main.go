package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lychee-technology/orma"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options are shared by every command.
type Options struct {
	configPath string
	driver     string
	out        io.Writer
}

// config loads the file given with --config, or the defaults, and applies --driver.
func (o *Options) config() (*orma.Config, error) {
	config := orma.DefaultConfig()
	if o.configPath != "" {
		loaded, err := orma.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if o.driver != "" {
		config.Database.Driver = o.driver
	}
	return config, config.Validate()
}

func New(out io.Writer) *cobra.Command {
	opts := &Options{
		configPath: os.Getenv("ORMA_CONFIG"),
		out:        out,
	}

	maincmd := &cobra.Command{
		Use:   "orma-tools <command> [options]",
		Short: "inspect and prepare orma mappings",
		Long: `
Tools for the sample member/team mapping: print the registered entity
metadata, show the SQL a query compiles to, and create the tables.
`,
		SilenceUsage:     true,
		TraverseChildren: true,
	}

	flags := maincmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", opts.configPath, "YAML configuration file")
	flags.StringVarP(&opts.driver, "driver", "d", "", "database driver (pgx, postgres, sqlite)")

	maincmd.AddCommand(NewDescribe(opts))
	maincmd.AddCommand(NewExplain(opts))
	maincmd.AddCommand(NewInitDB(opts))
	return maincmd
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := New(os.Stdout).Execute(); err != nil {
		logger.Sugar().Errorf("orma-tools: %v", err)
		os.Exit(1)
	}
}
