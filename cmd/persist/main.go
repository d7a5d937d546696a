// Command persist is the maintenance CLI for persistence-lib databases:
// schema bootstrap, stats, audit inspection, export/import packages, and
// purges. Entity-level access stays in the library; this tool works through
// reflected table descriptors.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartpcr/persistence-lib/internal/config"
	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

var (
	flagDB      string
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "persist",
	Short: "Maintenance tooling for persistence-lib databases",
	Long: `persist operates on databases created by the persistence engine.

Point it at a database with --db, or at a JSON/YAML config with --config.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			debug.Enable("")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database file")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "engine config file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log engine diagnostics to stderr")
}

// loadOptions resolves engine options from --config or --db.
func loadOptions() (config.Options, error) {
	if flagConfig != "" {
		return config.Load(flagConfig)
	}
	if flagDB == "" {
		return config.Options{}, fmt.Errorf("either --db or --config is required")
	}
	return config.DefaultOptions(flagDB), nil
}

// openEngine opens the engine for one command invocation.
func openEngine(ctx context.Context) (*sqlite.Engine, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(ctx, opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
