package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptoJournal/config"
	"cryptoJournal/internal/adapters/logger"
	"cryptoJournal/internal/adapters/sqlite"
	"cryptoJournal/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "journal",
	Short: "Execution ledger with FIFO matching and lifecycle replay",
	Long: `Journal maintains an append-only execution ledger for a personal
trading journal and derives everything else from it:

  - FIFO matches linking CLOSE executions to OPEN inventory
  - per-trade lifecycle events (opened, partial_close, closed)
  - per-instrument positions and realized P&L

Executions are ingested through a dedup gate, so re-importing the same
file never creates duplicate ledger entries. All derived state can be
rebuilt deterministically from the execution log at any time.`,
}

var (
	cfgFile string
	dbPath  string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "path to SQLite ledger DB (overrides config)")
}

// newService wires config, logger, repository and the ledger service for one
// command invocation. The returned cleanup closes the database.
func newService() (*app.LedgerService, func(), error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	svc, err := app.NewLedgerService(cfg, appLogger, repo)
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("init service: %w", err)
	}
	cleanup := func() { _ = repo.Close() }
	return svc, cleanup, nil
}
