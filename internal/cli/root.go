// Package cli provides the command-line interface for piiscan.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/db"
)

// Version is set at build time.
var Version = "dev"

// env is what PersistentPreRunE prepares for every subcommand.
type env struct {
	configPath string
	cfg        *config.Config
	conn       *db.Conn
	logger     *slog.Logger
	closeLog   func() error
}

// newRootCmd builds the command tree. The caller closes the returned env
// once the command has run.
func newRootCmd() (*cobra.Command, *env) {
	e := &env{}

	root := &cobra.Command{
		Use:   "piiscan",
		Short: "Resumable parallel PII scanner for file shares",
		Long: `piiscan walks one or more directory trees, extracts the text of every
document through a pool of extraction servers, runs PII detection over it and
records the findings in a database. Interrupted runs resume where they left
off; unchanged files are not processed twice.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return e.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(e),
		newRunCmd(e),
		newStatusCmd(e),
		newExportCmd(e),
		newRequeueCmd(e),
		newClearCmd(e),
	)
	return root, e
}

// Execute runs the CLI with os.Args.
func Execute(ctx context.Context) error {
	root, e := newRootCmd()
	defer e.close()
	return root.ExecuteContext(ctx)
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	e.cfg = cfg

	level, _ := config.ParseLevel(cfg.LogLevel)
	e.logger, e.closeLog = config.SetupLogger(cfg.LogFile, level)
	slog.SetDefault(e.logger)

	dsn := cfg.Database.Path
	if cfg.Database.Driver == string(db.Postgres) {
		dsn = cfg.Database.URL
	}
	conn, err := db.Connect(ctx, cfg.Database.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(ctx, conn.DB, conn.Dialect); err != nil {
		conn.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	e.conn = conn
	return nil
}

func (e *env) close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
		e.conn = nil
	}
	if e.closeLog != nil {
		_ = e.closeLog()
		e.closeLog = nil
	}
}
