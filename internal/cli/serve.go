package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/api"
	"github.com/eargollo/piiscan/internal/scheduler"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API and the scheduled scans",
		Long: `Serve the control API on http_addr. Runs are started with POST /api/runs
or by the cron expression in schedule. SIGINT or SIGTERM stops the server;
an active run is cancelled and resumes on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := e.newApp()
			if err != nil {
				return err
			}
			if err := a.manager.InterruptStaleRuns(ctx); err != nil {
				e.logger.Warn("interrupt stale runs", "error", err)
			}

			sched := scheduler.New(ctx, a.manager, e.logger.With("component", "scheduler"))
			if err := sched.SetSchedule(e.cfg.Schedule); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			e.logger.Info("piiscan starting",
				"version", Version,
				"http_addr", e.cfg.HTTPAddr,
				"db_driver", e.cfg.Database.Driver,
				"data_paths", e.cfg.DataPaths,
				"workers", e.cfg.Scan.Workers)

			srv := api.New(ctx, e.cfg.HTTPAddr, api.Deps{
				Store:    a.store,
				Manager:  a.manager,
				Reporter: a.reporter,
				Sched:    sched,
				Cfg:      e.cfg,
				Version:  Version,
			})
			err = srv.Run(ctx)
			if werr := a.manager.Wait(cmd.Context()); werr != nil {
				e.logger.Warn("wait for run", "error", werr)
			}
			e.logger.Info("piiscan stopped")
			return err
		},
	}
}
