package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/pipeline"
	"github.com/eargollo/piiscan/internal/store"
)

func newRunCmd(e *env) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scan in the foreground",
		Long: `Run one scan and exit when it ends. The first interrupt stops gracefully:
discovery ends and workers finish the batch they hold. A second interrupt
cancels the run; files in flight are picked up again by the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(e.cfg.DataPaths) == 0 {
				return apperr.Config("run", "no data_paths configured (set data_paths or PII_DATA_PATH)")
			}
			a, err := e.newApp()
			if err != nil {
				return err
			}
			return runForeground(cmd.Context(), a, cmd.OutOrStdout(), every)
		},
	}
	cmd.Flags().DurationVar(&every, "progress", 10*time.Second, "print progress at this interval (0 disables)")
	return cmd
}

func runForeground(parent context.Context, a *app, out io.Writer, every time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.manager.InterruptStaleRuns(ctx); err != nil {
		return err
	}
	run, err := a.manager.Start(ctx, "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %d started\n", run.ID)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	go func() {
		_ = a.manager.Wait(context.Background())
		close(done)
	}()

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	interrupts := 0
loop:
	for {
		select {
		case <-done:
			break loop
		case <-sigs:
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(out, "stopping: finishing current batches (interrupt again to cancel)")
				_, _ = a.manager.Stop()
				continue
			}
			fmt.Fprintln(out, "cancelling")
			cancel()
		case <-tick:
			printProgress(ctx, a.manager, out)
		}
	}

	rec, err := a.store.GetRun(context.Background(), run.ID)
	if err != nil {
		return err
	}
	printRun(out, rec)
	if rec.Status == store.RunFailed {
		return fmt.Errorf("run %d failed: %s", rec.ID, rec.Error)
	}
	return nil
}

func printProgress(ctx context.Context, m *pipeline.Manager, out io.Writer) {
	st, err := m.Status(ctx)
	if err != nil {
		return
	}
	line := fmt.Sprintf("%-10s %5.1f%%  %s/%s files",
		st.State, st.ProgressPercent,
		humanize.Comma(st.Counts.Finished()), humanize.Comma(st.Total))
	if st.RunCounters != nil {
		line += fmt.Sprintf("  %s findings", humanize.Comma(st.RunCounters.Findings))
	}
	if st.Estimate != nil {
		line += fmt.Sprintf("  %.1f files/s, done %s", st.Estimate.FilesPerSecond, st.Estimate.Human)
	}
	fmt.Fprintln(out, line)
}

func printRun(out io.Writer, r store.Run) {
	fmt.Fprintf(out, "run %d %s", r.ID, r.Status)
	if r.DurationSeconds != nil {
		fmt.Fprintf(out, " in %s", time.Duration(*r.DurationSeconds)*time.Second)
	}
	fmt.Fprintf(out, ": %s discovered (%s new, %s changed), %s completed, %s failed, %s skipped, %s findings\n",
		humanize.Comma(r.Discovered), humanize.Comma(r.Created), humanize.Comma(r.Updated),
		humanize.Comma(r.Completed), humanize.Comma(r.Failed), humanize.Comma(r.Skipped),
		humanize.Comma(r.Findings))
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}
}
