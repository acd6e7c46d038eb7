package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/report"
	"github.com/eargollo/piiscan/internal/store"
)

type statusView struct {
	Summary report.Summary `json:"summary"`
	LastRun *store.Run     `json:"last_run,omitempty"`
}

func newStatusCmd(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts, findings and the latest run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st := e.newStore()
			rep, err := e.newReporter(st)
			if err != nil {
				return err
			}
			sum, err := rep.Summary(ctx)
			if err != nil {
				return err
			}
			view := statusView{Summary: sum}
			runs, _, err := st.ListRuns(ctx, 1, 0)
			if err != nil {
				return err
			}
			if len(runs) > 0 {
				view.LastRun = &runs[0]
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			printStatus(out, view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(out io.Writer, v statusView) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "files\t%s\n", humanize.Comma(v.Summary.TotalFiles))
	for _, s := range store.AllStatuses {
		if n := v.Summary.ByStatus[s]; n > 0 {
			fmt.Fprintf(tw, "  %s\t%s\n", s, humanize.Comma(n))
		}
	}
	fmt.Fprintf(tw, "findings\t%s\n", humanize.Comma(v.Summary.TotalFindings))
	for _, ec := range v.Summary.ByEntity {
		fmt.Fprintf(tw, "  %s\t%s\n", ec.DisplayName, humanize.Comma(ec.Count))
	}
	fmt.Fprintf(tw, "high-risk files\t%s\n", humanize.Comma(int64(len(v.Summary.HighRiskFiles))))
	_ = tw.Flush()

	if v.LastRun != nil {
		fmt.Fprint(out, "last ")
		printRun(out, *v.LastRun)
	}
}
