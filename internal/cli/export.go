package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/report"
	"github.com/eargollo/piiscan/internal/store"
)

func newExportCmd(e *env) *cobra.Command {
	var (
		format   string
		output   string
		statuses []string
		entities []string
		prefix   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export results as JSON, CSV, XLSX or msgpack",
		Long: `Export records and their findings.

Examples:
  piiscan export --format csv -o results.csv
  piiscan export --format xlsx --entity ssn,credit_card
  piiscan export --status failed -o -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			var filter store.Filter
			for _, s := range statuses {
				st, err := store.ParseStatus(strings.TrimSpace(s))
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			if filter.Categories, err = pii.ParseCategories(entities); err != nil {
				return err
			}
			filter.PathPrefix = prefix

			rep, err := e.newReporter(e.newStore())
			if err != nil {
				return err
			}

			if output == "" {
				output = f.Filename(time.Now())
			}
			var w io.Writer = cmd.OutOrStdout()
			if output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer file.Close()
				w = file
			}
			if err := rep.Export(cmd.Context(), w, f, filter); err != nil {
				return err
			}
			if output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json, csv, xlsx or msgpack")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for stdout (default pii-results-<time>.<format>)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only records in these statuses")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "only records with findings of these entity types")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only records under this path prefix")
	return cmd
}
