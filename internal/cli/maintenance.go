package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/eargollo/piiscan/internal/store"
)

func newRequeueCmd(e *env) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move finished records back to pending",
		Long: `Move records in the given terminal statuses back to pending with a fresh
attempt budget, so the next run processes them again. Findings of requeued
completed records are dropped.

Examples:
  piiscan requeue
  piiscan requeue --status failed,skipped`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sts []store.Status
			for _, s := range statuses {
				st, err := store.ParseStatus(strings.TrimSpace(s))
				if err != nil {
					return err
				}
				sts = append(sts, st)
			}
			n, err := e.newStore().Requeue(cmd.Context(), sts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", []string{string(store.StatusFailed)}, "statuses to requeue")
	return cmd
}

func newClearCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record, finding and run",
		Long: `Delete all results. The next run rediscovers and reprocesses everything.
Requires confirmation unless --yes is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Delete all scan results?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}
			if err := e.newStore().Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All results cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

// confirm asks a yes/no question. It refuses to guess when stdin is not an
// interactive terminal.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}
	fmt.Fprintf(out, "%s [y/N]: ", question)
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read input: %w", err)
	}
	resp = strings.TrimSpace(strings.ToLower(resp))
	return resp == "y" || resp == "yes", nil
}
