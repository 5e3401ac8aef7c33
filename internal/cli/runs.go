package cli

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	httpapi "github.com/saltfish/wfsearch/internal/api/http"
	"github.com/saltfish/wfsearch/internal/domain"
)

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <run.yaml>",
		Short: "Start a run on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate locally first so typos fail without a round trip
			if _, err := loadSpec(args[0]); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read run spec: %w", err)
			}

			var resp httpapi.StartRunResponse
			if err := client.PostYAML("/api/v1/runs", data, &resp); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s started (%s, %d in-sample jobs)\n",
				resp.Run.ID, resp.Run.Status, resp.Jobs)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.ListRunsResponse
			if err := client.Get(fmt.Sprintf("/api/v1/runs?limit=%d", limit), &resp); err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(resp.Runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}

			t := newTable(cmd.OutOrStdout(), "Runs")
			t.AppendHeader(table.Row{"ID", "Name", "Status", "Created", "Reason"})
			for _, run := range resp.Runs {
				t.AppendRow(table.Row{run.ID, run.Name, run.Status, run.CreatedAt.Format(timeLayout), run.TerminationReason})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs to show")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run domain.Run
			if err := client.Delete("/api/v1/runs/"+args[0], &run); err != nil {
				return fmt.Errorf("stop run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s\n", run.ID, run.Status)
			return nil
		},
	}
}
