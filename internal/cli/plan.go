package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/saltfish/wfsearch/internal/optimizer"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/search"
)

const timeLayout = "2006-01-02 15:04"

func loadSpec(path string) (*optimizer.RunSpec, error) {
	spec, err := optimizer.LoadRunSpec(path)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run spec %s: %w", path, err)
	}
	return spec, nil
}

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <run.yaml>",
		Short: "Print the walk-forward windows of a run spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}

			windows, err := planner.Plan(spec.Settings)
			if err != nil {
				return fmt.Errorf("plan windows: %w", err)
			}
			if len(windows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No iterations planned.")
				return nil
			}

			t := newTable(cmd.OutOrStdout(), spec.Name)
			t.AppendHeader(table.Row{"#", "In-sample start", "In-sample end", "Out-of-sample start", "Out-of-sample end", "Length"})
			for _, w := range windows {
				t.AppendRow(table.Row{
					w.Index,
					w.InSample.Start.Format(timeLayout),
					w.InSample.End.Format(timeLayout),
					w.OutOfSample.Start.Format(timeLayout),
					w.OutOfSample.End.Format(timeLayout),
					(w.InSample.Duration() + w.OutOfSample.Duration()).Round(time.Minute).String(),
				})
			}
			t.AppendFooter(table.Row{"", "", "", "", "In-sample jobs", spec.Jobs()})
			t.SetColumnConfigs([]table.ColumnConfig{
				{Number: 1, Align: text.AlignRight},
				{Number: 6, Align: text.AlignRight},
			})
			t.Render()
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <run.yaml>",
		Short: "Check a run spec without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d iterations, %d in-sample jobs)\n",
				spec.Name, spec.Settings.Iterations, spec.Jobs())
			return nil
		},
	}
}

func newGridCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grid <run.yaml>",
		Short: "Print the parameter grid of a run spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "Parameter grid")
			t.AppendHeader(table.Row{"Name", "Min", "Max", "Step", "Values"})
			for _, p := range spec.Parameters {
				t.AppendRow(table.Row{p.Name, p.Min.String(), p.Max.String(), p.Step.String(), p.Len()})
			}
			t.AppendFooter(table.Row{"", "", "", "Grid size", search.Count(spec.Parameters)})
			t.Render()

			if spec.Search.Mode == search.ModeRandom {
				fmt.Fprintf(cmd.OutOrStdout(), "random search: %d samples per iteration\n",
					min(search.Count(spec.Parameters), spec.Search.Samples))
			}
			return nil
		},
	}
}
