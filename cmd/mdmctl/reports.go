package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"mdmview/internal/viewmodels"
)

func newReportsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reports <machineId>",
		Short: "Show the reports of one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := root.openSource(cmd)
			if err != nil {
				return err
			}
			reports, err := src.ListReports(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(reports) == 0 {
				fmt.Fprintf(out, "No reports for %s.\n", args[0])
				return nil
			}

			heading := color.New(color.Bold).SprintFunc()
			dim := color.New(color.FgHiBlack).SprintFunc()
			for i, r := range reports {
				if i > 0 {
					fmt.Fprintln(out)
				}
				title := r.ID
				if title == "" {
					title = fmt.Sprintf("report %d", i+1)
				}
				fmt.Fprintf(out, "%s  %s\n", heading(title), dim(viewmodels.FormatTime(r.CreatedAt)))

				fields := r.SortedFields()
				width := 0
				for _, f := range fields {
					width = max(width, runewidth.StringWidth(f.Name))
				}
				for _, f := range fields {
					fmt.Fprintf(out, "  %s  %s\n", runewidth.FillRight(f.Name, width), f.Value)
				}
			}
			return nil
		},
	}
}
