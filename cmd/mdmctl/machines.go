package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mdmview/internal/machine"
	"mdmview/internal/table"
	"mdmview/internal/viewmodels"
)

func newMachinesCommand(root *rootOptions) *cobra.Command {
	var osName string
	var issues string
	var page int
	var size int

	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"ls"},
		Short:   "List machines with their compliance status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := machine.ParseFilter(osName, issues)
			if err != nil {
				return err
			}
			if !table.ValidPageSize(size) {
				return fmt.Errorf("%w: %d", table.ErrInvalidPageSize, size)
			}
			if page < 1 {
				return fmt.Errorf("page must be 1 or greater, got %d", page)
			}

			src, err := root.openSource(cmd)
			if err != nil {
				return err
			}
			machines, err := src.ListMachines(cmd.Context())
			if err != nil {
				return err
			}

			filtered := machine.Apply(machines, filter)
			pg := table.Pagination{Index: page - 1, Size: size}
			view := table.Render(filtered, viewmodels.MachineColumns(), pg, machine.Machine.Key, "")

			out := cmd.OutOrStdout()
			if len(view.Rows) == 0 {
				fmt.Fprintln(out, "No machines match the current filters.")
				return nil
			}
			writeTable(out, view)
			fmt.Fprintf(out, "\nPage %d of %d (%d of %d machines)\n", view.Number(), view.PageCount, len(filtered), len(machines))
			return nil
		},
	}

	cmd.Flags().StringVar(&osName, "os", "", "Only machines with this OS (Windows, Linux, macOS)")
	cmd.Flags().StringVar(&issues, "issues", "", "true for machines with issues, false for compliant machines")
	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&size, "size", table.DefaultPageSize, "Page size: 5, 10, 20 or 50")
	return cmd
}
