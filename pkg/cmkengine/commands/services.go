package commands

import (
	"context"
	"fmt"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"github.com/spf13/cobra"
)

type serviceRow struct {
	Transition  string
	Description string
	Plugin      string
	Item        string
	State       string
	Summary     string
}

func init() {
	servicesCmd := &cobra.Command{
		Use:     "services <host>",
		Short:   "List the discovered services of a host together with their current state",
		GroupID: "engine",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			services, err := eng.CheckPreview(context.Background(), args[0])
			if err != nil {
				return err
			}

			table, err := utils.ASCIITable(serviceTableHeader(), serviceRows(services), true)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), table)

			return nil
		},
	}
	rootCmd.AddCommand(servicesCmd)
}

func serviceTableHeader() []utils.ASCIITableHeader {
	return []utils.ASCIITableHeader{
		{Name: "Type", Field: "Transition"},
		{Name: "Service", Field: "Description"},
		{Name: "Plugin", Field: "Plugin"},
		{Name: "Item", Field: "Item"},
		{Name: "State", Field: "State", Centered: true},
		{Name: "Summary", Field: "Summary"},
	}
}

func serviceRows(services []*cmkengine.DiscoveredService) []serviceRow {
	rows := make([]serviceRow, 0, len(services))
	for _, entry := range services {
		row := serviceRow{
			Transition:  string(entry.Transition),
			Description: entry.Service.Description,
			Plugin:      entry.Service.Plugin,
			Item:        entry.Service.Item,
		}
		if entry.Result != nil {
			row.State = entry.Result.State.String()
			row.Summary = entry.Result.Summary()
		}
		rows = append(rows, row)
	}

	return rows
}
