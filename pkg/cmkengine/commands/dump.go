package commands

import (
	"context"
	"fmt"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/spf13/cobra"
)

func init() {
	discoveryMode := false
	dumpCmd := &cobra.Command{
		Use:     "dump <host>",
		Short:   "Fetch the agent data of a host and print it in agent format",
		GroupID: "engine",
		Long: `Fetch all data sources of a host and print the merged sections.
Source errors are printed to stderr.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			hostConf, err := eng.HostConfig(args[0])
			if err != nil {
				return err
			}

			mode := cmkengine.ModeChecking
			if discoveryMode {
				mode = cmkengine.ModeDiscovery
			}
			sections, results := eng.FetchHostSections(context.Background(), hostConf, mode)
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", res.Source, res.Err.Error())
				}
			}

			_, err = cmd.OutOrStdout().Write(sections.AgentOutput())
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}

			if failed == len(results) && failed > 0 {
				return &ExitError{Code: cmkengine.ExitCodeError}
			}

			return nil
		},
	}
	dumpCmd.Flags().BoolVarP(&discoveryMode, "discovery", "", false, "use the discovery cache age instead of the checking one")
	rootCmd.AddCommand(dumpCmd)
}
