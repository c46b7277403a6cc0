package commands

import (
	"context"
	"fmt"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

func init() {
	checkOpts := &cmkengine.CheckOptions{}
	noHostService := false
	checkCmd := &cobra.Command{
		Use:     "check [flags] <host>...",
		Short:   "Check all services of the given hosts and submit the results",
		GroupID: "engine",
		Long: `Fetch the agent data of the given hosts, run all autochecks and manual checks
and submit the results with the configured submission method.

The exit code is the state of the Check_MK service, the worst state if more
than one host is given.

Examples:

# check a host without submitting anything
cmkengine check --dry-run myhost

# only run the df and mem checks
cmkengine check --plugins df,mem myhost
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			checkOpts.SubmitHostService = !noHostService
			checkOpts.Output = cmd.OutOrStdout()

			states := []cmkengine.State{}
			var errs *multierror.Error
			for _, host := range args {
				res, err := eng.CheckHost(context.Background(), host, checkOpts)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", host, err))

					continue
				}
				states = append(states, res.State)
			}
			if err := errs.ErrorOrNil(); err != nil {
				return err
			}

			return exitState(cmkengine.WorstState(states...))
		},
	}
	checkCmd.Flags().StringSliceVarP(&checkOpts.Plugins, "plugins", "", nil, "only run checks of these plugins (comma separated)")
	checkCmd.Flags().BoolVarP(&checkOpts.DryRun, "dry-run", "n", false, "do not submit any results")
	checkCmd.Flags().BoolVarP(&noHostService, "no-host-service", "", false, "do not submit the Check_MK service")
	rootCmd.AddCommand(checkCmd)
}
