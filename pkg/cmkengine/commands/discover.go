package commands

import (
	"context"
	"fmt"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func init() {
	mode := ""
	all := false
	discoverCmd := &cobra.Command{
		Use:     "discover [flags] [<host>...]",
		Short:   "Discover services and host labels and update the autochecks",
		GroupID: "engine",
		Long: `Run a service discovery on the given hosts and update their autochecks.

Modes:
  new               add new services, keep everything else (default)
  remove            remove vanished services
  fixall            add new and remove vanished services
  refresh           throw away all autochecks and discover from scratch
  only-host-labels  only update the host labels

Examples:

# rediscover all configured hosts
cmkengine discover --all --mode fixall
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			discoveryMode, err := cmkengine.ParseDiscoveryMode(mode)
			if err != nil {
				return err
			}
			eng, err := newEngine()
			if err != nil {
				return err
			}

			hosts := args
			if all {
				hosts = eng.Hosts()
			}
			if len(hosts) == 0 {
				return fmt.Errorf("no hosts given, use --all to discover all hosts")
			}

			var bar *progressbar.ProgressBar
			if len(hosts) > 1 {
				bar = progressbar.NewOptions(len(hosts),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(50),
					progressbar.OptionSetDescription("discovering hosts"),
					progressbar.OptionClearOnFinish(),
				)
			}

			var errs *multierror.Error
			for _, host := range hosts {
				res, err := eng.DiscoverOnHost(context.Background(), host, discoveryMode, nil)
				if bar != nil {
					_ = bar.Add(1)
				}
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", host, err))

					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", host, res.String())
				if res.Diff != "" && engineFlags.Verbose > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Diff)
				}
			}
			if bar != nil {
				_ = bar.Finish()
			}

			return errs.ErrorOrNil()
		},
	}
	discoverCmd.Flags().StringVarP(&mode, "mode", "m", string(cmkengine.DiscoveryModeNew), "discovery mode: new, remove, fixall, refresh, only-host-labels")
	discoverCmd.Flags().BoolVarP(&all, "all", "a", false, "discover all configured hosts")
	rootCmd.AddCommand(discoverCmd)

	discoverMarkedCmd := &cobra.Command{
		Use:     "discover-marked",
		Short:   "Rediscover all hosts marked by the discovery check",
		GroupID: "engine",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			hosts, err := eng.DiscoverMarkedHosts(context.Background())
			for _, host := range hosts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: rediscovered\n", host)
			}

			return err
		},
	}
	rootCmd.AddCommand(discoverMarkedCmd)

	checkDiscoveryCmd := &cobra.Command{
		Use:     "check-discovery <host>",
		Short:   "Check for unmonitored services and vanished host labels",
		GroupID: "engine",
		Long: `Run the Check_MK Discovery service of a host. It reports unmonitored and
vanished services and new host labels and marks the host for automatic
rediscovery if configured.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			res, err := eng.CheckDiscovery(context.Background(), args[0])
			if err != nil {
				return err
			}
			printResult(cmd, res)

			return exitState(res.State)
		},
	}
	rootCmd.AddCommand(checkDiscoveryCmd)
}

// printResult prints a check result in monitoring plugin format.
func printResult(cmd *cobra.Command, res *cmkengine.CheckResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s - %s\n", res.State.String(), res.BuildPluginOutput())
}
