package commands

import (
	"github.com/spf13/cobra"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the automation server in foreground",
		Long: `Start the automation http(s) server. It also rediscovers the hosts marked
by the discovery check every check interval.
`,
		GroupID: "daemon",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}

			return eng.Serve()
		},
	}
	addDaemonFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the automation server demonized in background",
		Long: `daemon mode starts the automation server in background.
All logs will be written to the configured logfile.
`,
		GroupID: "daemon",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}

			return eng.RunBackground()
		},
	}
	addDaemonFlags(daemonCmd)
	rootCmd.AddCommand(daemonCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			printVersion()
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&engineFlags.Pidfile, "pidfile", "", "", "Path to pid file")
}
