package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "cmkengine [global flags] [command]",
	Short: "Discover, check and submit services of monitored hosts.",
	Long: `cmkengine fetches agent data from the monitored hosts, discovers services,
runs the check plugins and submits the results to a Nagios compatible core.
It also contains active checks for mail round trips, BI aggregations and ICMP.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if engineFlags.Version {
			printVersion()

			return &ExitError{Code: cmkengine.ExitCodeOK}
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var engineFlags = &cmkengine.EngineFlags{}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&engineFlags.Help, "help", "h", false, "print help and exit")
	rootCmd.PersistentFlags().BoolVarP(&engineFlags.Version, "version", "V", false, "print version and exit")
	rootCmd.PersistentFlags().StringArrayVarP(&engineFlags.ConfigFiles, "config", "c", []string{}, "path to config file (default is ./cmkengine.ini or /etc/cmkengine/cmkengine.ini) (multiple)")
	rootCmd.PersistentFlags().BoolVarP(&engineFlags.Quiet, "quiet", "q", false, "set loglevel to error")
	rootCmd.PersistentFlags().CountVarP(&engineFlags.Verbose, "verbose", "v", "increase loglevel, -v means debug, -vv means trace")
	rootCmd.PersistentFlags().StringVarP(&engineFlags.LogLevel, "loglevel", "", "info", "set loglevel to one of: off, error, warn, info, debug, trace")
	rootCmd.PersistentFlags().StringVarP(&engineFlags.LogFormat, "logformat", "", "", "override logformat, see https://pkg.go.dev/github.com/kdar/factorlog")
	rootCmd.PersistentFlags().StringVarP(&engineFlags.LogFile, "logfile", "", "", "Path to log file or stdout/stderr")
	rootCmd.PersistentFlags().StringVarP(&engineFlags.ProfileCPU, "cpuprofile", "", "", "write cpu profile to `file")
	rootCmd.PersistentFlags().IntVarP(&engineFlags.DeadlockTimeout, "debug-deadlock", "", 0, "enable deadlock detection with given timeout")
	rootCmd.PersistentFlags().BoolVarP(&engineFlags.NoCache, "no-cache", "", false, "always fetch fresh agent data, ignore cache files")

	rootCmd.DisableAutoGenTag = true
	rootCmd.DisableSuggestions = true

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.Flags().SortFlags = false

	rootCmd.AddGroup(&cobra.Group{ID: "engine", Title: "Engine commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "active", Title: "Active checks:"})
	rootCmd.AddGroup(&cobra.Group{ID: "daemon", Title: "Server commands:"})
	rootCmd.SetUsageTemplate(usageTemplate)
}

// ExitError ends the program with the given exit code. The output has
// already been printed when it is returned.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// exitState converts a monitoring state into the plugin exit code.
func exitState(state cmkengine.State) error {
	if state == cmkengine.StateOK {
		return nil
	}

	return &ExitError{Code: int(state)}
}

// Execute runs the command line and returns the exit code.
func Execute() int {
	sanitizeOSArgs()
	rootCmd.SetArgs(os.Args[1:])

	return exitCode(rootCmd.Execute())
}

func exitCode(err error) int {
	if err == nil {
		return cmkengine.ExitCodeOK
	}

	exitErr := &ExitError{}
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())

	return cmkengine.ExitCodeUnknown
}

func newEngine() (*cmkengine.Engine, error) {
	return cmkengine.NewEngine(engineFlags)
}

func printVersion() {
	cmkengine.PrintVersion(os.Stdout)
}

func sanitizeOSArgs() {
	// sanitize some args
	replace := map[string]string{}
	rootCmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name != "" {
			replace["-"+f.Name] = "--" + f.Name
		}
	})
	for _, c := range rootCmd.Commands() {
		c.LocalFlags().VisitAll(func(f *pflag.Flag) {
			if f.Name != "" {
				replace["-"+f.Name] = "--" + f.Name
			}
		})
	}
	for i, a := range os.Args {
		if i == 0 {
			continue
		}
		if r, ok := replace[a]; ok {
			os.Args[i] = r
		}
		for n, r := range replace {
			if strings.HasPrefix(a, n+"=") {
				os.Args[i] = r + "=" + strings.TrimPrefix(os.Args[i], n+"=")
			}
		}
	}
}

var usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
