package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/bicheck"
	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/consol-monitoring/cmkengine/pkg/icmpcheck"
	"github.com/consol-monitoring/cmkengine/pkg/mailloop"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMailLoopCmd())
	rootCmd.AddCommand(newBICmd())
	rootCmd.AddCommand(newICMPCmd())
}

func newMailLoopCmd() *cobra.Command {
	conf := &mailloop.Config{}
	smtpPassword := ""
	imapPassword := ""
	cmd := &cobra.Command{
		Use:     "mail-loop",
		Short:   "Send a mail and check the round trip time of previously sent ones",
		GroupID: "active",
		Long: `Each run sends a mail over SMTP and checks the mailbox for the mails
sent by previous runs. The duration between sending and receiving is checked
against --warning and --critical. Mails not received within the critical
duration (1h if unset) are reported as lost.

Examples:

cmkengine mail-loop --smtp-server mail.example.com --imap-server imap.example.com \
    --imap-user loop --imap-password env:LOOP_PASSWORD \
    --from monitoring@example.com --to loop@example.com \
    --warning 5m --critical 15m --delete-messages
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf.SMTP.Password = string(secret(smtpPassword))
			conf.IMAP.Password = string(secret(imapPassword))
			if conf.StatusFile == "" {
				conf.StatusFile = filepath.Join(os.TempDir(), fmt.Sprintf("cmkengine-mail-loop-%s.yml", conf.To))
			}
			check, err := mailloop.NewCheck(*conf)
			if err != nil {
				return err
			}

			return printActiveResult(cmd, check.Run(context.Background(), time.Now()))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&conf.SMTP.Host, "smtp-server", "", "", "smtp server")
	flags.IntVarP(&conf.SMTP.Port, "smtp-port", "", mailloop.DefaultSMTPPort, "smtp port")
	flags.BoolVarP(&conf.SMTP.TLS, "smtp-tls", "", false, "use implicit tls for smtp")
	flags.BoolVarP(&conf.SMTP.StartTLS, "smtp-starttls", "", false, "use starttls for smtp")
	flags.StringVarP(&conf.SMTP.User, "smtp-user", "", "", "smtp username")
	flags.StringVarP(&smtpPassword, "smtp-password", "", "", "smtp password, prefix with env: to read an environment variable")
	flags.StringVarP(&conf.IMAP.Host, "imap-server", "", "", "imap server (default is the smtp server)")
	flags.IntVarP(&conf.IMAP.Port, "imap-port", "", 0, "imap port (default 143 or 993 with --imap-tls)")
	flags.BoolVarP(&conf.IMAP.TLS, "imap-tls", "", false, "use implicit tls for imap")
	flags.BoolVarP(&conf.IMAP.StartTLS, "imap-starttls", "", false, "use starttls for imap")
	flags.StringVarP(&conf.IMAP.User, "imap-user", "", "", "imap username")
	flags.StringVarP(&imapPassword, "imap-password", "", "", "imap password, prefix with env: to read an environment variable")
	flags.StringVarP(&conf.Folder, "folder", "", mailloop.DefaultFolder, "imap folder to look for mails")
	flags.StringVarP(&conf.From, "from", "", "", "sender address")
	flags.StringVarP(&conf.To, "to", "", "", "recipient address")
	flags.StringVarP(&conf.SubjectPrefix, "subject", "", mailloop.DefaultSubjectPrefix, "subject prefix")
	flags.DurationVarP(&conf.Warning, "warning", "", 0, "warning duration")
	flags.DurationVarP(&conf.Critical, "critical", "", 0, "critical duration, also used to detect lost mails")
	flags.DurationVarP(&conf.ConnectTimeout, "connect-timeout", "t", mailloop.DefaultConnectTimeout, "connect timeout")
	flags.BoolVarP(&conf.DeleteMessages, "delete-messages", "", false, "delete processed mails")
	flags.StringVarP(&conf.StatusFile, "status-file", "", "", "file to keep track of sent mails")

	return cmd
}

func newBICmd() *cobra.Command {
	opts := &bicheck.Options{}
	inDowntime := ""
	acknowledged := ""
	livestatusSocket := ""
	cmd := &cobra.Command{
		Use:     "bi",
		Short:   "Check the state of a BI aggregation",
		GroupID: "active",
		Long: `Query the state of a BI aggregation with the REST api of a site.

Examples:

cmkengine bi --site-url https://monitoring.example.com/mysite --aggregation "Web Shop" \
    --user automation --secret env:AUTOMATION_SECRET --in-downtime ok
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.InDowntime, err = bicheck.ParseOverride(inDowntime); err != nil {
				return err
			}
			if opts.Acknowledged, err = bicheck.ParseOverride(acknowledged); err != nil {
				return err
			}
			opts.Secret = string(secret(opts.Secret))
			if opts.TrackDowntimes {
				if livestatusSocket == "" {
					eng, err := newEngine()
					if err != nil {
						return err
					}
					livestatusSocket = eng.Settings.LivestatusSocket
				}
				opts.Downtimes = bicheck.NewLivestatusDowntimes(livestatusSocket, opts.User)
			}
			check, err := bicheck.NewCheck(*opts)
			if err != nil {
				return err
			}

			return printActiveResult(cmd, check.Run(context.Background()))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.SiteURL, "site-url", "b", "", "base url of the site, ex.: https://monitoring/mysite")
	flags.StringVarP(&opts.Aggregation, "aggregation", "a", "", "name of the aggregation")
	flags.StringVarP(&opts.User, "user", "u", "", "automation user")
	flags.StringVarP(&opts.Secret, "secret", "s", "", "automation secret, prefix with env: to read an environment variable")
	flags.StringVarP(&inDowntime, "in-downtime", "n", "", "state while in downtime: ok or warn")
	flags.StringVarP(&acknowledged, "acknowledged", "", "", "state while acknowledged: ok or warn")
	flags.DurationVarP(&opts.Timeout, "timeout", "t", bicheck.DefaultTimeout, "request timeout")
	flags.BoolVarP(&opts.Insecure, "insecure", "k", false, "skip certificate verification")
	flags.BoolVarP(&opts.TrackDowntimes, "track-downtimes", "r", false, "set a host downtime while the aggregation is in downtime")
	flags.StringVarP(&opts.Hostname, "hostname", "H", "", "host for tracked downtimes")
	flags.StringVarP(&livestatusSocket, "livestatus", "", "", "livestatus socket for tracked downtimes (default from config)")

	return cmd
}

func newICMPCmd() *cobra.Command {
	opts := &icmpcheck.Options{}
	rta := ""
	loss := ""
	cmd := &cobra.Command{
		Use:     "icmp <host>",
		Short:   "Ping a host and check round trip time and packet loss",
		GroupID: "active",
		Long: `Send icmp echo requests and check the average round trip time and the
packet loss. Unprivileged mode requires net.ipv4.ping_group_range to include
the user on linux.

Examples:

cmkengine icmp --rta 100ms,300ms --loss 20%,60% myhost
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Host = args[0]
			var err error
			if rta != "" {
				if opts.RTA, err = icmpcheck.ParseLevels(rta); err != nil {
					return fmt.Errorf("--rta: %w", err)
				}
			}
			if loss != "" {
				if opts.Loss, err = icmpcheck.ParseLevels(loss); err != nil {
					return fmt.Errorf("--loss: %w", err)
				}
			}

			return printActiveResult(cmd, icmpcheck.Run(context.Background(), *opts))
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&opts.Count, "packets", "n", icmpcheck.DefaultCount, "number of packets")
	flags.DurationVarP(&opts.Interval, "interval", "i", icmpcheck.DefaultInterval, "interval between packets")
	flags.DurationVarP(&opts.Timeout, "timeout", "t", icmpcheck.DefaultTimeout, "total timeout")
	flags.StringVarP(&rta, "rta", "", "", "warning,critical round trip time levels in ms (default 200,500)")
	flags.StringVarP(&loss, "loss", "", "", "warning,critical packet loss levels in % (default 80,100)")
	flags.BoolVarP(&opts.Privileged, "privileged", "", false, "use raw sockets")

	return cmd
}

func printActiveResult(cmd *cobra.Command, res *cmkengine.CheckResult) error {
	printResult(cmd, res)

	return exitState(res.State)
}
