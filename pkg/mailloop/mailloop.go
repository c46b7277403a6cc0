// Package mailloop implements the mail round trip active check.
//
// Every run sends a mail with a unique subject over SMTP and looks for the
// mails sent by previous runs in an IMAP mailbox. The time between sending and
// receiving is checked against the configured levels.
package mailloop

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/google/uuid"
)

const (
	DefaultSubjectPrefix  = "Checkmk-Mail-Loop"
	DefaultSMTPPort       = 25
	DefaultIMAPPort       = 143
	DefaultIMAPSPort      = 993
	DefaultConnectTimeout = 10 * time.Second
	DefaultFolder         = "INBOX"

	// DefaultLostAfter is used to consider mails lost if no critical duration is set.
	DefaultLostAfter = time.Hour
)

// ServerConfig contains the connection settings of a mail server.
type ServerConfig struct {
	Host               string
	Port               int
	TLS                bool // implicit tls
	StartTLS           bool
	User               string
	Password           string
	InsecureSkipVerify bool
}

// Address returns host:port.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config contains all mail loop settings.
type Config struct {
	SMTP           ServerConfig
	IMAP           ServerConfig
	Folder         string
	From           string
	To             string
	SubjectPrefix  string
	Warning        time.Duration // zero disables
	Critical       time.Duration // zero disables
	ConnectTimeout time.Duration
	DeleteMessages bool
	StatusFile     string
}

// SetDefaults fills in unset values.
func (c *Config) SetDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Folder == "" {
		c.Folder = DefaultFolder
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = DefaultSMTPPort
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = DefaultIMAPPort
		if c.IMAP.TLS {
			c.IMAP.Port = DefaultIMAPSPort
		}
	}
	if c.IMAP.Host == "" {
		c.IMAP.Host = c.SMTP.Host
	}
}

// Validate checks for required settings.
func (c *Config) Validate() error {
	switch {
	case c.SMTP.Host == "":
		return fmt.Errorf("smtp server is required")
	case c.From == "":
		return fmt.Errorf("from address is required")
	case c.To == "":
		return fmt.Errorf("to address is required")
	case c.StatusFile == "":
		return fmt.Errorf("status file is required")
	case c.Warning > 0 && c.Critical > 0 && c.Warning > c.Critical:
		return fmt.Errorf("warning duration must not exceed critical duration")
	}

	return nil
}

func (c *Config) lostAfter() time.Duration {
	if c.Critical > 0 {
		return c.Critical
	}

	return DefaultLostAfter
}

// Message is an outgoing loop mail.
type Message struct {
	From    string
	To      string
	Subject string
	Date    time.Time
	Body    string
}

// Bytes returns the message in RFC 5322 format.
func (m *Message) Bytes() []byte {
	lines := []string{
		"From: " + m.From,
		"To: " + m.To,
		"Subject: " + m.Subject,
		"Date: " + m.Date.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		m.Body,
	}

	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// ReceivedMail is a mail found in the mailbox.
type ReceivedMail struct {
	ID       uint32
	Subject  string
	Received time.Time
}

// Sender delivers loop mails.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Mailbox gives access to the received loop mails.
type Mailbox interface {
	Fetch(ctx context.Context, subjectPrefix string) ([]ReceivedMail, error)
	Delete(ctx context.Context, ids []uint32) error
	Close() error
}

// Check runs the mail loop.
type Check struct {
	Config  Config
	Sender  Sender
	Mailbox Mailbox

	newKey func() string
}

// NewCheck returns a mail loop check using smtp and imap.
func NewCheck(conf Config) (*Check, error) {
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return &Check{
		Config:  conf,
		Sender:  &SMTPSender{Server: conf.SMTP, Timeout: conf.ConnectTimeout},
		Mailbox: &IMAPMailbox{Server: conf.IMAP, Folder: conf.Folder, Timeout: conf.ConnectTimeout},
	}, nil
}

// Run fetches and evaluates the mails from previous runs and sends a new one.
func (c *Check) Run(ctx context.Context, now time.Time) *cmkengine.CheckResult {
	status, err := ReadStatus(c.Config.StatusFile)
	if err != nil {
		return &cmkengine.CheckResult{State: cmkengine.StateUnknown, Output: err.Error()}
	}

	defer func() {
		if err := c.Mailbox.Close(); err != nil {
			cmkengine.LogDebug(fmt.Errorf("mailbox close: %w", err))
		}
	}()

	mails, err := c.Mailbox.Fetch(ctx, c.Config.SubjectPrefix)
	if err != nil {
		return &cmkengine.CheckResult{
			State:  cmkengine.StateUnknown,
			Output: fmt.Sprintf("Failed to fetch mails: %s", err.Error()),
		}
	}

	res, processed := c.evaluate(status, mails, now)

	if c.Config.DeleteMessages && len(processed) > 0 {
		if err := c.Mailbox.Delete(ctx, processed); err != nil {
			res.EscalateStatus(cmkengine.StateWarn)
			res.Output += fmt.Sprintf(", Failed to delete mails: %s%s", err.Error(), cmkengine.StateWarn.Marker())
		}
	}

	msg := c.newMessage(now)
	if err := c.Sender.Send(ctx, msg); err != nil {
		res.EscalateStatus(cmkengine.StateCrit)
		res.Output = fmt.Sprintf("Failed to send mail: %s%s, %s", err.Error(), cmkengine.StateCrit.Marker(), res.Output)
	} else {
		key := strings.TrimPrefix(msg.Subject, c.Config.SubjectPrefix+" ")
		status.Expected[key] = now.Unix()
	}

	if err := status.Save(c.Config.StatusFile); err != nil {
		res.EscalateStatus(cmkengine.StateUnknown)
		res.Output += fmt.Sprintf(", %s%s", err.Error(), cmkengine.StateUnknown.Marker())
	}

	return res
}

func (c *Check) newMessage(now time.Time) *Message {
	key := uuid.NewString()
	if c.newKey != nil {
		key = c.newKey()
	}

	return &Message{
		From:    c.Config.From,
		To:      c.Config.To,
		Subject: fmt.Sprintf("%s %d %s", c.Config.SubjectPrefix, now.Unix(), key),
		Date:    now,
		Body:    "This mail has been sent by the Checkmk mail loop check.",
	}
}

// evaluate matches received mails against the expected ones. Received mails
// are removed from the status, so are lost ones. Returns the ids of all loop
// mails found in the mailbox.
func (c *Check) evaluate(status *Status, mails []ReceivedMail, now time.Time) (res *cmkengine.CheckResult, processed []uint32) {
	res = &cmkengine.CheckResult{State: cmkengine.StateOK}
	pattern := subjectPattern(c.Config.SubjectPrefix)

	var durations []time.Duration
	for _, mail := range mails {
		matches := pattern.FindStringSubmatch(mail.Subject)
		if matches == nil {
			continue
		}
		processed = append(processed, mail.ID)
		key := matches[1] + " " + matches[2]
		sent, ok := status.Expected[key]
		if !ok {
			// sent by another instance or already counted as lost
			continue
		}
		delete(status.Expected, key)
		duration := mail.Received.Sub(time.Unix(sent, 0))
		if duration < 0 {
			duration = 0
		}
		durations = append(durations, duration)
	}

	lost := 0
	for key, sent := range status.Expected {
		if now.Sub(time.Unix(sent, 0)) >= c.Config.lostAfter() {
			lost++
			delete(status.Expected, key)
		}
	}

	texts := []string{}
	if len(durations) == 0 && lost == 0 {
		texts = append(texts, "Did not receive any new mail")
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] > durations[j] })
		worst := durations[0]
		state := c.durationState(worst)
		res.EscalateStatus(state)
		text := fmt.Sprintf("Mail received within %d seconds", int64(worst.Seconds()))
		if len(durations) > 1 {
			text = fmt.Sprintf("%d mails received within %d seconds", len(durations), int64(worst.Seconds()))
		}
		if state != cmkengine.StateOK {
			text += fmt.Sprintf(" (warn/crit at %s/%s)", levelText(c.Config.Warning), levelText(c.Config.Critical))
		}
		texts = append(texts, text+state.Marker())
		res.Metrics = append(res.Metrics, &cmkengine.CheckMetric{
			Name:     "duration",
			Value:    worst.Seconds(),
			Unit:     "s",
			Warning:  levelMetric(c.Config.Warning),
			Critical: levelMetric(c.Config.Critical),
		})
	}

	if lost > 0 {
		res.EscalateStatus(cmkengine.StateCrit)
		texts = append(texts, fmt.Sprintf("Lost: %d (Did not arrive within %d seconds)%s",
			lost, int64(c.Config.lostAfter().Seconds()), cmkengine.StateCrit.Marker()))
	}

	res.Output = strings.Join(texts, ", ")

	return res, processed
}

func (c *Check) durationState(duration time.Duration) cmkengine.State {
	switch {
	case c.Config.Critical > 0 && duration >= c.Config.Critical:
		return cmkengine.StateCrit
	case c.Config.Warning > 0 && duration >= c.Config.Warning:
		return cmkengine.StateWarn
	}

	return cmkengine.StateOK
}

func subjectPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `\s+(\d+)\s+(\S+)\s*$`)
}

func levelText(level time.Duration) string {
	if level <= 0 {
		return "-"
	}

	return strconv.FormatInt(int64(level.Seconds()), 10) + "s"
}

func levelMetric(level time.Duration) *float64 {
	if level <= 0 {
		return nil
	}

	return cmkengine.Float(level.Seconds())
}
