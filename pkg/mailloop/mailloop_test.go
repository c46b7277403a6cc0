package mailloop

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []*Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)

	return nil
}

type fakeMailbox struct {
	mails    []ReceivedMail
	fetchErr error
	deleted  []uint32
	closed   bool
}

func (f *fakeMailbox) Fetch(_ context.Context, _ string) ([]ReceivedMail, error) {
	return f.mails, f.fetchErr
}

func (f *fakeMailbox) Delete(_ context.Context, ids []uint32) error {
	f.deleted = append(f.deleted, ids...)

	return nil
}

func (f *fakeMailbox) Close() error {
	f.closed = true

	return nil
}

func newTestCheck(t *testing.T, expected map[string]int64) (*Check, *fakeSender, *fakeMailbox) {
	t.Helper()
	conf := Config{
		SMTP:           ServerConfig{Host: "mail.example.com"},
		From:           "monitoring@example.com",
		To:             "loop@example.com",
		Warning:        60 * time.Second,
		Critical:       600 * time.Second,
		DeleteMessages: true,
		StatusFile:     filepath.Join(t.TempDir(), "mailloop", "status.yml"),
	}
	conf.SetDefaults()
	require.NoError(t, conf.Validate())

	if expected != nil {
		require.NoError(t, (&Status{Expected: expected}).Save(conf.StatusFile))
	}

	sender := &fakeSender{}
	mailbox := &fakeMailbox{}
	check := &Check{Config: conf, Sender: sender, Mailbox: mailbox, newKey: func() string { return "newkey" }}

	return check, sender, mailbox
}

func TestCheckRun(t *testing.T) {
	check, sender, mailbox := newTestCheck(t, map[string]int64{
		"1000 a":    1000,
		"1100 b":    1100,
		"500 lost":  500,
		"4900 wait": 4900,
	})
	mailbox.mails = []ReceivedMail{
		{ID: 1, Subject: "Checkmk-Mail-Loop 1000 a", Received: time.Unix(1030, 0)},
		{ID: 2, Subject: "Checkmk-Mail-Loop 1100 b", Received: time.Unix(1200, 0)},
		{ID: 3, Subject: "Checkmk-Mail-Loop 1 foreign", Received: time.Unix(1200, 0)},
		{ID: 4, Subject: "Re: something else", Received: time.Unix(1200, 0)},
	}

	res := check.Run(context.Background(), time.Unix(5000, 0))
	assert.Equalf(t, cmkengine.StateCrit, res.State, "lost mail is critical")
	assert.Equalf(t, "2 mails received within 100 seconds (warn/crit at 60s/600s)(!), Lost: 1 (Did not arrive within 600 seconds)(!!)", res.Output, "output")
	assert.Equalf(t, []string{"duration=100s;60;600;;"}, res.PerfTexts(), "perfdata")
	assert.Equalf(t, []uint32{1, 2, 3}, mailbox.deleted, "loop mails deleted")
	assert.Truef(t, mailbox.closed, "mailbox closed")

	require.Lenf(t, sender.sent, 1, "new mail sent")
	assert.Equalf(t, "Checkmk-Mail-Loop 5000 newkey", sender.sent[0].Subject, "subject")
	assert.Equalf(t, "loop@example.com", sender.sent[0].To, "recipient")

	status, err := ReadStatus(check.Config.StatusFile)
	require.NoError(t, err)
	assert.Equalf(t, map[string]int64{"4900 wait": 4900, "5000 newkey": 5000}, status.Expected, "pending mails")
}

func TestCheckRunStates(t *testing.T) {
	tests := []struct {
		name     string
		received time.Time
		state    cmkengine.State
		output   string
	}{
		{"fast", time.Unix(1010, 0), cmkengine.StateOK, "Mail received within 10 seconds"},
		{"slow", time.Unix(1090, 0), cmkengine.StateWarn, "Mail received within 90 seconds (warn/crit at 60s/600s)(!)"},
		{"very slow", time.Unix(1700, 0), cmkengine.StateCrit, "Mail received within 700 seconds (warn/crit at 60s/600s)(!!)"},
		{"clock skew", time.Unix(990, 0), cmkengine.StateOK, "Mail received within 0 seconds"},
	}

	for _, tst := range tests {
		check, _, mailbox := newTestCheck(t, map[string]int64{"1000 x": 1000})
		mailbox.mails = []ReceivedMail{{ID: 7, Subject: "Checkmk-Mail-Loop 1000 x", Received: tst.received}}

		res := check.Run(context.Background(), time.Unix(1800, 0))
		assert.Equalf(t, tst.state, res.State, "state: %s", tst.name)
		assert.Equalf(t, tst.output, res.Output, "output: %s", tst.name)
	}
}

func TestCheckRunNoMail(t *testing.T) {
	check, sender, mailbox := newTestCheck(t, nil)
	check.Config.DeleteMessages = false

	res := check.Run(context.Background(), time.Unix(1000, 0))
	assert.Equalf(t, cmkengine.StateOK, res.State, "state")
	assert.Equalf(t, "Did not receive any new mail", res.Output, "output")
	assert.Emptyf(t, res.Metrics, "no duration without mails")
	assert.Lenf(t, sender.sent, 1, "mail sent")
	assert.Emptyf(t, mailbox.deleted, "nothing deleted")
}

func TestCheckRunErrors(t *testing.T) {
	check, sender, _ := newTestCheck(t, nil)
	sender.err = fmt.Errorf("connection refused")

	res := check.Run(context.Background(), time.Unix(1000, 0))
	assert.Equalf(t, cmkengine.StateCrit, res.State, "send failure")
	assert.Equalf(t, "Failed to send mail: connection refused(!!), Did not receive any new mail", res.Output, "output")
	status, err := ReadStatus(check.Config.StatusFile)
	require.NoError(t, err)
	assert.Emptyf(t, status.Expected, "unsent mail is not expected")

	check, sender, mailbox := newTestCheck(t, nil)
	mailbox.fetchErr = fmt.Errorf("login failed")
	res = check.Run(context.Background(), time.Unix(1000, 0))
	assert.Equalf(t, cmkengine.StateUnknown, res.State, "fetch failure")
	assert.Equalf(t, "Failed to fetch mails: login failed", res.Output, "output")
	assert.Emptyf(t, sender.sent, "no mail sent after fetch failure")
	assert.Truef(t, mailbox.closed, "mailbox closed")
}

func TestConfig(t *testing.T) {
	conf := Config{SMTP: ServerConfig{Host: "mail"}, IMAP: ServerConfig{TLS: true}}
	conf.SetDefaults()
	assert.Equalf(t, DefaultSubjectPrefix, conf.SubjectPrefix, "subject prefix")
	assert.Equalf(t, "INBOX", conf.Folder, "folder")
	assert.Equalf(t, "mail:25", conf.SMTP.Address(), "smtp address")
	assert.Equalf(t, "mail:993", conf.IMAP.Address(), "imaps address")
	assert.Equalf(t, DefaultConnectTimeout, conf.ConnectTimeout, "timeout")
	assert.Errorf(t, conf.Validate(), "addresses missing")

	conf.From = "a@example.com"
	conf.To = "b@example.com"
	conf.StatusFile = "/tmp/status"
	require.NoError(t, conf.Validate())
	assert.Equalf(t, DefaultLostAfter, conf.lostAfter(), "lost after default")

	conf.Warning = time.Hour
	conf.Critical = time.Minute
	assert.Errorf(t, conf.Validate(), "warning above critical")
}

func TestMessageBytes(t *testing.T) {
	msg := &Message{
		From:    "a@example.com",
		To:      "b@example.com",
		Subject: "Checkmk-Mail-Loop 1 k",
		Date:    time.Unix(0, 0).UTC(),
		Body:    "hello",
	}
	assert.Equalf(t, "From: a@example.com\r\nTo: b@example.com\r\nSubject: Checkmk-Mail-Loop 1 k\r\n"+
		"Date: Thu, 01 Jan 1970 00:00:00 +0000\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nhello\r\n",
		string(msg.Bytes()), "rfc 5322 message")
}

func TestStatusMissingFile(t *testing.T) {
	status, err := ReadStatus(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Emptyf(t, status.Expected, "empty status")
}
