package mailloop

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPMailbox fetches mails with go-imap. The connection is opened on first
// use and kept until Close.
type IMAPMailbox struct {
	Server  ServerConfig
	Folder  string
	Timeout time.Duration

	client *client.Client
}

func (m *IMAPMailbox) connect() (*client.Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	dialer := &net.Dialer{Timeout: m.Timeout}
	tlsConfig := &tls.Config{
		ServerName:         m.Server.Host,
		InsecureSkipVerify: m.Server.InsecureSkipVerify, //nolint:gosec // opt-in for self signed mail servers
		MinVersion:         tls.VersionTLS12,
	}

	var cl *client.Client
	var err error
	if m.Server.TLS {
		cl, err = client.DialWithDialerTLS(dialer, m.Server.Address(), tlsConfig)
	} else {
		cl, err = client.DialWithDialer(dialer, m.Server.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.Server.Address(), err)
	}
	cl.Timeout = m.Timeout
	cl.ErrorLog = cmkengine.NewStandardLog("debug")

	if m.Server.StartTLS && !m.Server.TLS {
		if err := cl.StartTLS(tlsConfig); err != nil {
			cl.Terminate()

			return nil, fmt.Errorf("imap starttls: %w", err)
		}
	}

	if err := cl.Login(m.Server.User, m.Server.Password); err != nil {
		cl.Terminate()

		return nil, fmt.Errorf("imap login: %w", err)
	}

	if _, err := cl.Select(m.Folder, false); err != nil {
		cl.Terminate()

		return nil, fmt.Errorf("select folder %s: %w", m.Folder, err)
	}

	m.client = cl

	return cl, nil
}

// Fetch returns all mails whose subject contains the prefix.
func (m *IMAPMailbox) Fetch(ctx context.Context, subjectPrefix string) ([]ReceivedMail, error) {
	cl, err := m.connect()
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { cl.Terminate() })
	defer stop()

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", subjectPrefix)
	ids, err := cl.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ids...)
	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate}, messages)
	}()

	mails := make([]ReceivedMail, 0, len(ids))
	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		mails = append(mails, ReceivedMail{
			ID:       msg.SeqNum,
			Subject:  strings.TrimSpace(msg.Envelope.Subject),
			Received: msg.InternalDate,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	return mails, nil
}

// Delete flags the mails as deleted and expunges them.
func (m *IMAPMailbox) Delete(ctx context.Context, ids []uint32) error {
	cl, err := m.connect()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { cl.Terminate() })
	defer stop()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ids...)
	flags := []interface{}{imap.DeletedFlag}
	if err := cl.Store(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("imap store: %w", err)
	}

	if err := cl.Expunge(nil); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}

	return nil
}

// Close logs out.
func (m *IMAPMailbox) Close() error {
	if m.client == nil {
		return nil
	}
	cl := m.client
	m.client = nil

	if err := cl.Logout(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}

	return nil
}
