package mailloop

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPSender delivers mails with go-smtp.
type SMTPSender struct {
	Server  ServerConfig
	Timeout time.Duration
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         s.Server.Host,
		InsecureSkipVerify: s.Server.InsecureSkipVerify, //nolint:gosec // opt-in for self signed mail servers
		MinVersion:         tls.VersionTLS12,
	}

	switch {
	case s.Server.TLS:
		return smtp.DialTLS(s.Server.Address(), tlsConfig)
	case s.Server.StartTLS:
		return smtp.DialStartTLS(s.Server.Address(), tlsConfig)
	default:
		return smtp.Dial(s.Server.Address())
	}
}

// Send connects to the smtp server and submits the message.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	client, err := s.dial()
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.Server.Address(), err)
	}
	defer client.Close()

	if s.Timeout > 0 {
		client.CommandTimeout = s.Timeout
		client.SubmissionTimeout = s.Timeout
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if s.Server.User != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.Server.User, s.Server.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(msg.Bytes())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}

	return nil
}
