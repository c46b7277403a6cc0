// Package livestatus implements a small client for the livestatus protocol
// spoken by Naemon, Nagios and the Checkmk micro core.
package livestatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is used when the context carries no deadline.
const DefaultTimeout = 10 * time.Second

// Client talks to a livestatus socket. Addresses containing a colon are
// treated as tcp addresses, everything else as unix socket path.
type Client struct {
	Address string
}

// NewClient creates a new livestatus client.
func NewClient(address string) *Client {
	return &Client{Address: address}
}

func (c *Client) network() string {
	if strings.Contains(c.Address, ":") && !strings.HasPrefix(c.Address, "/") {
		return "tcp"
	}

	return "unix"
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return nil, fmt.Errorf("deadline exceeded")
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, c.network(), c.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Address, err)
	}

	err = conn.SetDeadline(deadline)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("conn.SetDeadline: %w", err)
	}

	return conn, nil
}

// Query sends a GET query and returns the result rows.
func (c *Client) Query(ctx context.Context, query string) ([][]interface{}, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query = strings.TrimSpace(query)
	query += "\nResponseHeader: fixed16\nOutputFormat: json"
	_, err = fmt.Fprintf(conn, "%s\n\n", query)
	if err != nil {
		return nil, fmt.Errorf("socket error: %w", err)
	}

	header := new(bytes.Buffer)
	_, err = io.CopyN(header, conn, 16)
	resBytes := header.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	head := bytes.SplitN(bytes.TrimSpace(resBytes), []byte(" "), 2)
	if len(head) < 2 {
		return nil, fmt.Errorf("response error in livestatus header: %s", resBytes)
	}
	status, err := strconv.Atoi(string(head[0]))
	if err != nil {
		return nil, fmt.Errorf("response error in livestatus header: %s", resBytes)
	}
	expSize, err := strconv.ParseInt(string(bytes.TrimSpace(head[1])), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("response error in livestatus header: %s", resBytes)
	}

	body := new(bytes.Buffer)
	_, err = io.CopyN(body, conn, expSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("io.CopyN: %w", err)
	}

	if status != 200 {
		return nil, fmt.Errorf("livestatus error %d: %s", status, strings.TrimSpace(body.String()))
	}

	data := make([][]interface{}, 0)
	err = json.Unmarshal(body.Bytes(), &data)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	return data, nil
}

// Command sends an external command. The timestamp prefix is added automatically.
func (c *Client) Command(ctx context.Context, command string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s\n\n", FormatCommand(time.Now(), command))
	if err != nil {
		return fmt.Errorf("socket error: %w", err)
	}

	return nil
}

// FormatCommand returns the livestatus command line: COMMAND [ts] cmd
func FormatCommand(now time.Time, command string) string {
	return fmt.Sprintf("COMMAND [%d] %s", now.Unix(), command)
}

// ScheduleForcedServiceCheck returns the external command to force a service check now.
func ScheduleForcedServiceCheck(now time.Time, host, service string) string {
	return fmt.Sprintf("SCHEDULE_FORCED_SVC_CHECK;%s;%s;%d", host, service, now.Unix())
}

// ProcessServiceCheckResult returns the external command to submit a passive service result.
func ProcessServiceCheckResult(host, service string, state int64, output string) string {
	return fmt.Sprintf("PROCESS_SERVICE_CHECK_RESULT;%s;%s;%d;%s", host, service, state, strings.ReplaceAll(output, "\n", `\n`))
}
