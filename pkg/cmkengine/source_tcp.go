package cmkengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

func init() {
	AvailableSources["tcp"] = func(e *Engine, hostConf *HostConfig) Source {
		return newAgentSource(e, hostConf, "tcp", &TCPFetcher{
			Address:        net.JoinHostPort(hostConf.Address, strconv.FormatInt(e.Settings.AgentPort, 10)),
			ConnectTimeout: e.Settings.ConnectTimeout,
		}, true)
	}
}

// TCPFetcher reads the agent output from the agent port until the agent closes the connection.
type TCPFetcher struct {
	Address        string
	ConnectTimeout time.Duration
}

func (f *TCPFetcher) FetchRaw(ctx context.Context) ([]byte, error) {
	dialer := &net.Dialer{Timeout: f.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", f.Address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %s", err.Error())
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reading from %s: %w", f.Address, ctx.Err())
		}

		return nil, fmt.Errorf("reading from %s: %w", f.Address, err)
	}

	return data, nil
}
