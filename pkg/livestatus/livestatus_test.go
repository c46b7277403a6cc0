package livestatus

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeLivestatus answers every request with the given status and body
// and sends all received requests into the returned channel.
func startFakeLivestatus(t *testing.T, status int, body string) (string, chan string) {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "live")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	requests := make(chan string, 10)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			reader := bufio.NewReader(conn)
			lines := []string{}
			for {
				line, err := reader.ReadString('\n')
				line = strings.TrimRight(line, "\n")
				if err != nil || line == "" {
					break
				}
				lines = append(lines, line)
			}
			if len(lines) == 0 {
				conn.Close()

				continue
			}
			requests <- strings.Join(lines, "\n")
			if strings.HasPrefix(lines[0], "GET") {
				fmt.Fprintf(conn, "%3d %11d\n%s", status, len(body), body)
			}
			conn.Close()
		}
	}()

	return socket, requests
}

func TestQuery(t *testing.T) {
	socket, requests := startFakeLivestatus(t, 200, `[["localhost",0],["srv1",2]]`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(socket)
	rows, err := client.Query(ctx, "GET hosts\nColumns: name state\n")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "srv1", rows[1][0])
	assert.InDelta(t, 2, rows[1][1], 0)

	req := <-requests
	assert.Contains(t, req, "GET hosts")
	assert.Contains(t, req, "ResponseHeader: fixed16")
	assert.Contains(t, req, "OutputFormat: json")
}

func TestQueryError(t *testing.T) {
	socket, _ := startFakeLivestatus(t, 400, "Invalid GET request, missing newline")

	client := NewClient(socket)
	_, err := client.Query(context.Background(), "GET nothing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "livestatus error 400")
}

func TestCommand(t *testing.T) {
	socket, requests := startFakeLivestatus(t, 200, "")

	client := NewClient(socket)
	now := time.Unix(1700000000, 0)
	err := client.Command(context.Background(), ScheduleForcedServiceCheck(now, "srv1", "Check_MK Discovery"))
	require.NoError(t, err)

	req := <-requests
	assert.Regexp(t, `^COMMAND \[\d+\] SCHEDULE_FORCED_SVC_CHECK;srv1;Check_MK Discovery;1700000000$`, req)
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	assert.Equal(t, "COMMAND [1700000000] X", FormatCommand(now, "X"))
	assert.Equal(t, `PROCESS_SERVICE_CHECK_RESULT;h;Memory;1;line1\nline2`, ProcessServiceCheckResult("h", "Memory", 1, "line1\nline2"))
}
