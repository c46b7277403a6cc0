package cmkengine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serviceTransitions(services []*DiscoveredService) map[string]Transition {
	res := map[string]Transition{}
	for _, entry := range services {
		res[entry.Service.Description] = entry.Transition
	}

	return res
}

// replaceAgentOutput changes the data returned by the program source of testhost.
func replaceAgentOutput(t *testing.T, eng *Engine, output string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(eng.Settings.VarDir, "agent.txt"), []byte(output), 0o600))
}

func TestDiscoverServices(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/hosts/testhost/ignored services]
uptime = ^Uptime$

[/hosts/testhost/manual checks]
df:/ = levels: [50, 60]

[/hosts/testhost/active checks]
HTTP = check_http -H localhost
`)

	discovery, err := eng.DiscoverServices(context.Background(), "testhost")
	require.NoError(t, err)

	assert.Equalf(t, map[string]Transition{
		"CPU load":       TransitionNew,
		"Check_MK Agent": TransitionNew,
		"Filesystem /":   TransitionManual,
		"HTTP":           TransitionActive,
		"Memory":         TransitionNew,
		"My Service":     TransitionNew,
		"Uptime":         TransitionIgnored,
	}, serviceTransitions(discovery.Services), "service transitions")

	descriptions := []string{}
	for _, entry := range discovery.Services {
		descriptions = append(descriptions, entry.Service.Description)
	}
	assert.IsIncreasingf(t, descriptions, "services are sorted by description")

	for _, entry := range discovery.Services {
		if entry.Transition == TransitionActive {
			assert.Equalf(t, "active", entry.Service.Plugin, "active checks use the active plugin")
			assert.Equalf(t, "check_http -H localhost", entry.Service.Parameters["command_line"], "command line")
		}
	}

	require.Containsf(t, discovery.NewHostLabels, "cmk/os_family", "new host label")
	assert.Equalf(t, "linux", discovery.NewHostLabels["cmk/os_family"].Value, "os family")
	assert.Equalf(t, "check_mk", discovery.NewHostLabels["cmk/os_family"].Plugin, "label plugin")

	_, err = eng.DiscoverServices(context.Background(), "nohost")
	assert.ErrorIsf(t, err, ErrUnknownHost, "unknown host")
}

func TestDiscoverOnHost(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	ctx := context.Background()

	result, err := eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)
	assert.Equalf(t, 6, result.SelfNew, "new services")
	assert.Equalf(t, 6, result.SelfTotal, "total services")
	assert.Equalf(t, 1, result.SelfNewHostLabels, "new host labels")
	assert.Containsf(t, result.Diff, "added service: Memory", "diff text")
	assert.Containsf(t, result.Diff, "added host label: cmk/os_family:linux", "diff text labels")

	autochecks, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	assert.Lenf(t, autochecks, 6, "autochecks written")

	result, err = eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)
	assert.Equalf(t, 0, result.SelfNew, "nothing new")
	assert.Equalf(t, 6, result.SelfKept, "everything kept")
	assert.Equalf(t, "Nothing was changed.", result.Diff, "no changes")

	// memory vanishes from the agent output
	replaceAgentOutput(t, eng, strings.Replace(testAgentOutput, "<<<mem>>>\nMemTotal: 16000000 kB\n", "<<<mem>>>\n", 1))

	result, err = eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)
	assert.Equalf(t, 0, result.SelfRemoved, "new mode keeps vanished services")
	assert.Equalf(t, 6, result.SelfTotal, "all services kept")

	result, err = eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeRemove, nil)
	require.NoError(t, err)
	assert.Equalf(t, 1, result.SelfRemoved, "remove mode drops vanished services")
	assert.Equalf(t, 5, result.SelfTotal, "remaining services")
	assert.Containsf(t, result.Diff, "removed service: Memory", "diff text")

	result, err = eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeRefresh, nil)
	require.NoError(t, err)
	assert.Equalf(t, 5, result.SelfNew, "refresh rediscovers everything")
	assert.Equalf(t, 5, result.SelfRemoved, "refresh counts the dropped autochecks")
	assert.Equalf(t, 0, result.SelfKept, "refresh keeps nothing")
	assert.Equalf(t, 5, result.SelfTotal, "refresh total")
}

func TestDiscoverOnHostRefreshCountsRemoved(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	ctx := context.Background()

	_, err := eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)

	result, err := eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeRefresh, nil)
	require.NoError(t, err)
	assert.Equalf(t, "6 new, 6 removed, 0 kept, 6 total services and 0 new, 1 total host labels", result.String(), "refresh counts")

	autochecks, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	assert.Lenf(t, autochecks, 6, "autochecks written again")
}

func TestDiscoverOnHostFilters(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	filters, err := NewServiceFilter([]string{"Filesystem", "Memory"}, []string{"Filesystem /boot"})
	require.NoError(t, err)
	result, err := eng.DiscoverOnHost(context.Background(), "testhost", DiscoveryModeNew, &ServiceFilters{New: filters, Vanished: filters})
	require.NoError(t, err)
	assert.Equalf(t, 2, result.SelfNew, "only whitelisted services are added")

	autochecks, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	plugins := []string{}
	for _, svc := range autochecks {
		plugins = append(plugins, svc.Plugin)
	}
	assert.Equalf(t, []string{"df", "mem"}, plugins, "filtered autochecks")
}

func TestDiscoverOnlyHostLabels(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	result, err := eng.DiscoverOnHost(context.Background(), "testhost", DiscoveryModeOnlyHostLabels, nil)
	require.NoError(t, err)
	assert.Equalf(t, 0, result.SelfNew, "no services added")
	assert.Equalf(t, 1, result.SelfNewHostLabels, "host labels added")

	autochecks, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	assert.Emptyf(t, autochecks, "autochecks untouched")

	labels, err := eng.ReadDiscoveredHostLabels("testhost")
	require.NoError(t, err)
	assert.Containsf(t, labels, "cmk/os_family", "labels stored")
}

func TestDiscoverIgnoredServices(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "uptime"}}))

	eng.Config.Section("/hosts/testhost/ignored services").Set("up", "^Uptime")
	eng.Config.Section("/hosts/testhost/ignored services").Set("mem", "^Memory")

	result, err := eng.DiscoverOnHost(context.Background(), "testhost", DiscoveryModeFixAll, nil)
	require.NoError(t, err)
	assert.Equalf(t, 4, result.SelfNew, "ignored services are not added")
	assert.Equalf(t, 1, result.SelfKept, "ignored services already in autochecks are kept")
	assert.Equalf(t, 5, result.SelfTotal, "total")
}

func TestDiscoverSourceFailed(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	eng.Config.Section("/hosts/testhost").Set("datasource program", "cat "+filepath.Join(t.TempDir(), "missing"))

	_, err := eng.DiscoverOnHost(context.Background(), "testhost", DiscoveryModeNew, nil)
	assert.ErrorIsf(t, err, ErrSourceFailed, "no data")
	assert.Containsf(t, err.Error(), "[program] datasource program exited with code 1", "error contains source error")
}

func TestCheckPreview(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	services, err := eng.CheckPreview(context.Background(), "testhost")
	require.NoError(t, err)
	require.Lenf(t, services, 6, "all services")

	for _, entry := range services {
		require.NotNilf(t, entry.Result, "%s has a result", entry.Service.Description)
		if entry.Service.Description == "Memory" {
			assert.Equalf(t, StateOK, entry.Result.State, "memory state")
			assert.Containsf(t, entry.Result.Output, "RAM: 50.00%", "memory output")
		}
	}
}

func TestCheckDiscovery(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/discovery]
rediscovery mode = new
`)
	ctx := context.Background()

	res, err := eng.CheckDiscovery(ctx, "testhost")
	require.NoError(t, err)
	assert.Equalf(t, StateWarn, res.State, "unmonitored services warn")
	assert.Equalf(t, "6 unmonitored services (checkmk_agent:1, cpu_loads:1, df:1, local:1, mem:1, uptime:1)(!), "+
		"no vanished services found, 1 new host labels(!), rediscovery scheduled", res.Summary(), "summary")
	assert.Containsf(t, res.Output, "\nunmonitored: mem: Memory\n", "long output")
	assert.Containsf(t, res.Output, "\nnew host label: cmk/os_family:linux", "long output labels")
	assert.FileExistsf(t, eng.RediscoveryFlagPath("testhost"), "rediscovery flag set")

	// marked hosts wait for the group time
	hosts, err := eng.DiscoverMarkedHosts(ctx)
	require.NoError(t, err)
	assert.Emptyf(t, hosts, "flag is too young")

	eng.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	hosts, err = eng.DiscoverMarkedHosts(ctx)
	require.NoError(t, err)
	assert.Equalf(t, []string{"testhost"}, hosts, "marked host rediscovered")
	assert.NoFileExistsf(t, eng.RediscoveryFlagPath("testhost"), "flag removed")

	res, err = eng.CheckDiscovery(ctx, "testhost")
	require.NoError(t, err)
	assert.Equalf(t, StateOK, res.State, "everything monitored")
	assert.Equalf(t, "no unmonitored services found, no vanished services found, no new host labels", res.Output, "output")
}

func TestCheckDiscoveryVanished(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/discovery]
severity vanished = 2
`)
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "df", Item: "/data"}}))

	res, err := eng.CheckDiscovery(context.Background(), "testhost")
	require.NoError(t, err)
	assert.Equalf(t, StateCrit, res.State, "vanished severity")
	assert.Containsf(t, res.Summary(), "1 vanished services (df:1)(!!)", "vanished text")
	assert.NoFileExistsf(t, eng.RediscoveryFlagPath("testhost"), "no rediscovery without mode")
}

func TestCheckDiscoveryVanishedRediscovery(t *testing.T) {
	for _, tst := range []struct {
		mode   string
		expect bool
	}{
		{"new", false},
		{"remove", true},
		{"fixall", true},
		{"refresh", true},
	} {
		eng := newTestEngine(t, testAgentOutput, "\n[/settings/discovery]\nrediscovery mode = "+tst.mode+"\n")
		ctx := context.Background()
		_, err := eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
		require.NoError(t, err)
		autochecks, err := eng.ReadAutochecks("testhost")
		require.NoError(t, err)
		require.NoError(t, eng.WriteAutochecks("testhost", append(autochecks, &Service{Plugin: "df", Item: "/data"})))

		res, err := eng.CheckDiscovery(ctx, "testhost")
		require.NoError(t, err)
		assert.Containsf(t, res.Summary(), "1 vanished services (df:1)", "vanished service in mode %s", tst.mode)
		if tst.expect {
			assert.FileExistsf(t, eng.RediscoveryFlagPath("testhost"), "mode %s rediscovers vanished services", tst.mode)
			assert.Containsf(t, res.Summary(), "rediscovery scheduled", "mode %s", tst.mode)
		} else {
			assert.NoFileExistsf(t, eng.RediscoveryFlagPath("testhost"), "mode %s keeps vanished services", tst.mode)
		}
	}
}

func TestCheckDiscoveryIgnoredServices(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	eng.Config.Section("/hosts/testhost/ignored services").Set("mem", "^Memory")

	res, err := eng.CheckDiscovery(context.Background(), "testhost")
	require.NoError(t, err)
	assert.Containsf(t, res.Output, "\nignored: mem: Memory", "ignored services in long output")
	assert.NotContainsf(t, res.Output, "unmonitored: mem: Memory", "ignored services are not unmonitored")
	assert.Containsf(t, res.Summary(), "5 unmonitored services", "ignored service not counted")
}

func TestCheckDiscoverySourceState(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "expected agent version = 2.3.0\n")
	ctx := context.Background()
	_, err := eng.DiscoverOnHost(ctx, "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)

	res, err := eng.CheckDiscovery(ctx, "testhost")
	require.NoError(t, err)
	assert.Equalf(t, StateWarn, res.State, "source state escalates the discovery check")
	assert.Equalf(t, "no unmonitored services found, no vanished services found, no new host labels, "+
		"[program] Version: 2.2.0p1, OS: linux, unexpected agent version 2.2.0p1 (should be 2.3.0)(!)", res.Output, "source text appended")
}

func TestCheckDiscoverySourceFailed(t *testing.T) {
	eng := newTestEngine(t, "", "")

	res, err := eng.CheckDiscovery(context.Background(), "testhost")
	require.NoErrorf(t, err, "source errors are reported as result")
	assert.Equalf(t, StateCrit, res.State, "connection state from exit spec")
	assert.Containsf(t, res.Output, "empty output from agent", "error text")
}

func TestDiscoverMarkedHostsExcludedTime(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/discovery]
excluded time = 00:00-24:00
group time = 0
`)
	require.NoError(t, eng.setRediscoveryFlag("testhost"))
	require.NoErrorf(t, eng.setRediscoveryFlag("testhost"), "setting the flag twice is fine")

	hosts, err := eng.DiscoverMarkedHosts(context.Background())
	require.NoError(t, err)
	assert.Emptyf(t, hosts, "nothing happens during excluded times")
	assert.FileExistsf(t, eng.RediscoveryFlagPath("testhost"), "flag kept")
}

func TestDiscoverMarkedUnknownHost(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	eng.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	require.NoError(t, eng.setRediscoveryFlag("removedhost"))

	hosts, err := eng.DiscoverMarkedHosts(context.Background())
	require.NoError(t, err)
	assert.Equalf(t, []string{"removedhost"}, hosts, "flag processed")
	assert.NoFileExistsf(t, eng.RediscoveryFlagPath("removedhost"), "flag of unknown host removed")
}

// startFakeCore answers livestatus queries with body and collects all requests.
func startFakeCore(t *testing.T, body string) (string, chan string) {
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
			if len(lines) > 0 {
				requests <- lines[0]
				if strings.HasPrefix(lines[0], "GET") {
					fmt.Fprintf(conn, "%3d %11d\n%s", 200, len(body), body)
				}
			}
			conn.Close()
		}
	}()

	return socket, requests
}

func TestDiscoverMarkedHostsState(t *testing.T) {
	for _, tst := range []struct {
		name      string
		states    string
		processed []string
	}{
		{"host down", `[["testhost",1],["removedhost",0]]`, []string{"removedhost"}},
		{"host unknown to core", `[["otherhost",0]]`, []string{"removedhost"}},
		{"host up", `[["testhost",0]]`, []string{"removedhost", "testhost"}},
		{"no states", `[]`, []string{"removedhost", "testhost"}},
	} {
		eng := newTestEngine(t, testAgentOutput, "")
		socket, requests := startFakeCore(t, tst.states)
		eng.Settings.LivestatusSocket = socket
		eng.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
		require.NoError(t, eng.setRediscoveryFlag("testhost"))
		require.NoError(t, eng.setRediscoveryFlag("removedhost"))

		hosts, err := eng.DiscoverMarkedHosts(context.Background())
		require.NoErrorf(t, err, "discover marked: %s", tst.name)
		assert.Equalf(t, tst.processed, hosts, "processed hosts: %s", tst.name)
		assert.Equalf(t, "GET hosts", <-requests, "host states queried: %s", tst.name)
		assert.NoFileExistsf(t, eng.RediscoveryFlagPath("removedhost"), "flag of unknown host removed: %s", tst.name)
		if slices.Contains(tst.processed, "testhost") {
			assert.NoFileExistsf(t, eng.RediscoveryFlagPath("testhost"), "flag removed: %s", tst.name)
			assert.Containsf(t, <-requests, "SCHEDULE_FORCED_SVC_CHECK;testhost;Check_MK Discovery;", "discovery check scheduled: %s", tst.name)
		} else {
			assert.FileExistsf(t, eng.RediscoveryFlagPath("testhost"), "flag kept while host is not up: %s", tst.name)
		}
	}
}

func TestHostIsUp(t *testing.T) {
	assert.Truef(t, hostIsUp(nil, "a"), "no state information")
	assert.Truef(t, hostIsUp(map[string]int{"a": 0}, "a"), "up")
	assert.Falsef(t, hostIsUp(map[string]int{"a": 1}, "a"), "down")
	assert.Falsef(t, hostIsUp(map[string]int{"a": 0}, "b"), "unknown to the core")
}
