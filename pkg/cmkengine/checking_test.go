package cmkengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/livestatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// check plugins only used in tests, they have no discovery function
	AvailableChecks["test_crash"] = &CheckPlugin{
		Name:     "test_crash",
		Sections: []string{"uptime"},
		Check: func(_ *CheckContext, _ string, _ Params, _ SectionSet) ([]SubResult, error) {
			panic("something went wrong")
		},
	}
	AvailableChecks["test_counter"] = &CheckPlugin{
		Name:     "test_counter",
		Sections: []string{"uptime"},
		Check: func(cc *CheckContext, _ string, _ Params, sections SectionSet) ([]SubResult, error) {
			uptime, _ := SectionAs[*Uptime](sections, "uptime")
			rate, err := cc.GetRate("uptime", uptime.Seconds)
			if err != nil {
				return nil, err
			}

			return []SubResult{NewResult(StateOK, "rate %.1f", rate)}, nil
		},
	}
	AvailableChecks["test_ignore"] = &CheckPlugin{
		Name:     "test_ignore",
		Sections: []string{"uptime"},
		Check: func(_ *CheckContext, _ string, _ Params, _ SectionSet) ([]SubResult, error) {
			return nil, IgnoreResults("not now")
		},
	}
}

// discoveredTestEngine returns a test engine with all services of testhost in the autochecks.
func discoveredTestEngine(t *testing.T, extraConfig string) *Engine {
	t.Helper()
	eng := newTestEngine(t, testAgentOutput, extraConfig)
	_, err := eng.DiscoverOnHost(context.Background(), "testhost", DiscoveryModeNew, nil)
	require.NoError(t, err)

	return eng
}

func TestCheckHost(t *testing.T) {
	eng := discoveredTestEngine(t, "")
	output := &bytes.Buffer{}

	res, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{
		DryRun:            true,
		SubmitHostService: true,
		Output:            output,
	})
	require.NoError(t, err)
	assert.Equalf(t, StateOK, res.State, "host service state")
	assert.Equalf(t, "[program] Version: 2.2.0p1, OS: linux, execution time 0.0 sec", res.Output, "host service output")
	assert.Equalf(t, []string{"execution_time=0;;;;"}, res.PerfTexts(), "execution time metric")

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	require.Lenf(t, lines, 7, "6 services and the host service")
	assert.Truef(t, strings.HasPrefix(lines[0], "CPU load             OK - 15 min load: 0.30"), "cpu load line")
	assert.Containsf(t, output.String(), "Filesystem /         OK - Used: 60.00% - 586 MiB of 977 MiB", "filesystem line")
	assert.Containsf(t, output.String(), "My Service           OK - everything fine", "local check line")
	assert.Containsf(t, output.String(), "Uptime               OK - Up since ", "uptime line")
	assert.Equalf(t, "Check_MK             OK - "+res.Summary(), lines[6], "host service is last")

	_, err = eng.CheckHost(context.Background(), "unknown", nil)
	assert.ErrorIsf(t, err, ErrUnknownHost, "unknown host")
}

func TestCheckHostPlugins(t *testing.T) {
	eng := discoveredTestEngine(t, "")
	output := &bytes.Buffer{}

	_, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{
		DryRun:  true,
		Plugins: []string{"mem", "df"},
		Output:  output,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	require.Lenf(t, lines, 2, "only selected plugins")
	assert.Truef(t, strings.HasPrefix(lines[0], "Filesystem /"), "filesystem first")
	assert.Truef(t, strings.HasPrefix(lines[1], "Memory"), "memory second")
}

func TestCheckHostMissingData(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{
		{Plugin: "mem"},
		{Plugin: "snmp_info"},
		{Plugin: "not_existing"},
		{Plugin: "df", Item: "/missing"},
	}))
	output := &bytes.Buffer{}

	res, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true, Output: output})
	require.NoError(t, err)
	assert.Equalf(t, StateWarn, res.State, "missing sections warn")
	assert.Containsf(t, res.Output, "Missing monitoring data for check plugins: snmp_info(!)", "missing plugins listed")

	assert.Containsf(t, output.String(), "Filesystem /missing  UNKNOWN - Item not found in monitoring data", "item not found")
	assert.Containsf(t, output.String(), "not_existing         UNKNOWN - Check plugin not implemented", "unknown plugin")
	assert.NotContainsf(t, output.String(), "SNMP Info", "services without data are not submitted")
}

func TestCheckHostNoData(t *testing.T) {
	eng := newTestEngine(t, "<<<unrelated>>>\nfoo\n", "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "mem"}}))

	res, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equalf(t, StateCrit, res.State, "empty output state")
	assert.Containsf(t, res.Output, "Got no information from host(!!)", "no data text")
}

func TestCheckHostSourceError(t *testing.T) {
	eng := newTestEngine(t, "", "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "mem"}}))

	res, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equalf(t, StateCrit, res.State, "empty output state")
	assert.Containsf(t, res.Output, "[program] Empty output from agent(!!)", "source error")
}

func TestCheckHostWrongVersion(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "expected agent version = 2.3.0\n")

	res, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equalf(t, StateWarn, res.State, "wrong version state")
	assert.Containsf(t, res.Output, "unexpected agent version 2.2.0p1 (should be 2.3.0)(!)", "version text")
}

func TestCheckHostCrash(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "test_crash"}}))
	output := &bytes.Buffer{}

	_, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true, Output: output})
	require.NoError(t, err)
	assert.Containsf(t, output.String(), "UNKNOWN - check failed - please submit a crash report! (Crash-ID: ", "crash text")

	matches := regexp.MustCompile(`Crash-ID: ([0-9a-f-]+)\)`).FindStringSubmatch(output.String())
	require.Lenf(t, matches, 2, "crash id found")

	report, err := eng.ReadCrashReport(matches[1])
	require.NoError(t, err)
	assert.Equalf(t, "testhost", report.Host, "host")
	assert.Equalf(t, "test_crash", report.Plugin, "plugin")
	assert.Equalf(t, "something went wrong", report.Error, "error")
	assert.Containsf(t, report.Stack, "goroutine", "stack trace")
	assert.Equalf(t, StringTable{{"86400.50", "1234.00"}}, report.Sections["uptime"], "raw section data")
	assert.Equalf(t, VERSION, report.Version, "version")

	_, err = eng.ReadCrashReport("../../etc/passwd")
	assert.Errorf(t, err, "invalid crash ids are rejected")
}

func TestCheckHostCounters(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "test_counter"}, {Plugin: "test_ignore"}}))
	output := &bytes.Buffer{}

	_, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{DryRun: true, Output: output})
	require.NoError(t, err)
	assert.Emptyf(t, output.String(), "initialized counters and ignored results are not submitted")
	assert.FileExistsf(t, eng.ValueStorePath("testhost"), "counters stored")

	store, err := LoadValueStore(eng.ValueStorePath("testhost"))
	require.NoError(t, err)
	val, ok := store.Get("test_counter.uptime")
	require.Truef(t, ok, "counter value stored")
	assert.InDeltaf(t, 86400.5, val.Value, 0.001, "counter value")
}

func TestGetAggregatedResultParams(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/check parameters/mem]
levels = [10, 20]

[/hosts/testhost/check parameters/df]
levels = [30, 35]
`)
	hostConf, err := eng.HostConfig("testhost")
	require.NoError(t, err)
	data := eng.FetchHostData(context.Background(), hostConf, ModeChecking)
	store, err := LoadValueStore(eng.ValueStorePath("testhost"))
	require.NoError(t, err)

	submit, received, res := eng.GetAggregatedResult(data, &Service{Plugin: "mem"}, store)
	assert.Truef(t, submit, "submit")
	assert.Truef(t, received, "data received")
	assert.Equalf(t, StateCrit, res.State, "global rule applies")
	assert.Containsf(t, res.Output, "RAM: 50.00% - 7.63 GiB of 15.3 GiB (warn/crit at 10.00%/20.00%)(!!)", "levels text")

	_, _, res = eng.GetAggregatedResult(data, &Service{Plugin: "df", Item: "/"}, store)
	assert.Equalf(t, StateCrit, res.State, "host rule applies")

	_, _, res = eng.GetAggregatedResult(data, &Service{Plugin: "df", Item: "/", Parameters: Params{"levels": "a,b"}}, store)
	assert.Equalf(t, StateCrit, res.State, "host rule overrides discovered parameters")

	_, _, res = eng.GetAggregatedResult(data, &Service{Plugin: "cpu_loads", Parameters: Params{"levels": "broken"}}, store)
	assert.Equalf(t, StateUnknown, res.State, "invalid parameters")
	assert.Containsf(t, res.Output, "please submit a crash report", "parameter errors crash the check")

	submit, received, _ = eng.GetAggregatedResult(data, &Service{Plugin: "snmp_info"}, store)
	assert.Falsef(t, submit, "no submit without data")
	assert.Falsef(t, received, "no data")
}

func TestHostServices(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/hosts/testhost/manual checks]
df:/ = levels: [1, 2]
local:Manual = {}

[/hosts/testhost/ignored services]
mem = ^Memory$
`)
	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{{Plugin: "df", Item: "/"}, {Plugin: "mem"}, {Plugin: "uptime"}}))
	hostConf, err := eng.HostConfig("testhost")
	require.NoError(t, err)

	services, err := eng.HostServices(hostConf)
	require.NoError(t, err)

	names := []string{}
	for _, svc := range services {
		names = append(names, fmt.Sprintf("%s=%v", svc.Description, svc.Parameters["levels"]))
	}
	assert.Equalf(t, []string{"Filesystem /=[1 2]", "Manual=<nil>", "Uptime=<nil>"}, names, "manual checks replace autochecks, ignored are dropped")
}

func TestFileSubmitter(t *testing.T) {
	eng := discoveredTestEngine(t, "")
	dir := filepath.Join(t.TempDir(), "checkresults")
	eng.Submitter = &FileSubmitter{Dir: dir}

	_, err := eng.CheckHost(context.Background(), "testhost", &CheckOptions{SubmitHostService: true, Plugins: []string{"mem"}})
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "c??????"))
	require.NoError(t, err)
	require.Lenf(t, files, 1, "one result file per flush")
	assert.FileExistsf(t, files[0]+".ok", "ok file")

	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Containsf(t, string(content), "host_name=testhost\nservice_description=Memory\ncheck_type=1\n", "memory result")
	assert.Containsf(t, string(content), "service_description=Check_MK\n", "host service result")
	assert.Containsf(t, string(content), "return_code=0\noutput=RAM: 50.00%", "output")
	assert.Containsf(t, string(content), fmt.Sprintf("start_time=%d.0\n", testNow.Unix()), "start time")

	require.NoErrorf(t, eng.Submitter.Flush(), "flush without pending results")
	files, err = filepath.Glob(filepath.Join(dir, "c??????"))
	require.NoError(t, err)
	assert.Lenf(t, files, 1, "no new file without results")
}

func TestPipeSubmitter(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	pipe := filepath.Join(t.TempDir(), "nagios.cmd")
	require.NoError(t, os.WriteFile(pipe, []byte{}, 0o600))

	submitter := &PipeSubmitter{Path: pipe, now: eng.Now}
	res := &CheckResult{State: StateCrit, Output: "broken | really\nsecond line", Metrics: []*CheckMetric{{Name: "m", Value: 1}}}
	require.NoError(t, submitter.Submit("testhost", "Some Service", res, testNow, testNow))

	content, err := os.ReadFile(pipe)
	require.NoError(t, err)
	assert.Equalf(t, "[1709294400] PROCESS_SERVICE_CHECK_RESULT;testhost;Some Service;2;broken ❘ really\\nsecond line|m=1;;;;\n",
		string(content), "command line")

	submitter.Path = filepath.Join(t.TempDir(), "missing", "nagios.cmd")
	assert.Errorf(t, submitter.Submit("testhost", "Some Service", res, testNow, testNow), "missing pipe")
}

func TestLivestatusSubmitter(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			received <- err.Error()

			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	submitter := &LivestatusSubmitter{Client: livestatus.NewClient(listener.Addr().String()), Timeout: 5 * time.Second}
	require.NoError(t, submitter.Submit("testhost", "Memory", &CheckResult{State: StateWarn, Output: "RAM high"}, testNow, testNow))
	require.NoError(t, submitter.Flush())

	command := <-received
	assert.Regexpf(t, `^COMMAND \[\d+\] PROCESS_SERVICE_CHECK_RESULT;testhost;Memory;1;RAM high\n`, command, "external command sent")
}

func TestNewSubmitter(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	for mode, expect := range map[string]Submitter{
		"":           &NoneSubmitter{},
		"none":       &NoneSubmitter{},
		"pipe":       &PipeSubmitter{},
		"file":       &FileSubmitter{},
		"livestatus": &LivestatusSubmitter{},
	} {
		submitter, err := NewSubmitter(eng, mode)
		require.NoErrorf(t, err, "mode %s", mode)
		assert.IsTypef(t, expect, submitter, "mode %s", mode)
	}

	_, err := NewSubmitter(eng, "smoke signals")
	assert.Errorf(t, err, "unknown mode")
}
