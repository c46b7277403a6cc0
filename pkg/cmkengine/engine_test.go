package cmkengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAgentOutput = `<<<check_mk>>>
Version: 2.2.0p1
AgentOS: linux
Hostname: testhost
AgentDirectory: /etc/check_mk
OnlyFrom: 127.0.0.1 10.0.0.0/8
<<<uptime>>>
86400.50 1234.00
<<<mem>>>
MemTotal: 16000000 kB
MemFree: 4000000 kB
MemAvailable: 8000000 kB
SwapTotal: 2000000 kB
SwapFree: 2000000 kB
<<<df>>>
/dev/sda1 ext4 1000000 600000 400000 60% /
tmpfs tmpfs 1000 0 1000 0% /run
<<<cpu>>>
0.50 0.40 0.30 2/300 12345 4
<<<local>>>
0 "My Service" count=5 everything fine
<<<<otherhost>>>>
<<<uptime>>>
100
<<<<>>>>
`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine creates an engine with all state directories in a temp folder.
// The host "testhost" reads the agent output from a file with the program source.
func newTestEngine(t *testing.T, agentOutput, extraConfig string) *Engine {
	t.Helper()

	tmpDir := t.TempDir()
	agentFile := filepath.Join(tmpDir, "agent.txt")
	require.NoErrorf(t, os.WriteFile(agentFile, []byte(agentOutput), 0o600), "writing agent output")

	configText := `
[/paths]
var dir = ` + tmpDir + `

[/settings/log]
level = error

[/settings/core]
check submission = none
check max cachefile age = 0
discovery max cachefile age = 0

[/hosts/testhost]
sources = program
datasource program = cat ` + agentFile + `
` + extraConfig

	conf := NewConfig(true)
	require.NoErrorf(t, conf.ParseINI(strings.NewReader(configText), "test.ini"), "parsing config")

	eng, err := NewEngineFromConfig(conf)
	require.NoErrorf(t, err, "creating engine")
	eng.SetClock(func() time.Time { return testNow })

	return eng
}

func TestEngineSettings(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/discovery]
rediscovery mode = fixall
group time = 10m
`)

	varDir := eng.Settings.VarDir
	assert.Equalf(t, filepath.Join(varDir, "autochecks"), eng.Settings.AutochecksDir, "autochecks dir from macro")
	assert.Equalf(t, filepath.Join(varDir, "tmp", "piggyback"), eng.Settings.PiggybackDir, "nested macros")
	assert.Equalf(t, int64(6556), eng.Settings.AgentPort, "default agent port")
	assert.Equalf(t, 5*time.Second, eng.Settings.ConnectTimeout, "default connect timeout")
	assert.Equalf(t, StateCrit, eng.Settings.ExitSpec.Connection, "exit spec connection")
	assert.Equalf(t, StateWarn, eng.Settings.ExitSpec.MissingSections, "exit spec missing sections")
	assert.Equalf(t, DiscoveryModeFixAll, eng.Settings.Discovery.RediscoveryMode, "rediscovery mode")
	assert.Equalf(t, 10*time.Minute, eng.Settings.Discovery.GroupTime, "group time")
	assert.IsTypef(t, &NoneSubmitter{}, eng.Submitter, "none submitter")
}

func TestEngineInvalidSettings(t *testing.T) {
	for _, extra := range []string{
		"[/settings/core]\nagent port = abc\n",
		"[/settings/discovery]\nrediscovery mode = sometimes\n",
		"[/settings/exit spec]\nconnection = 7\n",
		"[/settings/core]\ncheck submission = carrier-pigeon\n",
	} {
		conf := NewConfig(true)
		require.NoError(t, conf.ParseINI(strings.NewReader(extra), "test.ini"))
		_, err := NewEngineFromConfig(conf)
		assert.Errorf(t, err, "invalid config must fail: %s", extra)
	}
}

func TestEngineHosts(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/hosts/default]
ssh user = monitor

[/hosts/second]
address = 192.0.2.1
labels = env:prod, team : ops
`)

	assert.Equalf(t, []string{"second", "testhost"}, eng.Hosts(), "configured hosts")

	hostConf, err := eng.HostConfig("second")
	require.NoError(t, err)
	assert.Equalf(t, "192.0.2.1", hostConf.Address, "address")
	assert.Equalf(t, DefaultSources, hostConf.Sources, "default sources")
	assert.Equalf(t, "monitor", hostConf.SSHUser, "value from default host")
	assert.Equalf(t, map[string]string{"env": "prod", "team": "ops"}, hostConf.Labels, "labels")

	_, err = eng.HostConfig("unknown")
	assert.ErrorIsf(t, err, ErrUnknownHost, "unknown host")
	_, err = eng.HostConfig("default")
	assert.ErrorIsf(t, err, ErrUnknownHost, "default section is no host")
}

func TestServiceDescription(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, `
[/settings/service descriptions]
df = Disk %s
`)

	assert.Equalf(t, "Disk /", eng.ServiceDescription("df", "/"), "overridden template")
	assert.Equalf(t, "Memory", eng.ServiceDescription("mem", ""), "plugin template")
	assert.Equalf(t, "My Service", eng.ServiceDescription("local", "My Service"), "item only template")
	assert.Equalf(t, "unknown_plugin item", eng.ServiceDescription("unknown_plugin", "item"), "fallback")
}

func TestStorePiggybackDataStaysInDir(t *testing.T) {
	eng := newTestEngine(t, "<<<uptime>>>\n100\n<<<<../../escaped>>>>\n<<<uptime>>>\n5\n<<<<>>>>\n", "")
	hostConf, err := eng.HostConfig("testhost")
	require.NoErrorf(t, err, "host config")

	_, results := eng.FetchHostSections(context.Background(), hostConf, ModeChecking)
	require.Lenf(t, results, 1, "one source")
	require.NoErrorf(t, results[0].Err, "fetching program source")

	escaped := filepath.Join(eng.Settings.PiggybackDir, "..", "..", "escaped")
	assert.NoFileExistsf(t, filepath.Join(escaped, "testhost"), "nothing written outside the piggyback dir")
	assert.FileExistsf(t, filepath.Join(eng.Settings.PiggybackDir, "______escaped", "testhost"), "sanitized piggyback host")

	eng.storePiggybackData("testhost", map[string][]string{"../outside": {"<<<uptime>>>", "1"}})
	assert.NoFileExistsf(t, filepath.Join(eng.Settings.PiggybackDir, "..", "outside", "testhost"), "unsanitized target is refused")
}

func TestIsBelowDir(t *testing.T) {
	assert.Truef(t, isBelowDir("/var/piggy", "/var/piggy/host/source"), "inside")
	assert.Truef(t, isBelowDir("/var/piggy", "/var/piggy/..host/source"), "dots in name")
	assert.Falsef(t, isBelowDir("/var/piggy", "/var/piggy"), "dir itself")
	assert.Falsef(t, isBelowDir("/var/piggy", "/var/escaped/source"), "sibling")
	assert.Falsef(t, isBelowDir("/var/piggy", "/var/piggy/../../x"), "parent")
}

func TestPidFile(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	pidFile := filepath.Join(t.TempDir(), "cmkengine.pid")
	eng.flags.Pidfile = pidFile

	require.NoErrorf(t, os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getppid())), 0o600), "writing pidfile")
	err := eng.createPidFile()
	require.Errorf(t, err, "parent process is running")
	assert.Containsf(t, err.Error(), "already running", "error text")

	require.NoErrorf(t, os.WriteFile(pidFile, []byte("999999999\n"), 0o600), "writing stale pidfile")
	require.NoErrorf(t, eng.createPidFile(), "stale pidfile is replaced")
	pid, err := utils.ReadPid(pidFile)
	require.NoErrorf(t, err, "reading pidfile")
	assert.Equalf(t, os.Getpid(), pid, "own pid written")

	eng.deletePidFile()
	assert.NoFileExistsf(t, pidFile, "pidfile removed")
}
