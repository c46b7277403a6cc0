package cmkengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueStoreRates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters", "host.yaml")
	store, err := LoadValueStore(path)
	require.NoErrorf(t, err, "missing file is an empty store")

	_, err = store.GetRate("requests", testNow, 100)
	assert.ErrorIsf(t, err, ErrCounterWrapped, "first value initializes the counter")

	rate, err := store.GetRate("requests", testNow.Add(10*time.Second), 150)
	require.NoError(t, err)
	assert.InDeltaf(t, 5.0, rate, 0.0001, "rate per second")

	_, err = store.GetRate("requests", testNow.Add(20*time.Second), 10)
	assert.ErrorIsf(t, err, ErrCounterWrapped, "decreasing counter")

	_, err = store.GetRate("requests", testNow.Add(20*time.Second), 20)
	assert.ErrorIsf(t, err, ErrCounterWrapped, "no time difference")

	require.NoErrorf(t, store.Save(), "saving store")
	_, err = os.Stat(path)
	require.NoErrorf(t, err, "store file written")

	reloaded, err := LoadValueStore(path)
	require.NoError(t, err)
	val, ok := reloaded.Get("requests")
	require.Truef(t, ok, "value persisted")
	assert.InDeltaf(t, 20.0, val.Value, 0.0001, "last value")
	assert.InDeltaf(t, float64(testNow.Add(20*time.Second).Unix()), val.Time, 0.001, "last timestamp")
}

func TestValueStoreBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: [\n"), 0o600))

	_, err := LoadValueStore(path)
	assert.Errorf(t, err, "broken yaml")
}

func TestAutochecksStorage(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	services, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	assert.Emptyf(t, services, "no autochecks yet")

	require.NoError(t, eng.WriteAutochecks("testhost", []*Service{
		{Plugin: "mem"},
		{Plugin: "df", Item: "/var", Parameters: Params{"levels": []interface{}{70.0, 80.0}}},
		{Plugin: "df", Item: "/"},
	}))

	services, err = eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	require.Lenf(t, services, 3, "all services read back")
	assert.Equalf(t, "Filesystem /", services[0].Description, "sorted by plugin and item, description set")
	assert.Equalf(t, "Filesystem /var", services[1].Description, "second filesystem")
	levels, err := services[1].Parameters.Levels("levels")
	require.NoError(t, err)
	assert.Equalf(t, &Levels{Warn: 70, Crit: 80}, levels, "parameters kept")
	assert.Equalf(t, "Memory", services[2].Description, "memory")

	removed, err := eng.RemoveAutochecks("testhost")
	require.NoError(t, err)
	assert.Equalf(t, 3, removed, "removed services counted")
	removed, err = eng.RemoveAutochecks("testhost")
	require.NoErrorf(t, err, "removing twice is fine")
	assert.Equalf(t, 0, removed, "nothing left to remove")
}

func TestAutochecksDuplicates(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")
	content := `
- check_plugin_name: uptime
- check_plugin_name: snmp_uptime
- check_plugin_name: ""
`
	path := eng.AutochecksPath("testhost")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	services, err := eng.ReadAutochecks("testhost")
	require.NoError(t, err)
	require.Lenf(t, services, 1, "duplicate descriptions and empty plugins are dropped")
	assert.Equalf(t, "uptime", services[0].Plugin, "first one wins")
}

func TestHostLabelsStorage(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	labels, err := eng.ReadDiscoveredHostLabels("testhost")
	require.NoError(t, err)
	assert.Emptyf(t, labels, "no labels yet")

	require.NoError(t, eng.WriteDiscoveredHostLabels("testhost", HostLabels{
		"cmk/os_family": {Name: "cmk/os_family", Value: "linux", Plugin: "check_mk"},
		"a":             {Name: "a", Value: "b", Plugin: "x"},
	}))

	labels, err = eng.ReadDiscoveredHostLabels("testhost")
	require.NoError(t, err)
	sorted := labels.Sorted()
	require.Len(t, sorted, 2)
	assert.Equalf(t, HostLabel{Name: "a", Value: "b", Plugin: "x"}, sorted[0], "names restored from keys")
	assert.Equalf(t, "cmk/os_family:linux", sorted[1].String(), "label string")
}

func TestPersistedSections(t *testing.T) {
	eng := newTestEngine(t, testAgentOutput, "")

	first := ParseAgentData([]byte("<<<mem:persist(1709295000)>>>\nMemTotal: 100 kB\n"), "testhost", testNow)
	eng.applyPersistedSections("testhost", first)

	second := ParseAgentData([]byte("<<<uptime>>>\n100\n"), "testhost", testNow.Add(time.Minute))
	eng.applyPersistedSections("testhost", second)
	assert.Equalf(t, StringTable{{"MemTotal:", "100", "kB"}}, second.Sections["mem"], "persisted section is added")
	assert.Equalf(t, int64(600), second.CacheInfo["mem"].Interval, "cache interval of persisted section")

	eng.SetClock(func() time.Time { return testNow.Add(time.Hour) })
	third := ParseAgentData([]byte("<<<uptime>>>\n100\n"), "testhost", testNow.Add(time.Hour))
	eng.applyPersistedSections("testhost", third)
	assert.NotContainsf(t, third.Sections, "mem", "expired section is dropped")

	stored, err := eng.LoadPersistedSections("testhost")
	require.NoError(t, err)
	assert.Emptyf(t, stored, "expired sections are removed from the store")
}
