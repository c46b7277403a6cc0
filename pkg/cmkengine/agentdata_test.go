package cmkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSectionHeader(t *testing.T) {
	header, err := ParseSectionHeader("<<<local:sep(59):nostrip:encoding(cp1252)>>>", testNow)
	require.NoError(t, err)
	assert.Equalf(t, "local", header.Name, "name")
	assert.Equalf(t, ";", header.Separator, "separator")
	assert.Truef(t, header.NoStrip, "nostrip")
	assert.Equalf(t, "cp1252", header.Encoding, "encoding")

	header, err = ParseSectionHeader("<<<df:cached(1700000000,300)>>>", testNow)
	require.NoError(t, err)
	assert.Equalf(t, &CacheInfo{CachedAt: 1700000000, Interval: 300}, header.Cached, "cache info")

	until := testNow.Unix() + 600
	header, err = ParseSectionHeader("<<<mem:persist(1709295000)>>>", testNow)
	require.NoError(t, err)
	assert.Equalf(t, until, header.Persist, "persist until")
	assert.Equalf(t, &CacheInfo{CachedAt: testNow.Unix(), Interval: 600}, header.Cached, "persist implies cached")

	_, err = ParseSectionHeader("<<<df:cached(1)>>>", testNow)
	assert.Errorf(t, err, "cached needs two arguments")
	_, err = ParseSectionHeader("no header", testNow)
	assert.Errorf(t, err, "no header")
}

func TestParseAgentData(t *testing.T) {
	sections := ParseAgentData([]byte(testAgentOutput), "testhost", testNow)

	assert.Equalf(t, StringTable{{"86400.50", "1234.00"}}, sections.Sections["uptime"], "uptime only contains own data")
	assert.Lenf(t, sections.Sections["df"], 2, "df lines")
	assert.Equalf(t, []string{"0", `"My`, `Service"`, "count=5", "everything", "fine"}, sections.Sections["local"][0], "split on whitespace")

	require.Containsf(t, sections.Piggyback, "otherhost", "piggyback data found")
	assert.Equalf(t, []string{"<<<uptime:cached(1709294400,90)>>>", "100"}, sections.Piggyback["otherhost"], "piggyback headers get cache info")
}

func TestParseAgentDataOptions(t *testing.T) {
	raw := "<<<test:sep(124)>>>\na|b| c\n<<<raw:nostrip>>>\n  indented line\n<<<empty>>>\n<<<<testhost>>>>\n<<<own>>>\nfoo\n<<<<>>>>\n<<<latin1>>>\ncaf\xe9\n"
	sections := ParseAgentData([]byte(raw), "testhost", testNow)

	assert.Equalf(t, StringTable{{"a", "b", " c"}}, sections.Sections["test"], "custom separator")
	assert.Equalf(t, StringTable{{"indented", "line"}}, sections.Sections["raw"], "nostrip keeps spaces, fields drop them")
	assert.Equalf(t, StringTable{}, sections.Sections["empty"], "empty section exists")
	assert.Equalf(t, StringTable{{"foo"}}, sections.Sections["own"], "piggyback for the host itself is regular data")
	assert.Equalf(t, StringTable{{"café"}}, sections.Sections["latin1"], "latin1 is converted")
	assert.Emptyf(t, sections.Piggyback, "no piggyback for own host")
}

func TestHostSectionsMerge(t *testing.T) {
	first := ParseAgentData([]byte("<<<a>>>\n1\n<<<<other>>>>\n<<<x>>>\n1\n"), "h", testNow)
	second := ParseAgentData([]byte("<<<a>>>\n2\n<<<b:cached(10,20)>>>\n3\n"), "h", testNow)
	first.Merge(second)
	first.Merge(nil)

	assert.Equalf(t, StringTable{{"1"}, {"2"}}, first.Sections["a"], "sections are concatenated")
	assert.Equalf(t, StringTable{{"3"}}, first.Sections["b"], "new section")
	assert.Equalf(t, &CacheInfo{CachedAt: 10, Interval: 20}, first.CacheInfo["b"], "cache info")
	assert.ElementsMatchf(t, []string{"a", "b"}, first.SectionNames(), "section names")
	assert.Lenf(t, first.Piggyback["other"], 2, "piggyback is kept")
}

func TestParseAgentInfo(t *testing.T) {
	sections := ParseAgentData([]byte(testAgentOutput), "testhost", testNow)
	info := ParseAgentInfo(sections.Sections["check_mk"])

	assert.Equalf(t, "2.2.0p1", info.Version, "version")
	assert.Equalf(t, "linux", info.OS, "os")
	assert.Equalf(t, "/etc/check_mk", info.AgentDir, "agent dir")
	assert.Equalf(t, []string{"127.0.0.1", "10.0.0.0/8"}, info.OnlyFrom, "only from")

	empty := ParseAgentInfo(nil)
	assert.Equalf(t, "unknown", empty.Version, "unknown version")
}

func TestHostSectionsAgentOutput(t *testing.T) {
	sections := NewHostSections()
	sections.Sections["uptime"] = StringTable{{"7200"}}
	sections.Sections["df"] = StringTable{{"/dev/sda1", "ext4", "1000"}}
	sections.Sections["local"] = StringTable{{"0", "My Service", "-", "everything fine"}}
	sections.CacheInfo["df"] = &CacheInfo{CachedAt: 1700000000, Interval: 300}
	sections.Piggyback["other"] = []string{"<<<uptime>>>", "5"}

	expect := "<<<df:cached(1700000000,300)>>>\n/dev/sda1 ext4 1000\n" +
		"<<<local:sep(124)>>>\n0|My Service|-|everything fine\n" +
		"<<<uptime>>>\n7200\n" +
		"<<<<other>>>>\n<<<uptime>>>\n5\n<<<<>>>>\n"
	assert.Equalf(t, expect, string(sections.AgentOutput()), "agent format")
}

func TestSanitizePiggybackHost(t *testing.T) {
	tests := []struct {
		in     string
		expect string
		valid  bool
	}{
		{"otherhost", "otherhost", true},
		{"ok.example.com", "ok.example.com", true},
		{"my host", "my_host", true},
		{"../../escaped", "______escaped", true},
		{`a\b`, "a_b", true},
		{"a/b", "a_b", true},
		{"..", "__", true},
		{"host..name", "host__name", true},
		{"ümlaut", "_mlaut", true},
		{".", "", false},
		{" testhost ", "", true},
		{"", "", true},
	}
	for _, tst := range tests {
		name, valid := sanitizePiggybackHost(tst.in, "testhost")
		assert.Equalf(t, tst.expect, name, "sanitized name for %q", tst.in)
		assert.Equalf(t, tst.valid, valid, "valid name for %q", tst.in)
	}
}

func TestParseAgentDataInvalidPiggyback(t *testing.T) {
	raw := "<<<a>>>\n1\n<<<<.>>>>\n<<<b>>>\n2\n<<<<>>>>\n<<<c>>>\n3\n<<<<../x>>>>\n<<<d>>>\n4\n"
	sections := ParseAgentData([]byte(raw), "testhost", testNow)

	assert.Equalf(t, StringTable{{"1"}}, sections.Sections["a"], "own data")
	assert.NotContainsf(t, sections.Sections, "b", "data of invalid piggyback host is dropped")
	assert.Equalf(t, StringTable{{"3"}}, sections.Sections["c"], "own data after piggyback end")
	assert.Equalf(t, map[string][]string{"___x": {"<<<d:cached(1709294400,90)>>>", "4"}}, sections.Piggyback, "sanitized piggyback host")
}
