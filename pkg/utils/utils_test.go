package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtilsExpandDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  string
		res float64
	}{
		{"2d", 86400 * 2},
		{"1m", 60},
		{"10s", 10},
		{"100ms", 0.1},
		{"1w", 86400 * 7},
		{"90", 90},
		{"1.5", 1.5},
	}

	for _, tst := range tests {
		res, err := ExpandDuration(tst.in)
		require.NoError(t, err)
		assert.InDeltaf(t, tst.res, res, 0.0001, "ExpandDuration: %s", tst.in)
	}

	_, err := ExpandDuration("soon")
	require.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 2.001, ParseVersion("2.1.0"), 0.000001)
	assert.InDelta(t, 2.001, ParseVersion("2.1.0p12"), 0.000001)
	assert.Greater(t, ParseVersion("2.2.0"), ParseVersion("2.1.9"))
	assert.Greater(t, ParseVersion("v1.10"), ParseVersion("1.9"))
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "sub", "file.yaml")
	require.NoError(t, WriteFileAtomic(target, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(target, []byte("two"), 0o600))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestTimeRange(t *testing.T) {
	t.Parallel()

	day := func(hour, minute int) time.Time {
		return time.Date(2024, 1, 1, hour, minute, 0, 0, time.Local)
	}

	office, err := ParseTimeRange("08:00-17:30")
	require.NoError(t, err)
	assert.True(t, office.Contains(day(8, 0)))
	assert.True(t, office.Contains(day(17, 29)))
	assert.False(t, office.Contains(day(17, 30)))
	assert.Equal(t, "08:00-17:30", office.String())

	night, err := ParseTimeRange("22:00-06:00")
	require.NoError(t, err)
	assert.True(t, night.Contains(day(23, 0)))
	assert.True(t, night.Contains(day(5, 59)))
	assert.False(t, night.Contains(day(12, 0)))

	_, err = ParseTimeRange("22:00")
	require.Error(t, err)
	_, err = ParseTimeRange("25:00-26:00")
	require.Error(t, err)
}

func TestFieldsN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"0", "My_Service", "count=4 some text here"}, FieldsN("0 My_Service   count=4 some text here", 3))
	assert.Equal(t, []string{"a", "b"}, FieldsN("  a  b ", 5))
	assert.Nil(t, FieldsN("a", 0))
}

func TestASCIITable(t *testing.T) {
	t.Parallel()

	type row struct {
		Name  string
		State string
	}
	header := []ASCIITableHeader{
		{Name: "Service", Field: "Name"},
		{Name: "State", Field: "State", Centered: true},
	}
	out, err := ASCIITable(header, []row{{"Uptime", "OK"}, {"CPU|load", "WARN"}}, true)
	require.NoError(t, err)
	assert.Contains(t, out, "| Service   | State |")
	assert.Contains(t, out, "| CPU\\|load | WARN  |")
}

type testState int

func (s testState) String() string {
	return [...]string{"OK", "WARN"}[s]
}

func TestASCIITableTypes(t *testing.T) {
	t.Parallel()

	type row struct {
		Name  string
		State testState
		Count int
	}
	header := []ASCIITableHeader{
		{Name: "Name", Field: "Name"},
		{Name: "State", Field: "State"},
		{Name: "N", Field: "Count"},
	}
	out, err := ASCIITable(header, []*row{{"a❘b", 1, 12}}, false)
	require.NoError(t, err)
	assert.Equal(t, "| Name | State | N  |\n| ---- | ----- | -- |\n| a❘b  | WARN  | 12 |\n", out)

	_, err = ASCIITable(header, "no slice", false)
	require.Error(t, err)
}
