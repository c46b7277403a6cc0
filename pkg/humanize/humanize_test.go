package humanize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  string
		res uint64
		err bool
	}{
		{"1B", 1, false},
		{"1MB", 1000000, false},
		{"1MiB", 1048576, false},
		{"1.5GB", 1500000000, false},
		{"1.5GiB", 1610612736, false},
		{" 83 M", 83000000, false},
		{"xyz", 0, true},
	}

	for _, tst := range tests {
		res, err := ParseBytes(tst.in)
		if tst.err {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
		assert.Equalf(t, tst.res, res, "ParseBytes: %s -> %d", tst.in, res)
	}
}

func TestIBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  float64
		res string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{20 * 1024 * 1024, "20.0 MiB"},
		{123456789, "118 MiB"},
		{-2048, "-2.00 KiB"},
	}

	for _, tst := range tests {
		assert.Equalf(t, tst.res, IBytes(tst.in), "IBytes: %v", tst.in)
	}
}

func TestPercent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0%", Percent(0))
	assert.Equal(t, "<0.01%", Percent(0.001))
	assert.Equal(t, "12.35%", Percent(12.3456))
	assert.Equal(t, "100.00%", Percent(100))
}

func TestTimespan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  float64
		res string
	}{
		{0.5, "500 milliseconds"},
		{1, "1 second"},
		{1.5, "1.50 seconds"},
		{61, "1 minute 1 second"},
		{3720, "1 hour 2 minutes"},
		{93784, "1 day 2 hours"},
		{400 * 86400, "1 year 35 days"},
	}

	for _, tst := range tests {
		assert.Equalf(t, tst.res, Timespan(tst.in), "Timespan: %v", tst.in)
	}
}

func TestDatetime(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)
	assert.Equal(t, "2024-05-01 13:04:05", Datetime(ts))
}
