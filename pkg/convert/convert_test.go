package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFloat64E(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  interface{}
		res float64
		err bool
	}{
		{1.5, 1.5, false},
		{"1.5", 1.5, false},
		{" 1 ", 1, false},
		{"1e7", 1e7, false},
		{int64(7), 7, false},
		{uint64(1024), 1024, false},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tst := range tests {
		res, err := Float64E(tst.in)
		if tst.err {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
		assert.InDeltaf(t, tst.res, res, 0.00001, "Float64E: %v", tst.in)
	}
}

func TestConvertInt64E(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  interface{}
		res int64
		err bool
	}{
		{"42", 42, false},
		{42, 42, false},
		{3.9, 3, false},
		{"4.5", 0, true},
	}

	for _, tst := range tests {
		res, err := Int64E(tst.in)
		if tst.err {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
		assert.Equalf(t, tst.res, res, "Int64E: %v", tst.in)
	}
}

func TestConvertBoolE(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  interface{}
		res bool
		err bool
	}{
		{true, true, false},
		{false, false, false},
		{"yes", true, false},
		{"no", false, false},
		{"No", false, false},
		{"Enabled", true, false},
		{"nope", false, true},
	}

	for _, tst := range tests {
		res, err := BoolE(tst.in)
		if tst.err {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
		assert.Equalf(t, tst.res, res, "BoolE: %v -> %v", tst.in, res)
	}
}

func TestNum2String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  interface{}
		res string
		err bool
	}{
		{1.00, "1", false},
		{"100", "100", false},
		{"1.50", "1.5", false},
		{"abc", "", true},
		{"10737418240", "10737418240", false},
		{"1.5e4", "15000", false},
	}

	for _, tst := range tests {
		res, err := Num2StringE(tst.in)
		if tst.err {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
		assert.Equalf(t, tst.res, res, "Num2StringE: %T(%v) -> %v", tst.in, tst.in, res)
	}
}

func TestPerfValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in  float64
		res string
	}{
		{1.5, "1.5"},
		{3, "3"},
		{0.1234567, "0.123457"},
		{100, "100"},
		{-0.0000001, "0"},
		{-2.25, "-2.25"},
	}

	for _, tst := range tests {
		assert.Equalf(t, tst.res, PerfValue(tst.in), "PerfValue: %v", tst.in)
	}
}
