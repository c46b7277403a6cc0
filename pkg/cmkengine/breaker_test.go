package cmkengine

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerSet(t *testing.T) {
	breakers := NewBreakerSet()
	assert.Equalf(t, gobreaker.StateClosed, breakers.State("host/program"), "new breaker is closed")

	failed := errors.New("connection refused")
	calls := 0
	for range BreakerMaxFailures {
		_, err := breakers.Execute("host/program", func() (*HostSections, error) {
			calls++

			return nil, failed
		})
		require.ErrorIsf(t, err, failed, "source error is returned")
	}
	assert.Equalf(t, gobreaker.StateOpen, breakers.State("host/program"), "breaker opens after consecutive failures")

	_, err := breakers.Execute("host/program", func() (*HostSections, error) {
		calls++

		return NewHostSections(), nil
	})
	require.ErrorIsf(t, err, failed, "open breaker returns last error")
	assert.Equalf(t, BreakerMaxFailures, calls, "source not called while open")

	sections, err := breakers.Execute("host/other", func() (*HostSections, error) {
		return NewHostSections(), nil
	})
	require.NoError(t, err)
	assert.NotNilf(t, sections, "sections returned")
	assert.Equalf(t, gobreaker.StateClosed, breakers.State("host/other"), "breakers are per key")
}
