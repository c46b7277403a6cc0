// Package icmpcheck implements the host ping active check.
package icmpcheck

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
	"github.com/consol-monitoring/cmkengine/pkg/convert"
	probing "github.com/prometheus-community/pro-bing"
)

const (
	DefaultCount    = 5
	DefaultInterval = 200 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

// DefaultRTALevels are the round trip time levels in milliseconds.
var DefaultRTALevels = cmkengine.Levels{Warn: 200, Crit: 500}

// DefaultLossLevels are the packet loss levels in percent.
var DefaultLossLevels = cmkengine.Levels{Warn: 80, Crit: 100}

// Options configure a ping run.
type Options struct {
	Host       string
	Count      int
	Interval   time.Duration
	Timeout    time.Duration
	RTA        *cmkengine.Levels // milliseconds
	Loss       *cmkengine.Levels // percent
	Privileged bool
}

func (o *Options) defaults() {
	if o.Count <= 0 {
		o.Count = DefaultCount
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RTA == nil {
		levels := DefaultRTALevels
		o.RTA = &levels
	}
	if o.Loss == nil {
		levels := DefaultLossLevels
		o.Loss = &levels
	}
}

// Stats contains the outcome of a ping run.
type Stats struct {
	Sent   int
	Recv   int
	MinRtt time.Duration
	MaxRtt time.Duration
	AvgRtt time.Duration
}

// Loss returns the packet loss in percent.
func (s *Stats) Loss() float64 {
	if s.Sent == 0 {
		return 100
	}

	return float64(s.Sent-s.Recv) * 100 / float64(s.Sent)
}

// ParseLevels parses levels like "200,500" or "200ms,500ms" for rta and "40%,80%" for packet loss.
func ParseLevels(raw string) (*cmkengine.Levels, error) {
	params := cmkengine.Params{"levels": strings.NewReplacer("ms", "", "%", "").Replace(raw)}

	return params.Levels("levels")
}

// Run pings the host and evaluates the result.
func Run(ctx context.Context, opts Options) *cmkengine.CheckResult {
	opts.defaults()
	stats, err := Ping(ctx, opts)
	if err != nil {
		return &cmkengine.CheckResult{
			State:  cmkengine.StateUnknown,
			Output: fmt.Sprintf("%s: %s", opts.Host, err.Error()),
		}
	}

	return Evaluate(opts, stats)
}

// Ping sends opts.Count echo requests with pro-bing and returns the statistics.
func Ping(ctx context.Context, opts Options) (*Stats, error) {
	opts.defaults()
	pinger, err := probing.NewPinger(opts.Host)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve host: %s", err.Error())
	}
	pinger.Count = opts.Count
	pinger.Interval = opts.Interval
	pinger.Timeout = opts.Timeout
	pinger.SetPrivileged(opts.Privileged || runtime.GOOS == "windows")

	if err := pinger.RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %s", err.Error())
	}

	stats := pinger.Statistics()

	return &Stats{
		Sent:   stats.PacketsSent,
		Recv:   stats.PacketsRecv,
		MinRtt: stats.MinRtt,
		MaxRtt: stats.MaxRtt,
		AvgRtt: stats.AvgRtt,
	}, nil
}

// Evaluate applies the rta and packet loss levels.
func Evaluate(opts Options, stats *Stats) *cmkengine.CheckResult {
	opts.defaults()
	loss := stats.Loss()
	res := &cmkengine.CheckResult{State: cmkengine.StateOK}

	lossMetric := &cmkengine.CheckMetric{
		Name: "pl", Value: loss, Unit: "%",
		Warning: cmkengine.Float(opts.Loss.Warn), Critical: cmkengine.Float(opts.Loss.Crit),
		Min: cmkengine.Float(0), Max: cmkengine.Float(100),
	}
	if stats.Recv == 0 {
		res.State = cmkengine.StateCrit
		res.Output = fmt.Sprintf("%s is DOWN, lost %s%%", opts.Host, convert.PerfValue(loss))
		res.Metrics = []*cmkengine.CheckMetric{lossMetric}

		return res
	}

	rta := milliseconds(stats.AvgRtt)
	res.EscalateStatus(levelState(rta, opts.RTA))
	res.EscalateStatus(levelState(loss, opts.Loss))
	res.Output = fmt.Sprintf("%s rta %.3fms, lost %s%%", opts.Host, rta, convert.PerfValue(loss))
	res.Metrics = []*cmkengine.CheckMetric{
		{
			Name: "rta", Value: rta, Unit: "ms",
			Warning: cmkengine.Float(opts.RTA.Warn), Critical: cmkengine.Float(opts.RTA.Crit),
			Min: cmkengine.Float(0),
		},
		lossMetric,
		{Name: "rtmax", Value: milliseconds(stats.MaxRtt), Unit: "ms"},
		{Name: "rtmin", Value: milliseconds(stats.MinRtt), Unit: "ms"},
	}

	return res
}

func levelState(value float64, levels *cmkengine.Levels) cmkengine.State {
	switch {
	case levels == nil:
		return cmkengine.StateOK
	case value >= levels.Crit:
		return cmkengine.StateCrit
	case value >= levels.Warn:
		return cmkengine.StateWarn
	}

	return cmkengine.StateOK
}

func milliseconds(dur time.Duration) float64 {
	return float64(dur.Microseconds()) / 1000
}
