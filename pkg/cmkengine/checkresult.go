package cmkengine

import (
	"fmt"
	"strings"
)

// State is the monitoring state of a service.
type State int64

const (
	// StateOK is used for normal results.
	StateOK = State(0)

	// StateWarn is used for warnings.
	StateWarn = State(1)

	// StateCrit is used for critical errors.
	StateCrit = State(2)

	// StateUnknown is used for when the check runs into a problem itself.
	StateUnknown = State(3)
)

// severity order used to find the worst state, CRIT is worse than UNKNOWN
var stateSeverity = map[State]int{
	StateOK:      0,
	StateWarn:    1,
	StateUnknown: 2,
	StateCrit:    3,
}

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateWarn:
		return "WARN"
	case StateCrit:
		return "CRIT"
	}

	return "UNKNOWN"
}

// Marker returns the state marker appended to texts of multi-part results.
func (s State) Marker() string {
	switch s {
	case StateOK:
		return ""
	case StateWarn:
		return "(!)"
	case StateCrit:
		return "(!!)"
	}

	return "(?)"
}

// ParseState parses a state from its number or name.
func ParseState(raw string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "0", "OK":
		return StateOK, nil
	case "1", "WARN", "WARNING":
		return StateWarn, nil
	case "2", "CRIT", "CRITICAL":
		return StateCrit, nil
	case "3", "UNKNOWN", "UNKN":
		return StateUnknown, nil
	}

	return StateUnknown, fmt.Errorf("unknown state: %s", raw)
}

// WorstState returns the most severe state: CRIT > UNKNOWN > WARN > OK.
func WorstState(states ...State) State {
	worst := StateOK
	for _, s := range states {
		if stateSeverity[s] > stateSeverity[worst] {
			worst = s
		}
	}

	return worst
}

// CheckResult is the result of a single service check.
type CheckResult struct {
	State   State          `json:"state"`
	Output  string         `json:"output"` // summary in the first line, details in the following lines
	Metrics []*CheckMetric `json:"metrics,omitempty"`
}

// Summary returns the first line of the output
func (cr *CheckResult) Summary() string {
	summary, _, _ := strings.Cut(cr.Output, "\n")

	return summary
}

// EscalateStatus raises the state if the new one is worse.
func (cr *CheckResult) EscalateStatus(state State) {
	cr.State = WorstState(cr.State, state)
}

// PerfTexts returns all metrics in performance data syntax.
func (cr *CheckResult) PerfTexts() []string {
	perf := make([]string, 0, len(cr.Metrics))
	for _, m := range cr.Metrics {
		perf = append(perf, m.String())
	}

	return perf
}

// BuildPluginOutput returns the output as submitted to the core: pipes in
// the text are replaced and performance data is appended after a single pipe.
func (cr *CheckResult) BuildPluginOutput() string {
	output := strings.ReplaceAll(cr.Output, "|", "❘")
	if len(cr.Metrics) > 0 {
		output += "|" + strings.Join(cr.PerfTexts(), " ")
	}

	return output
}
