package cmkengine

import (
	"errors"
	"fmt"
	"strings"
)

// SubResult is returned by check functions, either a *Result or a *CheckMetric.
type SubResult interface {
	subResult()
}

// Result is a single state with text.
type Result struct {
	State   State
	Summary string // shown in the first line
	Details string // long output, defaults to the summary
}

func (*Result) subResult()      {}
func (*CheckMetric) subResult() {}

// NewResult creates a result with summary text
func NewResult(state State, format string, args ...interface{}) *Result {
	return &Result{State: state, Summary: fmt.Sprintf(format, args...)}
}

// NewDetail creates a result which only shows up in the long output
func NewDetail(state State, format string, args ...interface{}) *Result {
	return &Result{State: state, Details: fmt.Sprintf(format, args...)}
}

// ErrIgnoreResults is matched by all errors created with IgnoreResults.
var ErrIgnoreResults = errors.New("ignore results")

// IgnoreResultsError makes the engine skip submitting the service result.
type IgnoreResultsError struct {
	Reason string
}

func (e *IgnoreResultsError) Error() string {
	return e.Reason
}

func (e *IgnoreResultsError) Is(target error) bool {
	return target == ErrIgnoreResults
}

// IgnoreResults returns an error which suppresses the check result.
func IgnoreResults(reason string) error {
	return &IgnoreResultsError{Reason: reason}
}

// ErrCounterWrapped is returned by the value store when no rate can be computed yet.
var ErrCounterWrapped = errors.New("counter wrapped or initialized")

// Levels contains a warn/crit pair.
type Levels struct {
	Warn float64
	Crit float64
}

// LevelsOpts configures CheckLevels.
type LevelsOpts struct {
	Upper      *Levels
	Lower      *Levels
	Metric     string // metric name, no metric is created if empty
	Label      string
	Render     func(float64) string
	Min        *float64
	Max        *float64
	NoticeOnly bool // show the value in the details only unless the state is not OK
}

// CheckLevels compares value against upper and lower levels. Upper levels are
// reached at warn/crit, lower levels are violated below warn/crit.
func CheckLevels(value float64, opts LevelsOpts) []SubResult {
	render := opts.Render
	if render == nil {
		render = func(v float64) string { return fmt.Sprintf("%.2f", v) }
	}

	state := StateOK
	levelsText := ""
	switch {
	case opts.Upper != nil && value >= opts.Upper.Crit:
		state = StateCrit
		levelsText = fmt.Sprintf(" (warn/crit at %s/%s)", render(opts.Upper.Warn), render(opts.Upper.Crit))
	case opts.Upper != nil && value >= opts.Upper.Warn:
		state = StateWarn
		levelsText = fmt.Sprintf(" (warn/crit at %s/%s)", render(opts.Upper.Warn), render(opts.Upper.Crit))
	case opts.Lower != nil && value < opts.Lower.Crit:
		state = StateCrit
		levelsText = fmt.Sprintf(" (warn/crit below %s/%s)", render(opts.Lower.Warn), render(opts.Lower.Crit))
	case opts.Lower != nil && value < opts.Lower.Warn:
		state = StateWarn
		levelsText = fmt.Sprintf(" (warn/crit below %s/%s)", render(opts.Lower.Warn), render(opts.Lower.Crit))
	}

	text := render(value) + levelsText
	if opts.Label != "" {
		text = opts.Label + ": " + text
	}

	res := &Result{State: state, Summary: text}
	if opts.NoticeOnly && state == StateOK {
		res = &Result{State: state, Details: text}
	}
	results := []SubResult{res}

	if opts.Metric != "" {
		metric := &CheckMetric{Name: opts.Metric, Value: value, Min: opts.Min, Max: opts.Max}
		if opts.Upper != nil {
			metric.Warning = Float(opts.Upper.Warn)
			metric.Critical = Float(opts.Upper.Crit)
		}
		results = append(results, metric)
	}

	return results
}

// ItemNotFoundOutput is the output of services whose check returned no results.
const ItemNotFoundOutput = "Item not found in monitoring data"

// AggregateResults combines all sub results into a single check result.
// The worst state wins, with more than one result every text carries its state marker.
// The summaries form the first line, followed by the details of every result.
func AggregateResults(subResults []SubResult) *CheckResult {
	results := []*Result{}
	metrics := []*CheckMetric{}
	for _, sub := range subResults {
		switch res := sub.(type) {
		case *Result:
			results = append(results, res)
		case *CheckMetric:
			metrics = append(metrics, res)
		}
	}

	if len(results) == 0 {
		return &CheckResult{State: StateUnknown, Output: ItemNotFoundOutput}
	}

	summaries := []string{}
	details := []string{}
	states := []State{}
	withMarker := len(results) > 1
	for _, res := range results {
		states = append(states, res.State)
		marker := ""
		if withMarker {
			marker = res.State.Marker()
		}
		if res.Summary != "" {
			summaries = append(summaries, addMarker(res.Summary, marker))
		}
		detail := res.Details
		if detail == "" {
			detail = res.Summary
		}
		if detail != "" {
			details = append(details, addMarker(detail, marker))
		}
	}

	if len(summaries) == 0 {
		summaries = append(summaries, fmt.Sprintf("Everything looks OK - %d detail%s available", len(details), plural(len(details))))
	}

	return &CheckResult{
		State:   WorstState(states...),
		Output:  strings.Join(append([]string{strings.Join(summaries, ", ")}, details...), "\n"),
		Metrics: metrics,
	}
}

func addMarker(text, marker string) string {
	if marker == "" || strings.Contains(text, marker) {
		return text
	}

	return text + marker
}

func plural(num int) string {
	if num == 1 {
		return ""
	}

	return "s"
}
