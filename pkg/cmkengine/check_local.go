package cmkengine

import (
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/utils"
)

func init() {
	AvailableSections["local"] = &SectionPlugin{
		Name:  "local",
		Parse: parseLocal,
	}
	AvailableChecks["local"] = &CheckPlugin{
		Name:        "local",
		ServiceName: "%s",
		Discover:    discoverLocal,
		Check:       checkLocal,
	}
}

// LocalResult is one line of the local section.
type LocalResult struct {
	Computed  bool // state P, computed from the metric levels
	State     State
	Text      string
	Metrics   []*LocalMetric
	Duplicate bool
}

// LocalMetric is a metric of a local check with optional levels.
type LocalMetric struct {
	Name  string
	Value float64
	Upper *Levels
	Lower *Levels
	Min   *float64
	Max   *float64
}

// local section: <state> <service name> <metrics or -> <text>
// The service name may be quoted to contain spaces.
func parseLocal(table StringTable) (interface{}, error) {
	parsed := map[string]*LocalResult{}
	for _, row := range table {
		name, res, err := parseLocalLine(strings.Join(row, " "))
		if err != nil {
			log.Debugf("local: skipping line: %s", err.Error())

			continue
		}
		if existing, ok := parsed[name]; ok {
			existing.Duplicate = true

			continue
		}
		parsed[name] = res
	}

	return parsed, nil
}

func parseLocalLine(line string) (string, *LocalResult, error) {
	stateStr, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return "", nil, fmt.Errorf("too few fields: %s", line)
	}
	rest = strings.TrimSpace(rest)

	var name string
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated quote: %s", line)
		}
		name = rest[1 : end+1]
		rest = strings.TrimSpace(rest[end+2:])
	} else {
		name, rest, _ = strings.Cut(rest, " ")
	}

	perf, text := "", ""
	if cols := utils.FieldsN(rest, 2); len(cols) > 0 {
		perf = cols[0]
		if len(cols) > 1 {
			text = cols[1]
		}
	}
	res := &LocalResult{Text: strings.ReplaceAll(strings.TrimSpace(text), `\n`, "\n")}

	if stateStr == "P" {
		res.Computed = true
	} else {
		state, err := ParseState(stateStr)
		if err != nil {
			return "", nil, fmt.Errorf("invalid state %q", stateStr)
		}
		res.State = state
	}

	if perf != "-" && perf != "" {
		for _, entry := range strings.Split(perf, "|") {
			metric, err := parseLocalMetric(entry)
			if err != nil {
				return "", nil, err
			}
			res.Metrics = append(res.Metrics, metric)
		}
	}

	return name, res, nil
}

// parseLocalMetric parses name=value;warn;crit;min;max where warn and crit
// may be lower:upper ranges.
func parseLocalMetric(entry string) (*LocalMetric, error) {
	name, values, ok := strings.Cut(entry, "=")
	if !ok {
		return nil, fmt.Errorf("invalid metric: %s", entry)
	}
	fields := strings.Split(values, ";")
	value, err := convert.Float64E(strings.TrimRight(fields[0], "%smBKGTs"))
	if err != nil {
		return nil, fmt.Errorf("metric %s: %s", name, err.Error())
	}
	metric := &LocalMetric{Name: name, Value: value}

	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}

		return ""
	}
	warnLow, warnHigh := splitLocalRange(field(1))
	critLow, critHigh := splitLocalRange(field(2))
	if warnHigh != nil && critHigh != nil {
		metric.Upper = &Levels{Warn: *warnHigh, Crit: *critHigh}
	}
	if warnLow != nil && critLow != nil {
		metric.Lower = &Levels{Warn: *warnLow, Crit: *critLow}
	}
	if num, err := convert.Float64E(field(3)); err == nil {
		metric.Min = Float(num)
	}
	if num, err := convert.Float64E(field(4)); err == nil {
		metric.Max = Float(num)
	}

	return metric, nil
}

func splitLocalRange(raw string) (lower, upper *float64) {
	if raw == "" {
		return nil, nil
	}
	low, high, isRange := strings.Cut(raw, ":")
	if !isRange {
		if num, err := convert.Float64E(raw); err == nil {
			return nil, Float(num)
		}

		return nil, nil
	}
	if num, err := convert.Float64E(low); err == nil {
		lower = Float(num)
	}
	if num, err := convert.Float64E(high); err == nil {
		upper = Float(num)
	}

	return lower, upper
}

func discoverLocal(sections SectionSet) ([]*Service, error) {
	parsed, ok := SectionAs[map[string]*LocalResult](sections, "local")
	if !ok {
		return nil, nil
	}
	services := make([]*Service, 0, len(parsed))
	for name := range parsed {
		services = append(services, &Service{Item: name})
	}

	return services, nil
}

func checkLocal(_ *CheckContext, item string, _ Params, sections SectionSet) ([]SubResult, error) {
	parsed, ok := SectionAs[map[string]*LocalResult](sections, "local")
	if !ok {
		return nil, nil
	}
	res, ok := parsed[item]
	if !ok {
		return nil, nil
	}

	results := []SubResult{}
	if res.Duplicate {
		results = append(results, NewResult(StateUnknown, "Duplicate service name, only the first line is used"))
	}

	summary, details, _ := strings.Cut(res.Text, "\n")
	if !res.Computed {
		results = append(results, &Result{State: res.State, Summary: summary, Details: res.Text})
		for _, metric := range res.Metrics {
			results = append(results, localPerfMetric(metric))
		}

		return results, nil
	}

	if summary != "" {
		results = append(results, &Result{State: StateOK, Summary: summary, Details: res.Text})
	}
	for _, metric := range res.Metrics {
		levelResults := CheckLevels(metric.Value, LevelsOpts{
			Upper:  metric.Upper,
			Lower:  metric.Lower,
			Label:  metric.Name,
			Render: convert.PerfValue,
		})
		results = append(results, levelResults...)
		results = append(results, localPerfMetric(metric))
	}
	if details != "" && summary == "" {
		results = append(results, NewDetail(StateOK, "%s", details))
	}

	return results, nil
}

func localPerfMetric(metric *LocalMetric) *CheckMetric {
	res := &CheckMetric{Name: metric.Name, Value: metric.Value, Min: metric.Min, Max: metric.Max}
	if metric.Upper != nil {
		res.Warning = Float(metric.Upper.Warn)
		res.Critical = Float(metric.Upper.Crit)
	}

	return res
}
