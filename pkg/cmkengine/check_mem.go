package cmkengine

import (
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/humanize"
)

func init() {
	AvailableSections["mem"] = &SectionPlugin{
		Name:  "mem",
		Parse: parseMem,
	}
	AvailableChecks["mem"] = &CheckPlugin{
		Name:        "mem",
		ServiceName: "Memory",
		DefaultParams: Params{
			"levels":      []interface{}{80.0, 90.0},
			"swap_levels": nil,
		},
		Discover: func(sections SectionSet) ([]*Service, error) {
			mem, ok := SectionAs[map[string]float64](sections, "mem")
			if !ok || mem["MemTotal"] == 0 {
				return nil, nil
			}

			return []*Service{{}}, nil
		},
		Check: checkMem,
	}
}

// parseMem parses /proc/meminfo style lines into bytes: MemTotal: 16303624 kB
func parseMem(table StringTable) (interface{}, error) {
	mem := map[string]float64{}
	for _, row := range table {
		if len(row) < 2 {
			continue
		}
		value, err := convert.Float64E(row[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %s", row[0], err.Error())
		}
		if len(row) > 2 && strings.EqualFold(row[2], "kB") {
			value *= 1024
		}
		mem[strings.TrimSuffix(row[0], ":")] = value
	}

	return mem, nil
}

func checkMem(_ *CheckContext, _ string, params Params, sections SectionSet) ([]SubResult, error) {
	mem, ok := SectionAs[map[string]float64](sections, "mem")
	if !ok {
		return nil, nil
	}
	total := mem["MemTotal"]
	if total == 0 {
		return nil, fmt.Errorf("MemTotal missing or zero")
	}

	available, ok := mem["MemAvailable"]
	if !ok {
		available = mem["MemFree"] + mem["Buffers"] + mem["Cached"]
	}
	used := total - available

	results := []SubResult{}
	levels, err := params.Levels("levels")
	if err != nil {
		return nil, err
	}
	results = append(results, usageResults("RAM", "mem_used", used, total, levels)...)

	if swapTotal := mem["SwapTotal"]; swapTotal > 0 {
		swapLevels, err := params.Levels("swap_levels")
		if err != nil {
			return nil, err
		}
		swapUsed := swapTotal - mem["SwapFree"]
		results = append(results, usageResults("Swap", "swap_used", swapUsed, swapTotal, swapLevels)...)
	}

	return results, nil
}

// usageResults checks used/total against percentage levels and renders
// "<label>: 45.00% - 1.00 GiB of 2.00 GiB".
func usageResults(label, metric string, used, total float64, levels *Levels) []SubResult {
	percent := used * 100 / total
	results := CheckLevels(percent, LevelsOpts{
		Upper:  levels,
		Metric: metric + "_percent",
		Label:  label,
		Render: humanize.Percent,
		Min:    Float(0),
		Max:    Float(100),
	})
	if res, ok := results[0].(*Result); ok {
		text := fmt.Sprintf(" - %s of %s", humanize.IBytes(used), humanize.IBytes(total))
		res.Summary = strings.Replace(res.Summary, humanize.Percent(percent), humanize.Percent(percent)+text, 1)
	}

	usedMetric := &CheckMetric{Name: metric, Value: used, Min: Float(0), Max: Float(total)}
	if levels != nil {
		usedMetric.Warning = Float(levels.Warn * total / 100)
		usedMetric.Critical = Float(levels.Crit * total / 100)
	}

	return append(results, usedMetric)
}
