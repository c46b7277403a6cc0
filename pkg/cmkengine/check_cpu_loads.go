package cmkengine

import (
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
)

func init() {
	AvailableSections["cpu"] = &SectionPlugin{
		Name:  "cpu",
		Parse: parseCPU,
	}
	AvailableChecks["cpu_loads"] = &CheckPlugin{
		Name:        "cpu_loads",
		Sections:    []string{"cpu"},
		ServiceName: "CPU load",
		DefaultParams: Params{
			// per core
			"levels": []interface{}{5.0, 10.0},
		},
		Discover: func(sections SectionSet) ([]*Service, error) {
			if _, ok := SectionAs[*CPUInfo](sections, "cpu"); !ok {
				return nil, nil
			}

			return []*Service{{}}, nil
		},
		Check: checkCPULoads,
	}
}

// CPUInfo contains the load averages and process counts of the cpu section.
type CPUInfo struct {
	Load         [3]float64
	ProcsRunning int64
	ProcsTotal   int64
	NumCPUs      int64
}

// cpu section: load1 load5 load15 running/total last_pid [num_cpus]
func parseCPU(table StringTable) (interface{}, error) {
	if len(table) == 0 || len(table[0]) < 3 {
		return nil, nil
	}
	row := table[0]
	info := &CPUInfo{NumCPUs: 1}
	for i := range info.Load {
		val, err := convert.Float64E(row[i])
		if err != nil {
			return nil, fmt.Errorf("load %d: %s", i, err.Error())
		}
		info.Load[i] = val
	}
	if len(row) > 3 {
		running, total, ok := strings.Cut(row[3], "/")
		if ok {
			info.ProcsRunning = convert.Int64(running)
			info.ProcsTotal = convert.Int64(total)
		}
	}
	if len(row) > 5 {
		if num := convert.Int64(row[5]); num > 0 {
			info.NumCPUs = num
		}
	}

	return info, nil
}

func checkCPULoads(_ *CheckContext, _ string, params Params, sections SectionSet) ([]SubResult, error) {
	info, ok := SectionAs[*CPUInfo](sections, "cpu")
	if !ok {
		return nil, nil
	}

	levels, err := params.Levels("levels")
	if err != nil {
		return nil, err
	}
	cores := float64(info.NumCPUs)
	var scaled *Levels
	if levels != nil {
		scaled = &Levels{Warn: levels.Warn * cores, Crit: levels.Crit * cores}
	}

	results := CheckLevels(info.Load[2], LevelsOpts{
		Upper:  scaled,
		Metric: "load15",
		Label:  "15 min load",
		Min:    Float(0),
		Max:    Float(cores),
	})
	results = append(results,
		NewResult(StateOK, "15 min load per core: %.2f (%d cores)", info.Load[2]/cores, info.NumCPUs),
		&CheckMetric{Name: "load1", Value: info.Load[0], Min: Float(0), Max: Float(cores)},
		&CheckMetric{Name: "load5", Value: info.Load[1], Min: Float(0), Max: Float(cores)},
		NewDetail(StateOK, "1 min load: %.2f", info.Load[0]),
		NewDetail(StateOK, "5 min load: %.2f", info.Load[1]),
	)
	if info.ProcsTotal > 0 {
		results = append(results, NewDetail(StateOK, "Processes: %d running, %d total", info.ProcsRunning, info.ProcsTotal))
	}

	return results, nil
}
