package cmkengine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/humanize"
)

func init() {
	AvailableSections["mssql_counters"] = &SectionPlugin{
		Name:  "mssql_counters",
		Parse: parseMSSQLCounters,
	}
	AvailableChecks["mssql_counters_cache_hits"] = &CheckPlugin{
		Name:        "mssql_counters_cache_hits",
		Sections:    []string{"mssql_counters"},
		ServiceName: "MSSQL %s",
		Discover:    discoverMSSQLCacheHits,
		Check:       checkMSSQLCacheHits,
	}
	AvailableChecks["mssql_counters_locks"] = &CheckPlugin{
		Name:        "mssql_counters_locks",
		Sections:    []string{"mssql_counters"},
		ServiceName: "MSSQL %s Locks",
		Discover:    discoverMSSQLLocks,
		Check:       checkMSSQLLocks,
	}
}

// MSSQLCounters maps "<object> <instance>" to the counters of that instance.
type MSSQLCounters map[string]map[string]float64

var mssqlLockCounters = []struct {
	counter string
	metric  string
	label   string
}{
	{"lock_requests/sec", "lock_requests_per_second", "Requests"},
	{"lock_timeouts/sec", "lock_timeouts_per_second", "Timeouts"},
	{"number_of_deadlocks/sec", "number_of_deadlocks_per_second", "Deadlocks"},
	{"lock_waits/sec", "lock_waits_per_second", "Waits"},
}

// mssql_counters section: <object> <counter> <instance> <value>
// Lines with non numeric values (like the utc_time line) are skipped.
func parseMSSQLCounters(table StringTable) (interface{}, error) {
	parsed := MSSQLCounters{}
	for _, row := range table {
		if len(row) < 4 || row[0] == "None" {
			continue
		}
		obj, counter, instance := row[0], row[1], row[2]
		value, err := convert.Float64E(row[3])
		if err != nil {
			continue
		}
		key := obj + " " + instance
		if _, ok := parsed[key]; !ok {
			parsed[key] = map[string]float64{}
		}
		parsed[key][counter] = value
	}

	return parsed, nil
}

func discoverMSSQLCacheHits(sections SectionSet) ([]*Service, error) {
	counters, ok := SectionAs[MSSQLCounters](sections, "mssql_counters")
	if !ok {
		return nil, nil
	}
	services := []*Service{}
	for key, values := range counters {
		for counter := range values {
			if !strings.HasSuffix(counter, "cache_hit_ratio") {
				continue
			}
			if _, ok := values[counter+"_base"]; !ok {
				continue
			}
			services = append(services, &Service{Item: key + " " + counter})
		}
	}

	return services, nil
}

func checkMSSQLCacheHits(_ *CheckContext, item string, params Params, sections SectionSet) ([]SubResult, error) {
	counters, ok := SectionAs[MSSQLCounters](sections, "mssql_counters")
	if !ok {
		return nil, nil
	}
	idx := strings.LastIndex(item, " ")
	if idx < 0 {
		return nil, nil
	}
	key, counter := item[:idx], item[idx+1:]
	values, ok := counters[key]
	if !ok {
		return nil, nil
	}
	value, ok := values[counter]
	if !ok {
		return nil, nil
	}
	base := values[counter+"_base"]
	ratio := 0.0
	if base != 0 {
		ratio = value * 100 / base
	}

	lower, err := params.Levels("levels_lower")
	if err != nil {
		return nil, err
	}

	return CheckLevels(ratio, LevelsOpts{
		Lower:  lower,
		Metric: "cache_hit_ratio",
		Label:  "Cache hit ratio",
		Render: humanize.Percent,
		Min:    Float(0),
		Max:    Float(100),
	}), nil
}

func discoverMSSQLLocks(sections SectionSet) ([]*Service, error) {
	counters, ok := SectionAs[MSSQLCounters](sections, "mssql_counters")
	if !ok {
		return nil, nil
	}
	services := []*Service{}
	for key, values := range counters {
		obj, _, _ := strings.Cut(key, " ")
		if !strings.HasSuffix(obj, ":Locks") {
			continue
		}
		for _, lc := range mssqlLockCounters {
			if _, ok := values[lc.counter]; ok {
				services = append(services, &Service{Item: key})

				break
			}
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Item < services[j].Item })

	return services, nil
}

func checkMSSQLLocks(cc *CheckContext, item string, params Params, sections SectionSet) ([]SubResult, error) {
	counters, ok := SectionAs[MSSQLCounters](sections, "mssql_counters")
	if !ok {
		return nil, nil
	}
	values, ok := counters[item]
	if !ok {
		return nil, nil
	}

	results := []SubResult{}
	wrapped := false
	for _, lc := range mssqlLockCounters {
		value, ok := values[lc.counter]
		if !ok {
			continue
		}
		rate, err := cc.GetRate(lc.counter, value)
		if errors.Is(err, ErrCounterWrapped) {
			// initialize all counters before giving up
			wrapped = true

			continue
		}
		if err != nil {
			return nil, err
		}
		upper, err := params.Levels(lc.counter)
		if err != nil {
			return nil, err
		}
		results = append(results, CheckLevels(rate, LevelsOpts{
			Upper:  upper,
			Metric: lc.metric,
			Label:  lc.label,
			Render: func(v float64) string { return fmt.Sprintf("%.1f/s", v) },
			Min:    Float(0),
		})...)
	}
	if wrapped {
		return nil, fmt.Errorf("%w: %s", ErrCounterWrapped, item)
	}

	return results, nil
}
