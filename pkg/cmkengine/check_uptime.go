package cmkengine

import (
	"fmt"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/humanize"
)

const OIDSysUpTime = ".1.3.6.1.2.1.1.3.0"

func init() {
	AvailableSections["uptime"] = &SectionPlugin{
		Name:  "uptime",
		Parse: parseUptime,
	}
	AvailableSections["snmp_uptime"] = &SectionPlugin{
		Name:  "snmp_uptime",
		Parse: parseSNMPUptime,
		SNMP: &SNMPTree{
			Detect: func(sysDescr, _ string) bool { return sysDescr != "" },
			OIDs:   []string{OIDSysUpTime},
		},
	}

	for _, name := range []string{"uptime", "snmp_uptime"} {
		AvailableChecks[name] = &CheckPlugin{
			Name:        name,
			ServiceName: "Uptime",
			Discover:    discoverSingle,
			Check:       checkUptime,
		}
	}
}

// Uptime contains the parsed uptime in seconds.
type Uptime struct {
	Seconds float64
}

// uptime section: <uptime seconds> [<idle seconds>]
func parseUptime(table StringTable) (interface{}, error) {
	if len(table) == 0 || len(table[0]) == 0 {
		return nil, nil
	}
	seconds, err := convert.Float64E(table[0][0])
	if err != nil {
		return nil, fmt.Errorf("invalid uptime: %s", err.Error())
	}

	return &Uptime{Seconds: seconds}, nil
}

// sysUpTime is reported in 1/100 seconds
func parseSNMPUptime(table StringTable) (interface{}, error) {
	if len(table) == 0 || len(table[0]) == 0 || table[0][0] == "" {
		return nil, nil
	}
	ticks, err := convert.Float64E(table[0][0])
	if err != nil {
		return nil, fmt.Errorf("invalid sysUpTime: %s", err.Error())
	}

	return &Uptime{Seconds: ticks / 100}, nil
}

// discoverSingle creates one service without item for plugins with any data.
func discoverSingle(_ SectionSet) ([]*Service, error) {
	return []*Service{{}}, nil
}

func checkUptime(cc *CheckContext, _ string, params Params, sections SectionSet) ([]SubResult, error) {
	var uptime *Uptime
	for _, section := range sections {
		if parsed, ok := section.(*Uptime); ok {
			uptime = parsed
		}
	}
	if uptime == nil {
		return nil, nil
	}

	lower, err := params.Levels("min")
	if err != nil {
		return nil, err
	}
	upper, err := params.Levels("max")
	if err != nil {
		return nil, err
	}

	since := cc.Now.Add(-time.Duration(uptime.Seconds * float64(time.Second)))
	results := []SubResult{NewResult(StateOK, "Up since %s", humanize.Datetime(since))}
	results = append(results, CheckLevels(uptime.Seconds, LevelsOpts{
		Upper:  upper,
		Lower:  lower,
		Metric: "uptime",
		Label:  "Uptime",
		Render: humanize.Timespan,
	})...)

	return results, nil
}
