package cmkengine

import (
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
)

func init() {
	AvailableSections["check_mk"] = &SectionPlugin{
		Name: "check_mk",
		Parse: func(table StringTable) (interface{}, error) {
			return ParseAgentInfo(table), nil
		},
		HostLabels: hostLabelsCheckMK,
	}
	AvailableChecks["checkmk_agent"] = &CheckPlugin{
		Name:        "checkmk_agent",
		Sections:    []string{"check_mk"},
		ServiceName: "Check_MK Agent",
		Discover:    discoverSingle,
		Check:       checkCheckMKAgent,
	}
}

// hostLabelsCheckMK sets cmk/os_family from the AgentOS line.
func hostLabelsCheckMK(parsed interface{}) []HostLabel {
	info, ok := parsed.(*AgentInfo)
	if !ok || info.OS == "" || info.OS == "unknown" {
		return nil
	}

	return []HostLabel{{Name: "cmk/os_family", Value: strings.ToLower(info.OS)}}
}

func checkCheckMKAgent(_ *CheckContext, _ string, params Params, sections SectionSet) ([]SubResult, error) {
	info, ok := SectionAs[*AgentInfo](sections, "check_mk")
	if !ok {
		return nil, nil
	}

	results := []SubResult{}
	minVersion := params.String("min_version", "")
	if minVersion != "" && utils.ParseVersion(info.Version) < utils.ParseVersion(minVersion) {
		results = append(results, NewResult(params.State("min_version_state", StateWarn),
			"Version: %s (at least %s required)", info.Version, minVersion))
	} else {
		results = append(results, NewResult(StateOK, "Version: %s", info.Version))
	}
	results = append(results, NewResult(StateOK, "OS: %s", info.OS))

	if len(info.OnlyFrom) > 0 {
		results = append(results, NewDetail(StateOK, "Allowed IP ranges: %s", strings.Join(info.OnlyFrom, " ")))
	}
	if info.AgentDir != "" {
		results = append(results, NewDetail(StateOK, "Agent directory: %s", info.AgentDir))
	}

	return results, nil
}
