package cmkengine

import (
	"strings"
)

func init() {
	AvailableSections["snmp_info"] = &SectionPlugin{
		Name:  "snmp_info",
		Parse: parseSNMPInfo,
		SNMP: &SNMPTree{
			Detect: func(sysDescr, _ string) bool { return sysDescr != "" },
			OIDs: []string{
				OIDSysDescr,
				".1.3.6.1.2.1.1.4.0", // sysContact
				".1.3.6.1.2.1.1.5.0", // sysName
				".1.3.6.1.2.1.1.6.0", // sysLocation
			},
		},
	}
	AvailableChecks["snmp_info"] = &CheckPlugin{
		Name:        "snmp_info",
		ServiceName: "SNMP Info",
		Discover:    discoverSingle,
		Check:       checkSNMPInfo,
	}
}

// SNMPInfo contains the system group of a device.
type SNMPInfo struct {
	Description string
	Contact     string
	Name        string
	Location    string
}

func parseSNMPInfo(table StringTable) (interface{}, error) {
	if len(table) == 0 {
		return nil, nil
	}
	row := make([]string, 4)
	copy(row, table[0])

	return &SNMPInfo{
		Description: strings.TrimSpace(row[0]),
		Contact:     strings.TrimSpace(row[1]),
		Name:        strings.TrimSpace(row[2]),
		Location:    strings.TrimSpace(row[3]),
	}, nil
}

func checkSNMPInfo(_ *CheckContext, _ string, _ Params, sections SectionSet) ([]SubResult, error) {
	info, ok := SectionAs[*SNMPInfo](sections, "snmp_info")
	if !ok {
		return nil, nil
	}

	return []SubResult{
		NewResult(StateOK, "%s, %s, %s, %s", info.Description, info.Contact, info.Name, info.Location),
	}, nil
}
