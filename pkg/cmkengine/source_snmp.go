package cmkengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

const (
	OIDSysDescr    = ".1.3.6.1.2.1.1.1.0"
	OIDSysObjectID = ".1.3.6.1.2.1.1.2.0"
)

func init() {
	AvailableSources["snmp"] = func(e *Engine, hostConf *HostConfig) Source {
		return &SNMPSource{engine: e, host: hostConf}
	}
}

// SNMPClient is the subset of gosnmp used to fetch sections.
type SNMPClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
}

// SNMPSource fetches all SNMP sections whose detection matches the device.
type SNMPSource struct {
	engine *Engine
	host   *HostConfig
}

func (s *SNMPSource) Name() string {
	return "snmp"
}

func (s *SNMPSource) Fetch(ctx context.Context, _ FetchMode) (*HostSections, error) {
	client := &gosnmp.GoSNMP{
		Target:    s.host.Address,
		Port:      uint16(s.host.SNMPPort),
		Community: s.host.SNMPCommunity,
		Timeout:   s.engine.Settings.ConnectTimeout,
		Retries:   1,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if client.Timeout <= 0 {
		client.Timeout = 5 * time.Second
	}
	switch s.host.SNMPVersion {
	case "1":
		client.Version = gosnmp.Version1
	case "2c", "2":
		client.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("unsupported snmp version: %s", s.host.SNMPVersion)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect to %s: %w", s.host.Address, err)
	}
	defer client.Conn.Close()

	return FetchSNMPSections(client, AvailableSections)
}

// FetchSNMPSections detects the device and fetches all matching SNMP sections.
func FetchSNMPSections(client SNMPClient, sections map[string]*SectionPlugin) (*HostSections, error) {
	packet, err := client.Get([]string{OIDSysDescr, OIDSysObjectID})
	if err != nil {
		return nil, fmt.Errorf("snmp get system info: %w", err)
	}
	sysDescr, sysObjectID := "", ""
	for _, pdu := range packet.Variables {
		switch normalizeOID(pdu.Name) {
		case OIDSysDescr:
			sysDescr = snmpValueString(pdu)
		case OIDSysObjectID:
			sysObjectID = snmpValueString(pdu)
		}
	}

	result := NewHostSections()
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		plugin := sections[name]
		if plugin.SNMP == nil {
			continue
		}
		if plugin.SNMP.Detect != nil && !plugin.SNMP.Detect(sysDescr, sysObjectID) {
			continue
		}
		table, err := fetchSNMPTree(client, plugin.SNMP)
		if err != nil {
			return nil, fmt.Errorf("snmp section %s: %w", name, err)
		}
		result.Sections[name] = table
	}

	return result, nil
}

// fetchSNMPTree fetches every OID as column. Scalars (.0) are fetched with get.
func fetchSNMPTree(client SNMPClient, tree *SNMPTree) (StringTable, error) {
	scalars := []string{}
	columns := make([]map[string]string, len(tree.OIDs))
	indexes := []string{}
	seen := map[string]bool{}
	for i, oid := range tree.OIDs {
		oid = normalizeOID(oid)
		if strings.HasSuffix(oid, ".0") {
			scalars = append(scalars, oid)

			continue
		}
		pdus, err := client.BulkWalkAll(oid)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", oid, err)
		}
		columns[i] = map[string]string{}
		for _, pdu := range pdus {
			index := strings.TrimPrefix(strings.TrimPrefix(normalizeOID(pdu.Name), oid), ".")
			columns[i][index] = snmpValueString(pdu)
			if !seen[index] {
				seen[index] = true
				indexes = append(indexes, index)
			}
		}
	}

	// only scalars: a single row
	if len(scalars) == len(tree.OIDs) {
		packet, err := client.Get(scalars)
		if err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
		values := map[string]string{}
		for _, pdu := range packet.Variables {
			if pdu.Type == gosnmp.NoSuchObject || pdu.Type == gosnmp.NoSuchInstance {
				continue
			}
			values[normalizeOID(pdu.Name)] = snmpValueString(pdu)
		}
		row := make([]string, len(scalars))
		for i, oid := range scalars {
			row[i] = values[oid]
		}

		return StringTable{row}, nil
	}
	if len(scalars) > 0 {
		return nil, fmt.Errorf("cannot mix scalars and tables in one section")
	}

	table := StringTable{}
	for _, index := range indexes {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = col[index]
		}
		table = append(table, row)
	}

	return table, nil
}

func normalizeOID(oid string) string {
	if !strings.HasPrefix(oid, ".") {
		return "." + oid
	}

	return oid
}

func snmpValueString(pdu gosnmp.SnmpPDU) string {
	switch val := pdu.Value.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case nil:
		return ""
	}
	switch pdu.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(pdu.Value).String()
	}

	return fmt.Sprintf("%v", pdu.Value)
}
