package cmkengine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StringTable is the raw content of a section: lines split into words.
type StringTable [][]string

// SectionPlugin turns the raw data of a section into a parsed structure.
type SectionPlugin struct {
	Name string

	// Parse converts the raw table. Without parse function the StringTable is used as is.
	Parse func(table StringTable) (interface{}, error)

	// HostLabels derives host labels from the parsed section
	HostLabels func(parsed interface{}) []HostLabel

	// SNMP marks the section to be fetched from SNMP instead of the agent.
	SNMP *SNMPTree
}

// SNMPTree describes which OIDs to fetch for a SNMP section.
// Every OID results in one column, rows are built from the common OID index.
// OIDs ending with .0 are scalars and produce a single row.
type SNMPTree struct {
	Detect func(sysDescr, sysObjectID string) bool
	OIDs   []string
}

// CheckPlugin discovers services from sections and checks them.
type CheckPlugin struct {
	Name          string
	Sections      []string // defaults to the plugin name
	ServiceName   string   // service description template, %s is replaced by the item
	DefaultParams Params
	Discover      func(sections SectionSet) ([]*Service, error)
	Check         func(cc *CheckContext, item string, params Params, sections SectionSet) ([]SubResult, error)
}

// SectionNames returns the sections the plugin subscribes to.
func (p *CheckPlugin) SectionNames() []string {
	if len(p.Sections) == 0 {
		return []string{p.Name}
	}

	return p.Sections
}

// AvailableSections contains all registered section plugins.
var AvailableSections = map[string]*SectionPlugin{}

// AvailableChecks contains all registered check plugins.
var AvailableChecks = map[string]*CheckPlugin{}

// LookupCheckPlugin returns the registered check plugin with a check function.
func LookupCheckPlugin(name string) (*CheckPlugin, error) {
	plugin, ok := AvailableChecks[name]
	if !ok || plugin.Check == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPlugin, name)
	}

	return plugin, nil
}

// CheckPluginNames returns the names of all registered check plugins sorted.
func CheckPluginNames() []string {
	names := make([]string, 0, len(AvailableChecks))
	for name := range AvailableChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// SectionSet contains the parsed sections a plugin subscribed to, missing sections are not set.
type SectionSet map[string]interface{}

// SectionAs returns the named section converted to the given type.
func SectionAs[T any](sections SectionSet, name string) (res T, ok bool) {
	raw, exists := sections[name]
	if !exists {
		return res, false
	}
	res, ok = raw.(T)

	return res, ok
}

// CheckContext carries per run information into check functions.
type CheckContext struct {
	Host       string
	Service    ServiceID
	Now        time.Time
	ValueStore *ValueStore
}

// GetRate returns the rate of a counter for the current service.
func (cc *CheckContext) GetRate(key string, value float64) (float64, error) {
	return cc.ValueStore.GetRate(cc.Service.String()+"."+key, cc.Now, value)
}

// ServiceID identifies a service on a host.
type ServiceID struct {
	Plugin string
	Item   string
}

func (id ServiceID) String() string {
	if id.Item == "" {
		return id.Plugin
	}

	return fmt.Sprintf("%s:%s", id.Plugin, id.Item)
}

// ParseServiceID parses plugin[:item]
func ParseServiceID(raw string) ServiceID {
	plugin, item, _ := strings.Cut(strings.TrimSpace(raw), ":")

	return ServiceID{Plugin: strings.TrimSpace(plugin), Item: strings.TrimSpace(item)}
}

// Service is a (check plugin, item) pair with its discovered parameters.
type Service struct {
	Plugin      string            `yaml:"check_plugin_name" json:"check_plugin_name"`
	Item        string            `yaml:"item,omitempty" json:"item,omitempty"`
	Parameters  Params            `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Labels      map[string]string `yaml:"service_labels,omitempty" json:"service_labels,omitempty"`
	Description string            `yaml:"-" json:"description"`
}

// ID returns the service identifier.
func (s *Service) ID() ServiceID {
	return ServiceID{Plugin: s.Plugin, Item: s.Item}
}

// HostLabel is a label attached to a host by discovery.
type HostLabel struct {
	Name   string `yaml:"-" json:"name"`
	Value  string `yaml:"value" json:"value"`
	Plugin string `yaml:"plugin_name" json:"plugin_name"`
}

func (l HostLabel) String() string {
	return fmt.Sprintf("%s:%s", l.Name, l.Value)
}
