package cmkengine

import (
	"context"
	"fmt"
	"sort"
)

// HostData contains fetched and parsed data of a host.
type HostData struct {
	Config        *HostConfig
	Sections      *HostSections
	Parsed        map[string]interface{}
	ParseErrors   map[string]error
	SourceResults []*SourceResult
}

// FetchHostData fetches all sources of a host and parses the sections.
func (e *Engine) FetchHostData(ctx context.Context, hostConf *HostConfig, mode FetchMode) *HostData {
	sections, results := e.FetchHostSections(ctx, hostConf, mode)
	data := &HostData{
		Config:        hostConf,
		Sections:      sections,
		SourceResults: results,
	}
	data.Parsed, data.ParseErrors = ParseSections(sections)

	return data
}

// ParseSections runs the section plugins on all raw sections.
// Sections without plugin are passed through as StringTable.
func ParseSections(sections *HostSections) (parsed map[string]interface{}, parseErrors map[string]error) {
	parsed = make(map[string]interface{}, len(sections.Sections))
	parseErrors = make(map[string]error)
	for name, table := range sections.Sections {
		plugin, ok := AvailableSections[name]
		if !ok || plugin.Parse == nil {
			parsed[name] = table

			continue
		}
		res, err := parseSection(plugin, table)
		if err != nil {
			log.Debugf("parsing section %s failed: %s", name, err.Error())
			parseErrors[name] = err

			continue
		}
		if res != nil {
			parsed[name] = res
		}
	}

	return parsed, parseErrors
}

func parseSection(plugin *SectionPlugin, table StringTable) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse function crashed: %v", r)
		}
	}()

	return plugin.Parse(table)
}

// SectionSet returns the parsed sections a check plugin subscribes to.
// ok is false if none of them is available.
func (d *HostData) SectionSet(plugin *CheckPlugin) (set SectionSet, ok bool) {
	set = SectionSet{}
	for _, name := range plugin.SectionNames() {
		if section, found := d.Parsed[name]; found {
			set[name] = section
		}
	}

	return set, len(set) > 0
}

// DiscoverHostLabels returns the host labels from all section plugins.
func (d *HostData) DiscoverHostLabels() HostLabels {
	labels := HostLabels{}
	names := make([]string, 0, len(d.Parsed))
	for name := range d.Parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		plugin, ok := AvailableSections[name]
		if !ok || plugin.HostLabels == nil {
			continue
		}
		for _, label := range plugin.HostLabels(d.Parsed[name]) {
			label.Plugin = name
			labels[label.Name] = label
		}
	}

	return labels
}

// hasAnyData returns true if any source delivered at least one section.
func (d *HostData) hasAnyData() bool {
	return len(d.Sections.Sections) > 0
}
