package cmkengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DiscoveryMode selects what DiscoverOnHost changes.
type DiscoveryMode string

const (
	DiscoveryModeNew            DiscoveryMode = "new"
	DiscoveryModeRemove         DiscoveryMode = "remove"
	DiscoveryModeFixAll         DiscoveryMode = "fixall"
	DiscoveryModeRefresh        DiscoveryMode = "refresh"
	DiscoveryModeOnlyHostLabels DiscoveryMode = "only-host-labels"
)

// ParseDiscoveryMode parses the name of a discovery mode.
func ParseDiscoveryMode(raw string) (DiscoveryMode, error) {
	mode := DiscoveryMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case DiscoveryModeNew, DiscoveryModeRemove, DiscoveryModeFixAll, DiscoveryModeRefresh, DiscoveryModeOnlyHostLabels:
		return mode, nil
	}

	return "", fmt.Errorf("unknown discovery mode %q, use one of: new, remove, fixall, refresh, only-host-labels", raw)
}

func (m DiscoveryMode) addsServices() bool {
	return m == DiscoveryModeNew || m == DiscoveryModeFixAll || m == DiscoveryModeRefresh
}

func (m DiscoveryMode) removesServices() bool {
	return m == DiscoveryModeRemove || m == DiscoveryModeFixAll
}

// dropsVanished returns true if the mode gets rid of vanished services, either
// explicitly or by rediscovering from scratch.
func (m DiscoveryMode) dropsVanished() bool {
	return m.removesServices() || m == DiscoveryModeRefresh
}

func (m DiscoveryMode) addsHostLabels() bool {
	return m != DiscoveryModeRemove
}

func (m DiscoveryMode) removesHostLabels() bool {
	return m == DiscoveryModeRemove || m == DiscoveryModeFixAll || m == DiscoveryModeRefresh
}

// Transition describes the discovery state of a service.
type Transition string

const (
	TransitionNew      Transition = "new"
	TransitionOld      Transition = "old"
	TransitionVanished Transition = "vanished"
	TransitionIgnored  Transition = "ignored"
	TransitionManual   Transition = "manual"
	TransitionActive   Transition = "active"
)

// DiscoveredService is a service with its discovery state and optional check preview.
type DiscoveredService struct {
	Transition Transition   `json:"transition"`
	Service    *Service     `json:"service"`
	Result     *CheckResult `json:"result,omitempty"`
}

// HostDiscovery contains the outcome of a discovery without changing anything.
type HostDiscovery struct {
	Services       []*DiscoveredService
	HostLabels     HostLabels // currently discovered
	StoredLabels   HostLabels // stored from earlier discoveries
	NewHostLabels  HostLabels
	VanishedLabels HostLabels
	Data           *HostData
}

// DiscoveryResult counts the changes done by DiscoverOnHost.
type DiscoveryResult struct {
	SelfNew             int    `json:"self_new"`
	SelfRemoved         int    `json:"self_removed"`
	SelfKept            int    `json:"self_kept"`
	SelfTotal           int    `json:"self_total"`
	SelfNewHostLabels   int    `json:"self_new_host_labels"`
	SelfTotalHostLabels int    `json:"self_total_host_labels"`
	Diff                string `json:"diff_text"`
	Error               string `json:"error_text,omitempty"`
}

func (r *DiscoveryResult) String() string {
	return fmt.Sprintf("%d new, %d removed, %d kept, %d total services and %d new, %d total host labels",
		r.SelfNew, r.SelfRemoved, r.SelfKept, r.SelfTotal, r.SelfNewHostLabels, r.SelfTotalHostLabels)
}

// DiscoverServices fetches the host data and compares the discovered services with the autochecks.
func (e *Engine) DiscoverServices(ctx context.Context, host string) (*HostDiscovery, error) {
	hostConf, err := e.HostConfig(host)
	if err != nil {
		return nil, err
	}
	data := e.FetchHostData(ctx, hostConf, ModeDiscovery)
	if !data.hasAnyData() {
		return nil, fmt.Errorf("%w: %s", ErrSourceFailed, sourceErrorText(data.SourceResults))
	}

	autochecks, err := e.ReadAutochecks(host)
	if err != nil {
		return nil, err
	}

	return e.discoverFromData(data, autochecks)
}

func sourceErrorText(results []*SourceResult) string {
	errs := []string{}
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Sprintf("[%s] %s", res.Source, res.Err.Error()))
		}
	}
	if len(errs) == 0 {
		return "got no information from host"
	}

	return strings.Join(errs, ", ")
}

func (e *Engine) discoverFromData(data *HostData, autochecks []*Service) (*HostDiscovery, error) {
	hostConf := data.Config
	discovered := e.runDiscoveryPlugins(data)

	manual := map[ServiceID]*Service{}
	for _, svc := range hostConf.ManualChecks {
		svc.Description = e.ServiceDescription(svc.Plugin, svc.Item)
		manual[svc.ID()] = svc
	}

	existing := map[ServiceID]*Service{}
	for _, svc := range autochecks {
		existing[svc.ID()] = svc
	}
	found := map[ServiceID]*Service{}
	for _, svc := range discovered {
		found[svc.ID()] = svc
	}

	services := []*DiscoveredService{}
	for _, svc := range autochecks {
		if _, ok := manual[svc.ID()]; ok {
			continue
		}
		transition := TransitionOld
		if _, ok := found[svc.ID()]; !ok {
			transition = TransitionVanished
		}
		if hostConf.IsIgnored(svc.Description) {
			transition = TransitionIgnored
		}
		services = append(services, &DiscoveredService{Transition: transition, Service: svc})
	}
	for _, svc := range discovered {
		if _, ok := existing[svc.ID()]; ok {
			continue
		}
		if _, ok := manual[svc.ID()]; ok {
			continue
		}
		transition := TransitionNew
		if hostConf.IsIgnored(svc.Description) {
			transition = TransitionIgnored
		}
		services = append(services, &DiscoveredService{Transition: transition, Service: svc})
	}
	for _, svc := range hostConf.ManualChecks {
		services = append(services, &DiscoveredService{Transition: TransitionManual, Service: svc})
	}
	for name, cmdLine := range hostConf.ActiveChecks {
		services = append(services, &DiscoveredService{
			Transition: TransitionActive,
			Service: &Service{
				Plugin:      "active",
				Item:        name,
				Description: name,
				Parameters:  Params{"command_line": cmdLine},
			},
		})
	}
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].Service.Description < services[j].Service.Description
	})

	stored, err := e.ReadDiscoveredHostLabels(hostConf.Name)
	if err != nil {
		return nil, err
	}
	current := data.DiscoverHostLabels()
	newLabels := HostLabels{}
	for name, label := range current {
		if old, ok := stored[name]; !ok || old.Value != label.Value {
			newLabels[name] = label
		}
	}
	vanishedLabels := HostLabels{}
	for name, label := range stored {
		if cur, ok := current[name]; !ok || cur.Value != label.Value {
			vanishedLabels[name] = label
		}
	}

	return &HostDiscovery{
		Services:       services,
		HostLabels:     current,
		StoredLabels:   stored,
		NewHostLabels:  newLabels,
		VanishedLabels: vanishedLabels,
		Data:           data,
	}, nil
}

// runDiscoveryPlugins runs the discovery function of all check plugins with data.
func (e *Engine) runDiscoveryPlugins(data *HostData) []*Service {
	services := []*Service{}
	seen := map[string]bool{}
	for _, name := range CheckPluginNames() {
		plugin := AvailableChecks[name]
		if plugin.Discover == nil {
			continue
		}
		sections, ok := data.SectionSet(plugin)
		if !ok {
			continue
		}
		discovered, err := runDiscoveryFunction(plugin, sections)
		if err != nil {
			log.Errorf("[%s] discovery of %s failed: %s", data.Config.Name, name, err.Error())

			continue
		}
		for _, svc := range discovered {
			svc.Plugin = name
			svc.Description = e.ServiceDescription(name, svc.Item)
			if seen[svc.Description] {
				continue
			}
			seen[svc.Description] = true
			services = append(services, svc)
		}
	}

	return services
}

func runDiscoveryFunction(plugin *CheckPlugin, sections SectionSet) (services []*Service, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery function crashed: %v", r)
		}
	}()

	return plugin.Discover(sections)
}

// DiscoverOnHost runs a discovery and updates the autochecks and host labels according to mode.
func (e *Engine) DiscoverOnHost(ctx context.Context, host string, mode DiscoveryMode, filters *ServiceFilters) (*DiscoveryResult, error) {
	defer e.lockHost(host)()
	discoveryRuns.WithLabelValues(string(mode)).Inc()

	if filters == nil {
		filters = e.Settings.Discovery.ServiceFilters
	}
	hostConf, err := e.HostConfig(host)
	if err != nil {
		return nil, err
	}
	data := e.FetchHostData(ctx, hostConf, ModeDiscovery)
	if !data.hasAnyData() {
		return nil, fmt.Errorf("%w: %s", ErrSourceFailed, sourceErrorText(data.SourceResults))
	}

	result := &DiscoveryResult{}
	autochecks := []*Service{}
	if mode == DiscoveryModeRefresh {
		removed, err := e.RemoveAutochecks(host)
		if err != nil {
			return nil, err
		}
		result.SelfRemoved += removed
	} else {
		autochecks, err = e.ReadAutochecks(host)
		if err != nil {
			return nil, err
		}
	}
	discovery, err := e.discoverFromData(data, autochecks)
	if err != nil {
		return nil, err
	}

	inAutochecks := map[ServiceID]bool{}
	for _, svc := range autochecks {
		inAutochecks[svc.ID()] = true
	}

	diff := []string{}
	keep := []*Service{}
	for _, entry := range discovery.Services {
		svc := entry.Service
		switch entry.Transition {
		case TransitionNew:
			if mode.addsServices() && filters.New.Match(svc.Description) {
				keep = append(keep, svc)
				result.SelfNew++
				diff = append(diff, fmt.Sprintf("added service: %s", svc.Description))
			}
		case TransitionOld, TransitionIgnored:
			if !inAutochecks[svc.ID()] {
				continue
			}
			keep = append(keep, svc)
			result.SelfKept++
		case TransitionVanished:
			if mode.removesServices() && filters.Vanished.Match(svc.Description) {
				result.SelfRemoved++
				diff = append(diff, fmt.Sprintf("removed service: %s", svc.Description))
			} else {
				keep = append(keep, svc)
				result.SelfKept++
			}
		case TransitionManual, TransitionActive:
		}
	}
	result.SelfTotal = len(keep)

	if mode == DiscoveryModeOnlyHostLabels {
		result.SelfNew, result.SelfRemoved = 0, 0
		result.SelfKept = len(autochecks)
		result.SelfTotal = len(autochecks)
		diff = []string{}
	} else if result.SelfNew > 0 || result.SelfRemoved > 0 || mode == DiscoveryModeRefresh {
		if err := e.WriteAutochecks(host, keep); err != nil {
			return nil, err
		}
	}

	labels := HostLabels{}
	for name, label := range discovery.StoredLabels {
		labels[name] = label
	}
	if mode.removesHostLabels() {
		for _, label := range discovery.VanishedLabels.Sorted() {
			if _, replaced := discovery.NewHostLabels[label.Name]; replaced && mode.addsHostLabels() {
				continue
			}
			delete(labels, label.Name)
			diff = append(diff, fmt.Sprintf("removed host label: %s", label.String()))
		}
	}
	if mode.addsHostLabels() {
		for _, label := range discovery.NewHostLabels.Sorted() {
			labels[label.Name] = label
			result.SelfNewHostLabels++
			diff = append(diff, fmt.Sprintf("added host label: %s", label.String()))
		}
	}
	result.SelfTotalHostLabels = len(labels)
	if result.SelfNewHostLabels > 0 || len(labels) != len(discovery.StoredLabels) {
		if err := e.WriteDiscoveredHostLabels(host, labels); err != nil {
			return nil, err
		}
	}

	result.Diff = strings.Join(diff, "\n")
	if result.Diff == "" {
		result.Diff = "Nothing was changed."
	}
	log.Infof("[%s] discovery (%s): %s", host, mode, result.String())

	return result, nil
}

// CheckPreview discovers the services of a host and runs the check of each of them.
func (e *Engine) CheckPreview(ctx context.Context, host string) ([]*DiscoveredService, error) {
	discovery, err := e.DiscoverServices(ctx, host)
	if err != nil {
		return nil, err
	}

	store, err := LoadValueStore(e.ValueStorePath(host))
	if err != nil {
		return nil, err
	}
	for _, entry := range discovery.Services {
		if entry.Transition == TransitionActive {
			continue
		}
		_, _, entry.Result = e.GetAggregatedResult(discovery.Data, entry.Service, store)
	}

	return discovery.Services, nil
}
