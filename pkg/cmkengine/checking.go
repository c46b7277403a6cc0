package cmkengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// HostServiceName is the description of the service summarizing the data sources.
const HostServiceName = "Check_MK"

// CheckOptions changes the behavior of CheckHost.
type CheckOptions struct {
	// only check services of these plugins, all if empty
	Plugins []string

	// do not submit any results
	DryRun bool

	// submit the Check_MK service as well, used when no core runs the check itself
	SubmitHostService bool

	// print one line per service
	Output io.Writer
}

// HostServices returns the services to check on a host: autochecks and manual checks
// without ignored services, sorted by description. Manual checks replace autochecks.
func (e *Engine) HostServices(hostConf *HostConfig) ([]*Service, error) {
	autochecks, err := e.ReadAutochecks(hostConf.Name)
	if err != nil {
		return nil, err
	}

	byID := map[ServiceID]*Service{}
	for _, svc := range autochecks {
		byID[svc.ID()] = svc
	}
	for _, svc := range hostConf.ManualChecks {
		svc.Description = e.ServiceDescription(svc.Plugin, svc.Item)
		byID[svc.ID()] = svc
	}

	services := make([]*Service, 0, len(byID))
	for _, svc := range byID {
		if hostConf.IsIgnored(svc.Description) {
			continue
		}
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Description == services[j].Description {
			return services[i].ID().String() < services[j].ID().String()
		}

		return services[i].Description < services[j].Description
	})

	return services, nil
}

// CheckHost fetches the data of a host, checks all its services and submits the results.
// The returned result is the one of the Check_MK service.
func (e *Engine) CheckHost(ctx context.Context, host string, opts *CheckOptions) (*CheckResult, error) {
	if opts == nil {
		opts = &CheckOptions{}
	}
	defer e.lockHost(host)()

	started := e.Now()
	hostConf, err := e.HostConfig(host)
	if err != nil {
		return nil, err
	}

	data := e.FetchHostData(ctx, hostConf, ModeChecking)

	services, err := e.HostServices(hostConf)
	if err != nil {
		return nil, err
	}
	if len(opts.Plugins) > 0 {
		filtered := []*Service{}
		for _, svc := range services {
			if slices.Contains(opts.Plugins, svc.Plugin) {
				filtered = append(filtered, svc)
			}
		}
		services = filtered
	}

	store, err := LoadValueStore(e.ValueStorePath(host))
	if err != nil {
		return nil, err
	}

	numSuccess := 0
	missing := map[string]bool{}
	for _, svc := range services {
		svcStarted := e.Now()
		submit, received, res := e.GetAggregatedResult(data, svc, store)
		if received {
			numSuccess++
		} else {
			missing[svc.Plugin] = true
		}
		if !submit {
			log.Debugf("[%s] %s: not submitting result: %s", host, svc.Description, res.Summary())

			continue
		}
		serviceChecks.WithLabelValues(res.State.String()).Inc()
		e.submitResult(host, svc.Description, res, svcStarted, opts)
	}

	if err := store.Save(); err != nil {
		log.Errorf("[%s] saving counters failed: %s", host, err.Error())
	}

	missingPlugins := make([]string, 0, len(missing))
	for name := range missing {
		missingPlugins = append(missingPlugins, name)
	}
	sort.Strings(missingPlugins)

	hostResult := e.hostServiceResult(data, missingPlugins, numSuccess > 0, e.Now().Sub(started))
	if opts.SubmitHostService {
		e.submitResult(host, HostServiceName, hostResult, started, opts)
	}

	if !opts.DryRun {
		if err := e.Submitter.Flush(); err != nil {
			log.Errorf("[%s] submitting check results failed: %s", host, err.Error())
		}
	}

	return hostResult, nil
}

func (e *Engine) submitResult(host, service string, res *CheckResult, started time.Time, opts *CheckOptions) {
	if opts.Output != nil {
		fmt.Fprintf(opts.Output, "%-20s %s - %s\n", service, res.State.String(), res.Summary())
	}
	if opts.DryRun {
		return
	}
	if err := e.Submitter.Submit(host, service, res, started, e.Now()); err != nil {
		log.Errorf("[%s] submitting %s failed: %s", host, service, err.Error())
	}
}

// GetAggregatedResult runs the check of a single service.
// submit is false if the result must not be sent to the core, dataReceived is false
// if none of the sections of the check plugin is available.
func (e *Engine) GetAggregatedResult(data *HostData, svc *Service, store *ValueStore) (submit, dataReceived bool, res *CheckResult) {
	plugin, err := LookupCheckPlugin(svc.Plugin)
	if err != nil {
		log.Debugf("[%s] %s: %s", data.Config.Name, svc.Description, err.Error())

		return true, true, &CheckResult{State: StateUnknown, Output: "Check plugin not implemented"}
	}

	sections, ok := data.SectionSet(plugin)
	if !ok {
		return false, false, &CheckResult{State: StateUnknown, Output: "Check plugin received no monitoring data"}
	}

	params, err := e.effectiveParams(data.Config, plugin, svc)
	if err != nil {
		return true, true, &CheckResult{State: StateUnknown, Output: fmt.Sprintf("Invalid check parameters: %s", err.Error())}
	}

	cc := &CheckContext{
		Host:       data.Config.Name,
		Service:    svc.ID(),
		Now:        e.Now(),
		ValueStore: store,
	}
	subResults, stack, err := runCheckFunction(plugin, cc, svc.Item, params, sections)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnoreResults), errors.Is(err, ErrCounterWrapped):
		return false, true, &CheckResult{State: StateOK, Output: err.Error()}
	default:
		return true, true, e.crashResult(data, svc, params, err, stack)
	}

	return true, true, AggregateResults(subResults)
}

// effectiveParams merges plugin defaults, discovered parameters, global and host rules.
func (e *Engine) effectiveParams(hostConf *HostConfig, plugin *CheckPlugin, svc *Service) (Params, error) {
	global, err := e.GlobalCheckParameters(plugin.Name)
	if err != nil {
		return nil, err
	}

	return plugin.DefaultParams.Merge(svc.Parameters, global, hostConf.CheckParameters[plugin.Name]), nil
}

func runCheckFunction(plugin *CheckPlugin, cc *CheckContext, item string, params Params, sections SectionSet) (res []SubResult, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
			stack = string(debug.Stack())
		}
	}()

	res, err = plugin.Check(cc, item, params, sections)

	return res, "", err
}

func (e *Engine) crashResult(data *HostData, svc *Service, params Params, checkErr error, stack string) *CheckResult {
	report := &CrashReport{
		Host:     data.Config.Name,
		Service:  svc.Description,
		Plugin:   svc.Plugin,
		Item:     svc.Item,
		Params:   params,
		Error:    checkErr.Error(),
		Stack:    stack,
		Sections: map[string]StringTable{},
	}
	if plugin, err := LookupCheckPlugin(svc.Plugin); err == nil {
		for _, name := range plugin.SectionNames() {
			if table, ok := data.Sections.Sections[name]; ok {
				report.Sections[name] = table
			}
		}
	}

	crashID, err := e.WriteCrashReport(report)
	if err != nil {
		log.Errorf("[%s] %s", data.Config.Name, err.Error())

		return &CheckResult{
			State:  StateUnknown,
			Output: fmt.Sprintf("check failed - failed to create crash report: %s", checkErr.Error()),
		}
	}

	return &CheckResult{
		State:  StateUnknown,
		Output: fmt.Sprintf("check failed - please submit a crash report! (Crash-ID: %s)", crashID),
	}
}

// hostServiceResult builds the result of the Check_MK service.
func (e *Engine) hostServiceResult(data *HostData, missingPlugins []string, someSuccess bool, duration time.Duration) *CheckResult {
	res := &CheckResult{State: StateOK}
	texts := []string{}
	for _, srcRes := range data.SourceResults {
		state, text := srcRes.Summary(e, data.Config)
		if text == "" {
			continue
		}
		if state != StateOK && !strings.HasSuffix(text, state.Marker()) {
			text += state.Marker()
		}
		res.EscalateStatus(state)
		texts = append(texts, text)
	}

	if len(missingPlugins) > 0 {
		spec := e.Settings.ExitSpec
		if someSuccess {
			res.EscalateStatus(spec.MissingSections)
			texts = append(texts, fmt.Sprintf("Missing monitoring data for check plugins: %s%s",
				strings.Join(missingPlugins, ", "), spec.MissingSections.Marker()))
		} else {
			res.EscalateStatus(spec.EmptyOutput)
			texts = append(texts, "Got no information from host"+spec.EmptyOutput.Marker())
		}
	}

	names := make([]string, 0, len(data.ParseErrors))
	for name := range data.ParseErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res.EscalateStatus(StateWarn)
		texts = append(texts, fmt.Sprintf("Failed to parse section %s: %s%s", name, data.ParseErrors[name].Error(), StateWarn.Marker()))
	}

	texts = append(texts, fmt.Sprintf("execution time %.1f sec", duration.Seconds()))
	res.Output = strings.Join(texts, ", ")
	res.Metrics = append(res.Metrics, &CheckMetric{Name: "execution_time", Value: duration.Seconds()})

	return res
}
