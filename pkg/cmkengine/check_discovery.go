package cmkengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiscoveryServiceName is the description of the service reporting unmonitored services.
const DiscoveryServiceName = "Check_MK Discovery"

// CheckDiscovery compares the discovered services with the autochecks and reports
// unmonitored and vanished services and new host labels.
func (e *Engine) CheckDiscovery(ctx context.Context, host string) (*CheckResult, error) {
	discovery, err := e.DiscoverServices(ctx, host)
	if err != nil {
		if errors.Is(err, ErrSourceFailed) {
			return &CheckResult{State: e.Settings.ExitSpec.Connection, Output: err.Error()}, nil
		}

		return nil, err
	}

	settings := e.Settings.Discovery
	filters := settings.ServiceFilters
	needRediscovery := false

	res := &CheckResult{State: StateOK}
	texts := []string{}
	long := []string{}
	for _, group := range []struct {
		transition Transition
		title      string
		severity   State
		filter     *ServiceFilter
		modeMatch  bool
	}{
		{TransitionNew, "unmonitored", settings.SeverityUnmonitored, filters.New, settings.RediscoveryMode.addsServices()},
		{TransitionVanished, "vanished", settings.SeverityVanished, filters.Vanished, settings.RediscoveryMode.dropsVanished()},
	} {
		perPlugin := map[string]int{}
		count := 0
		for _, entry := range discovery.Services {
			if entry.Transition != group.transition {
				continue
			}
			svc := entry.Service
			count++
			perPlugin[svc.Plugin]++
			long = append(long, fmt.Sprintf("%s: %s: %s", group.title, svc.Plugin, svc.Description))
			if group.modeMatch && group.filter.Match(svc.Description) {
				needRediscovery = true
			}
		}
		if count == 0 {
			texts = append(texts, fmt.Sprintf("no %s services found", group.title))

			continue
		}
		plugins := make([]string, 0, len(perPlugin))
		for name := range perPlugin {
			plugins = append(plugins, name)
		}
		sort.Strings(plugins)
		info := make([]string, 0, len(plugins))
		for _, name := range plugins {
			info = append(info, fmt.Sprintf("%s:%d", name, perPlugin[name]))
		}
		res.EscalateStatus(group.severity)
		texts = append(texts, fmt.Sprintf("%d %s services (%s)%s", count, group.title, strings.Join(info, ", "), group.severity.Marker()))
	}

	for _, entry := range discovery.Services {
		if entry.Transition == TransitionIgnored {
			long = append(long, fmt.Sprintf("ignored: %s: %s", entry.Service.Plugin, entry.Service.Description))
		}
	}

	if len(discovery.NewHostLabels) > 0 {
		res.EscalateStatus(settings.SeverityNewHostLabels)
		texts = append(texts, fmt.Sprintf("%d new host labels%s", len(discovery.NewHostLabels), settings.SeverityNewHostLabels.Marker()))
		for _, label := range discovery.NewHostLabels.Sorted() {
			long = append(long, fmt.Sprintf("new host label: %s", label.String()))
		}
		if settings.RediscoveryMode.addsHostLabels() {
			needRediscovery = true
		}
	} else {
		texts = append(texts, "no new host labels")
	}

	if discovery.Data != nil {
		for _, source := range discovery.Data.SourceResults {
			state, text := source.Summary(e, discovery.Data.Config)
			if state == StateOK {
				continue
			}
			res.EscalateStatus(state)
			if !strings.HasSuffix(text, state.Marker()) {
				text += state.Marker()
			}
			texts = append(texts, text)
		}
	}

	if settings.RediscoveryMode != "" && needRediscovery {
		if err := e.setRediscoveryFlag(host); err != nil {
			log.Errorf("[%s] %s", host, err.Error())
		} else {
			texts = append(texts, "rediscovery scheduled")
		}
	}

	res.Output = strings.Join(texts, ", ")
	if len(long) > 0 {
		res.Output += "\n" + strings.Join(long, "\n")
	}

	return res, nil
}

// RediscoveryFlagPath returns the path of the flag marking a host for automatic rediscovery.
func (e *Engine) RediscoveryFlagPath(host string) string {
	return filepath.Join(e.Settings.VarDir, "autodiscovery", host)
}

// setRediscoveryFlag creates the flag file, an existing flag keeps its age.
func (e *Engine) setRediscoveryFlag(host string) error {
	path := e.RediscoveryFlagPath(host)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir: %s", err.Error())
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}

		return fmt.Errorf("create rediscovery flag: %s", err.Error())
	}
	log.Debugf("[%s] marked for rediscovery", host)

	return file.Close()
}
