package cmkengine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"gopkg.in/yaml.v3"
)

// AutochecksPath returns the autochecks file of a host.
func (e *Engine) AutochecksPath(host string) string {
	return filepath.Join(e.Settings.AutochecksDir, host+".yaml")
}

// ReadAutochecks returns the discovered services of a host. A missing file means no services.
// Services with duplicate descriptions are dropped, the first one wins.
func (e *Engine) ReadAutochecks(host string) ([]*Service, error) {
	data, err := os.ReadFile(e.AutochecksPath(host))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*Service{}, nil
		}

		return nil, fmt.Errorf("read autochecks: %s", err.Error())
	}

	services := []*Service{}
	if err := yaml.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("parse autochecks %s: %s", e.AutochecksPath(host), err.Error())
	}

	result := make([]*Service, 0, len(services))
	seen := map[string]bool{}
	for _, svc := range services {
		if svc == nil || svc.Plugin == "" {
			continue
		}
		svc.Description = e.ServiceDescription(svc.Plugin, svc.Item)
		if seen[svc.Description] {
			log.Debugf("[%s] ignoring duplicate autocheck %s", host, svc.Description)

			continue
		}
		seen[svc.Description] = true
		result = append(result, svc)
	}

	return result, nil
}

// WriteAutochecks replaces the autochecks of a host.
func (e *Engine) WriteAutochecks(host string, services []*Service) error {
	sorted := make([]*Service, len(services))
	copy(sorted, services)
	sortServices(sorted)

	data, err := yaml.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("yaml: %s", err.Error())
	}

	return utils.WriteFileAtomic(e.AutochecksPath(host), data, 0o640)
}

// RemoveAutochecks deletes all autochecks of a host and returns the number of
// removed services.
func (e *Engine) RemoveAutochecks(host string) (int, error) {
	services, err := e.ReadAutochecks(host)
	if err != nil {
		return 0, err
	}
	err = os.Remove(e.AutochecksPath(host))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("remove autochecks: %s", err.Error())
	}

	return len(services), nil
}

func sortServices(services []*Service) {
	sort.SliceStable(services, func(i, j int) bool {
		if services[i].Plugin != services[j].Plugin {
			return services[i].Plugin < services[j].Plugin
		}

		return services[i].Item < services[j].Item
	})
}
