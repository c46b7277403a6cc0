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

// HostLabels maps label names to discovered labels.
type HostLabels map[string]HostLabel

// Sorted returns the labels sorted by name.
func (hl HostLabels) Sorted() []HostLabel {
	labels := make([]HostLabel, 0, len(hl))
	for name, label := range hl {
		label.Name = name
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	return labels
}

// HostLabelsPath returns the file containing the discovered host labels.
func (e *Engine) HostLabelsPath(host string) string {
	return filepath.Join(e.Settings.VarDir, "discovered_host_labels", host+".yaml")
}

// ReadDiscoveredHostLabels returns the stored host labels of a host.
func (e *Engine) ReadDiscoveredHostLabels(host string) (HostLabels, error) {
	labels := HostLabels{}
	data, err := os.ReadFile(e.HostLabelsPath(host))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return labels, nil
		}

		return nil, fmt.Errorf("read host labels: %s", err.Error())
	}
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("parse host labels %s: %s", e.HostLabelsPath(host), err.Error())
	}
	if labels == nil {
		labels = HostLabels{}
	}
	for name, label := range labels {
		label.Name = name
		labels[name] = label
	}

	return labels, nil
}

// WriteDiscoveredHostLabels replaces the stored host labels of a host.
func (e *Engine) WriteDiscoveredHostLabels(host string, labels HostLabels) error {
	data, err := yaml.Marshal(labels)
	if err != nil {
		return fmt.Errorf("yaml: %s", err.Error())
	}

	return utils.WriteFileAtomic(e.HostLabelsPath(host), data, 0o640)
}
