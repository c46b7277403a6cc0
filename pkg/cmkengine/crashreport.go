package cmkengine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// CrashReport contains everything needed to reproduce a crashed check.
type CrashReport struct {
	ID       string                 `yaml:"id"`
	Time     time.Time              `yaml:"time"`
	Version  string                 `yaml:"version"`
	Host     string                 `yaml:"host"`
	Service  string                 `yaml:"service_description"`
	Plugin   string                 `yaml:"check_plugin_name"`
	Item     string                 `yaml:"item,omitempty"`
	Params   Params                 `yaml:"params,omitempty"`
	Error    string                 `yaml:"error"`
	Stack    string                 `yaml:"stack,omitempty"`
	Sections map[string]StringTable `yaml:"sections,omitempty"`
}

// CrashReportPath returns the path of the crash report with the given id.
func (e *Engine) CrashReportPath(id string) string {
	return filepath.Join(e.Settings.CrashDir, id, "crash.yaml")
}

// WriteCrashReport stores the report and returns its id.
func (e *Engine) WriteCrashReport(report *CrashReport) (string, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Time.IsZero() {
		report.Time = e.Now()
	}
	report.Version = VERSION

	data, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("yaml: %s", err.Error())
	}
	if err := utils.WriteFileAtomic(e.CrashReportPath(report.ID), data, 0o640); err != nil {
		return "", fmt.Errorf("writing crash report failed: %s", err.Error())
	}
	crashReports.Inc()
	log.Errorf("[%s] check %s crashed, crash report written to %s", report.Host, report.Service, e.CrashReportPath(report.ID))

	return report.ID, nil
}

// ReadCrashReport reads the crash report with the given id.
func (e *Engine) ReadCrashReport(id string) (*CrashReport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid crash id %q", id)
	}
	data, err := os.ReadFile(e.CrashReportPath(id))
	if err != nil {
		return nil, fmt.Errorf("reading crash report failed: %w", err)
	}
	report := &CrashReport{}
	if err := yaml.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("parsing crash report %s failed: %s", id, err.Error())
	}

	return report, nil
}
