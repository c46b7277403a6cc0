package cmkengine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"gopkg.in/yaml.v3"
)

// PersistedSectionsPath returns the store file of persisted sections.
func (e *Engine) PersistedSectionsPath(host string) string {
	return filepath.Join(e.Settings.VarDir, "persisted", host+".yaml")
}

// LoadPersistedSections reads the persisted sections of a host, a missing file results in no sections.
func (e *Engine) LoadPersistedSections(host string) (map[string]*PersistedSection, error) {
	stored := map[string]*PersistedSection{}
	data, err := os.ReadFile(e.PersistedSectionsPath(host))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stored, nil
		}

		return nil, fmt.Errorf("read persisted sections: %s", err.Error())
	}
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse %s: %s", e.PersistedSectionsPath(host), err.Error())
	}

	return stored, nil
}

// SavePersistedSections writes the persisted sections of a host.
func (e *Engine) SavePersistedSections(host string, sections map[string]*PersistedSection) error {
	data, err := yaml.Marshal(sections)
	if err != nil {
		return fmt.Errorf("yaml: %s", err.Error())
	}

	return utils.WriteFileAtomic(e.PersistedSectionsPath(host), data, 0o600)
}

// applyPersistedSections stores new persisted sections and adds still valid stored
// sections which are missing in the current data.
func (e *Engine) applyPersistedSections(host string, sections *HostSections) {
	stored, err := e.LoadPersistedSections(host)
	if err != nil {
		log.Warnf("[%s] %s", host, err.Error())
		stored = map[string]*PersistedSection{}
	}

	now := e.Now().Unix()
	changed := len(sections.Persisted) > 0
	for name, persisted := range sections.Persisted {
		stored[name] = persisted
	}
	for name, persisted := range stored {
		if persisted.Until < now {
			log.Debugf("[%s] persisted section %s expired", host, name)
			delete(stored, name)
			changed = true

			continue
		}
		if _, ok := sections.Sections[name]; ok {
			continue
		}
		log.Debugf("[%s] using persisted section %s", host, name)
		sections.Sections[name] = persisted.Table
		sections.CacheInfo[name] = &CacheInfo{CachedAt: persisted.CachedAt, Interval: persisted.Until - persisted.CachedAt}
	}

	if !changed {
		return
	}
	if err := e.SavePersistedSections(host, stored); err != nil {
		log.Warnf("[%s] storing persisted sections failed: %s", host, err.Error())
	}
}
