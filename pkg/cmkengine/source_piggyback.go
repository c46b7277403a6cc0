package cmkengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

func init() {
	AvailableSources["piggyback"] = func(e *Engine, hostConf *HostConfig) Source {
		return &PiggybackSource{engine: e, host: hostConf}
	}
}

// PiggybackSource reads data other hosts delivered for this host.
type PiggybackSource struct {
	engine *Engine
	host   *HostConfig
}

func (s *PiggybackSource) Name() string {
	return "piggyback"
}

func (s *PiggybackSource) Fetch(_ context.Context, _ FetchMode) (*HostSections, error) {
	result := NewHostSections()
	dir := filepath.Join(s.engine.Settings.PiggybackDir, s.host.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}

		return nil, fmt.Errorf("read piggyback dir: %s", err.Error())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	maxAge := s.engine.Settings.PiggybackMaxAge
	now := s.engine.Now()
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
			log.Debugf("[%s] piggyback data from %s is outdated", s.host.Name, entry.Name())

			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read piggyback data: %s", err.Error())
		}
		result.Merge(ParseAgentData(raw, s.host.Name, now))
	}

	return result, nil
}
