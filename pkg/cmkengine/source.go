package cmkengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
)

// FetchMode selects the cache age used when fetching data.
type FetchMode int

const (
	// ModeChecking uses the check cache age.
	ModeChecking FetchMode = iota

	// ModeDiscovery uses the discovery cache age.
	ModeDiscovery
)

// ErrEmptyOutput is returned when an agent did not send any data.
var ErrEmptyOutput = errors.New("empty output from agent")

// Source fetches data of a host.
type Source interface {
	Name() string
	Fetch(ctx context.Context, mode FetchMode) (*HostSections, error)
}

// SourceFactory creates a source for a host.
type SourceFactory func(e *Engine, hostConf *HostConfig) Source

// AvailableSources contains all source types by name.
var AvailableSources = map[string]SourceFactory{}

// RawFetcher returns raw agent output.
type RawFetcher interface {
	FetchRaw(ctx context.Context) ([]byte, error)
}

// agentSource parses agent output from a RawFetcher and caches the raw data.
type agentSource struct {
	engine    *Engine
	host      *HostConfig
	name      string
	fetcher   RawFetcher
	cacheable bool
}

func newAgentSource(e *Engine, hostConf *HostConfig, name string, fetcher RawFetcher, cacheable bool) *agentSource {
	return &agentSource{
		engine:    e,
		host:      hostConf,
		name:      name,
		fetcher:   fetcher,
		cacheable: cacheable,
	}
}

func (s *agentSource) Name() string {
	return s.name
}

func (s *agentSource) Fetch(ctx context.Context, mode FetchMode) (*HostSections, error) {
	raw, ok := s.readCache(mode)
	if !ok {
		var err error
		raw, err = s.fetcher.FetchRaw(ctx)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, ErrEmptyOutput
		}
		s.writeCache(raw)
	}

	if s.engine.Settings.AgentSimulator {
		raw = simulateAgent(raw, s.engine.Now())
	}

	return ParseAgentData(raw, s.host.Name, s.engine.Now()), nil
}

// CachePath returns the path of the raw data cache file.
func (s *agentSource) CachePath() string {
	return filepath.Join(s.engine.Settings.TmpDir, "cache", s.host.Name+"."+s.name)
}

func (s *agentSource) readCache(mode FetchMode) ([]byte, bool) {
	if !s.cacheable || s.engine.flags.NoCache {
		return nil, false
	}
	maxAge := s.engine.Settings.CheckCacheAge
	if mode == ModeDiscovery {
		maxAge = s.engine.Settings.DiscoveryCacheAge
	}
	if maxAge <= 0 {
		return nil, false
	}

	stat, err := os.Stat(s.CachePath())
	if err != nil {
		return nil, false
	}
	if s.engine.Now().Sub(stat.ModTime()) > maxAge {
		log.Tracef("[%s] cache file %s too old", s.host.Name, s.CachePath())

		return nil, false
	}
	raw, err := os.ReadFile(s.CachePath())
	if err != nil {
		log.Debugf("[%s] reading cache file failed: %s", s.host.Name, err.Error())

		return nil, false
	}
	log.Debugf("[%s] using cached %s data from %s", s.host.Name, s.name, s.CachePath())

	return raw, true
}

func (s *agentSource) writeCache(raw []byte) {
	if !s.cacheable {
		return
	}
	err := utils.WriteFileAtomic(s.CachePath(), raw, 0o600)
	if err != nil {
		log.Warnf("[%s] writing cache file failed: %s", s.host.Name, err.Error())
	}
}

// simulateAgent replaces %{time} with the current unix time, so rate based checks get
// changing values from static agent output files.
func simulateAgent(raw []byte, now time.Time) []byte {
	return bytes.ReplaceAll(raw, []byte("%{time}"), []byte(strconv.FormatInt(now.Unix(), 10)))
}

// SourceResult contains the outcome of fetching a single source.
type SourceResult struct {
	Source   string
	Sections *HostSections
	Err      error
	Duration time.Duration
}

// FetchHostSections fetches all sources of a host in parallel and merges the sections.
func (e *Engine) FetchHostSections(ctx context.Context, hostConf *HostConfig, mode FetchMode) (*HostSections, []*SourceResult) {
	results := make([]*SourceResult, len(hostConf.Sources))
	wg := &sync.WaitGroup{}
	for i, name := range hostConf.Sources {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			defer e.logPanicExit()
			results[idx] = e.fetchSource(ctx, hostConf, name, mode)
		}(i, name)
	}
	wg.Wait()

	merged := NewHostSections()
	for _, res := range results {
		if res.Err == nil {
			merged.Merge(res.Sections)
		}
	}

	e.storePiggybackData(hostConf.Name, merged.Piggyback)
	e.applyPersistedSections(hostConf.Name, merged)

	return merged, results
}

func (e *Engine) fetchSource(ctx context.Context, hostConf *HostConfig, name string, mode FetchMode) *SourceResult {
	started := time.Now()
	res := &SourceResult{Source: name}

	factory, ok := AvailableSources[name]
	if !ok {
		res.Err = fmt.Errorf("unknown source: %s", name)

		return res
	}
	source := factory(e, hostConf)

	timeout := e.Settings.SourceTimeout
	if timeout <= 0 {
		timeout = DefaultSocketTimeout * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res.Sections, res.Err = e.breakers.Execute(sourceKey(hostConf.Name, name), func() (*HostSections, error) {
		return source.Fetch(ctx, mode)
	})
	res.Duration = time.Since(started)

	sourceDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	if res.Err != nil {
		sourceErrors.WithLabelValues(name).Inc()
		log.Debugf("[%s] source %s failed: %s", hostConf.Name, name, res.Err.Error())
	} else {
		log.Tracef("[%s] source %s returned %d sections in %s", hostConf.Name, name, len(res.Sections.Sections), res.Duration)
	}

	return res
}

// Summary returns the state and text shown in the Check_MK service for this source.
func (res *SourceResult) Summary(e *Engine, hostConf *HostConfig) (State, string) {
	spec := e.Settings.ExitSpec
	if res.Err != nil {
		switch {
		case errors.Is(res.Err, context.DeadlineExceeded):
			return spec.Timeout, fmt.Sprintf("[%s] Timeout: %s", res.Source, res.Err.Error())
		case errors.Is(res.Err, ErrEmptyOutput):
			return spec.EmptyOutput, fmt.Sprintf("[%s] Empty output from agent", res.Source)
		default:
			return spec.Connection, fmt.Sprintf("[%s] %s", res.Source, res.Err.Error())
		}
	}

	switch res.Source {
	case "piggyback":
		if len(res.Sections.Sections) == 0 {
			return StateOK, ""
		}

		return StateOK, fmt.Sprintf("[%s] Successfully processed piggyback data", res.Source)
	case "snmp":
		return StateOK, fmt.Sprintf("[%s] Success", res.Source)
	}

	info := ParseAgentInfo(res.Sections.Sections["check_mk"])
	texts := []string{
		fmt.Sprintf("Version: %s", info.Version),
		fmt.Sprintf("OS: %s", info.OS),
	}
	state := StateOK
	if hostConf.ExpectedAgentVersion != "" && info.Version != hostConf.ExpectedAgentVersion {
		state = spec.WrongVersion
		texts = append(texts, fmt.Sprintf("unexpected agent version %s (should be %s)%s",
			info.Version, hostConf.ExpectedAgentVersion, state.Marker()))
	}

	return state, fmt.Sprintf("[%s] %s", res.Source, strings.Join(texts, ", "))
}

// AgentInfo contains the fields of the check_mk section.
type AgentInfo struct {
	Version    string
	OS         string
	Hostname   string
	AgentDir   string
	OnlyFrom   []string
	Additional map[string]string
}

// ParseAgentInfo parses the check_mk section, unknown fields are kept in Additional.
func ParseAgentInfo(table StringTable) *AgentInfo {
	info := &AgentInfo{
		Version:    "unknown",
		OS:         "unknown",
		Additional: map[string]string{},
	}
	for _, row := range table {
		if len(row) == 0 {
			continue
		}
		key := strings.TrimSuffix(row[0], ":")
		value := strings.Join(row[1:], " ")
		switch strings.ToLower(key) {
		case "version":
			info.Version = value
		case "agentos":
			info.OS = value
		case "hostname":
			info.Hostname = value
		case "agentdirectory":
			info.AgentDir = value
		case "onlyfrom":
			info.OnlyFrom = row[1:]
		default:
			info.Additional[key] = value
		}
	}

	return info
}

func sourceKey(host, source string) string {
	return host + "/" + source
}

// SourceStates returns the circuit breaker state (closed, half-open or open) of every data source of host.
func (e *Engine) SourceStates(host string) (map[string]string, error) {
	hostConf, err := e.HostConfig(host)
	if err != nil {
		return nil, err
	}

	states := make(map[string]string, len(hostConf.Sources))
	for _, name := range hostConf.Sources {
		states[name] = e.breakers.State(sourceKey(hostConf.Name, name)).String()
	}

	return states, nil
}

// storePiggybackData writes the piggyback lines for other hosts into the piggyback dir.
func (e *Engine) storePiggybackData(sourceHost string, data map[string][]string) {
	targets := make([]string, 0, len(data))
	for target := range data {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		path := filepath.Join(e.Settings.PiggybackDir, target, sourceHost)
		if !isBelowDir(e.Settings.PiggybackDir, path) {
			log.Warnf("[%s] refusing to store piggyback data for %q outside of %s", sourceHost, target, e.Settings.PiggybackDir)

			continue
		}
		content := strings.Join(data[target], "\n") + "\n"
		err := utils.WriteFileAtomic(path, []byte(content), 0o600)
		if err != nil {
			log.Warnf("[%s] storing piggyback data for %s failed: %s", sourceHost, target, err.Error())

			continue
		}
		log.Tracef("[%s] stored piggyback data for %s", sourceHost, target)
	}
}

// isBelowDir returns true if path is located inside dir.
func isBelowDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
