package cmkengine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
)

// Settings contains the global settings read from the config.
type Settings struct {
	VarDir        string
	TmpDir        string
	AutochecksDir string
	CrashDir      string
	PiggybackDir  string

	Submission       string
	CommandPipe      string
	CheckResultPath  string
	LivestatusSocket string

	AgentPort         int64
	ConnectTimeout    time.Duration
	SourceTimeout     time.Duration
	CheckCacheAge     time.Duration
	DiscoveryCacheAge time.Duration
	PiggybackMaxAge   time.Duration
	AgentSimulator    bool

	ExitSpec  ExitSpec
	Discovery DiscoverySettings

	// service description templates overriding the plugin defaults
	ServiceDescriptions map[string]string
}

// ExitSpec sets the states of the Check_MK service for source problems.
type ExitSpec struct {
	Connection      State
	Timeout         State
	Exception       State
	EmptyOutput     State
	MissingSections State
	WrongVersion    State
}

// DiscoverySettings controls check_discovery and automatic rediscovery.
type DiscoverySettings struct {
	SeverityUnmonitored   State
	SeverityVanished      State
	SeverityNewHostLabels State
	RediscoveryMode       DiscoveryMode
	GroupTime             time.Duration
	ExcludedTimes         []*utils.TimeRange
	ServiceFilters        *ServiceFilters
	CheckInterval         time.Duration
}

// NewSettings reads all global settings from the config.
func NewSettings(conf *Config) (*Settings, error) {
	settings := &Settings{
		ServiceDescriptions: map[string]string{},
	}

	paths := conf.Section("/paths")
	for key, target := range map[string]*string{
		"var dir":        &settings.VarDir,
		"tmp dir":        &settings.TmpDir,
		"autochecks dir": &settings.AutochecksDir,
		"crash dir":      &settings.CrashDir,
		"piggyback dir":  &settings.PiggybackDir,
	} {
		val, _ := paths.GetString(key)
		*target = filepath.Clean(val)
	}

	core := conf.Section("/settings/core")
	settings.Submission, _ = core.GetString("check submission")
	settings.CommandPipe, _ = core.GetString("command pipe")
	settings.CheckResultPath, _ = core.GetString("check result path")
	settings.LivestatusSocket, _ = core.GetString("livestatus socket")

	port, _, err := core.GetInt("agent port")
	if err != nil {
		return nil, fmt.Errorf("agent port: %s", err.Error())
	}
	settings.AgentPort = port

	for key, target := range map[string]*time.Duration{
		"tcp connect timeout":         &settings.ConnectTimeout,
		"source timeout":              &settings.SourceTimeout,
		"check max cachefile age":     &settings.CheckCacheAge,
		"discovery max cachefile age": &settings.DiscoveryCacheAge,
		"piggyback max cachefile age": &settings.PiggybackMaxAge,
	} {
		dur, err := getDuration(core, key)
		if err != nil {
			return nil, err
		}
		*target = dur
	}

	simulator, _, err := core.GetBool("agent simulator")
	if err != nil {
		return nil, fmt.Errorf("agent simulator: %s", err.Error())
	}
	settings.AgentSimulator = simulator

	exitSpec := conf.Section("/settings/exit spec")
	for key, target := range map[string]*State{
		"connection":       &settings.ExitSpec.Connection,
		"timeout":          &settings.ExitSpec.Timeout,
		"exception":        &settings.ExitSpec.Exception,
		"empty output":     &settings.ExitSpec.EmptyOutput,
		"missing sections": &settings.ExitSpec.MissingSections,
		"wrong version":    &settings.ExitSpec.WrongVersion,
	} {
		state, _, err := exitSpec.GetState(key)
		if err != nil {
			return nil, fmt.Errorf("exit spec: %s", err.Error())
		}
		*target = state
	}

	discovery, err := newDiscoverySettings(conf.Section("/settings/discovery"))
	if err != nil {
		return nil, fmt.Errorf("discovery: %s", err.Error())
	}
	settings.Discovery = *discovery

	descriptions := conf.Section("/settings/service descriptions")
	for _, key := range descriptions.Keys() {
		settings.ServiceDescriptions[key], _ = descriptions.GetString(key)
	}

	return settings, nil
}

func newDiscoverySettings(section *ConfigSection) (*DiscoverySettings, error) {
	settings := &DiscoverySettings{}
	for key, target := range map[string]*State{
		"severity unmonitored":    &settings.SeverityUnmonitored,
		"severity vanished":       &settings.SeverityVanished,
		"severity new host label": &settings.SeverityNewHostLabels,
	} {
		state, _, err := section.GetState(key)
		if err != nil {
			return nil, err
		}
		*target = state
	}

	mode, _ := section.GetString("rediscovery mode")
	if mode != "" {
		parsed, err := ParseDiscoveryMode(mode)
		if err != nil {
			return nil, err
		}
		settings.RediscoveryMode = parsed
	}

	var err error
	settings.GroupTime, err = getDuration(section, "group time")
	if err != nil {
		return nil, err
	}
	settings.CheckInterval, err = getDuration(section, "check interval")
	if err != nil {
		return nil, err
	}

	for _, raw := range section.GetList("excluded time") {
		timeRange, err := utils.ParseTimeRange(raw)
		if err != nil {
			return nil, fmt.Errorf("excluded time: %s", err.Error())
		}
		settings.ExcludedTimes = append(settings.ExcludedTimes, timeRange)
	}

	filters, err := NewServiceFiltersFromConfig(section)
	if err != nil {
		return nil, err
	}
	settings.ServiceFilters = filters

	return settings, nil
}

func getDuration(section *ConfigSection, key string) (time.Duration, error) {
	seconds, _, err := section.GetDuration(key)
	if err != nil {
		return 0, fmt.Errorf("%s: %s", key, err.Error())
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
