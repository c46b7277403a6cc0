package cmkengine

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// DefaultSources are used for hosts without sources setting.
var DefaultSources = []string{"tcp", "piggyback"}

// HostConfig contains the settings of a single monitored host.
type HostConfig struct {
	Name                 string
	Address              string
	Sources              []string
	DatasourceProgram    string
	SSHUser              string
	SSHKey               string
	SSHPassword          string
	SSHCommand           string
	SSHPort              int64
	SNMPCommunity        string
	SNMPVersion          string
	SNMPPort             int64
	Labels               map[string]string
	ExpectedAgentVersion string
	ManualChecks         []*Service
	IgnoredServices      []*regexp.Regexp
	ActiveChecks         map[string]string
	CheckParameters      map[string]Params
}

// Hosts returns the names of all configured hosts sorted by name.
func (e *Engine) Hosts() []string {
	hosts := []string{}
	for name := range e.Config.SectionsByPrefix("/hosts/") {
		host := strings.TrimPrefix(name, "/hosts/")
		if host == "default" || strings.Contains(host, "/") || !e.Config.HasSection(name) {
			continue
		}
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	return hosts
}

// HostConfig returns the configuration of the given host.
func (e *Engine) HostConfig(name string) (*HostConfig, error) {
	sectionName := "/hosts/" + name
	if name == "" || name == "default" || strings.Contains(name, "/") || !e.Config.HasSection(sectionName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	section := e.Config.Section(sectionName)

	hostConf := &HostConfig{
		Name:            name,
		Labels:          map[string]string{},
		ActiveChecks:    map[string]string{},
		CheckParameters: map[string]Params{},
	}

	hostConf.Address, _ = section.GetString("address")
	if hostConf.Address == "" {
		hostConf.Address = name
	}
	hostConf.Sources = section.GetList("sources")
	if len(hostConf.Sources) == 0 {
		hostConf.Sources = DefaultSources
	}
	for _, src := range hostConf.Sources {
		if _, ok := AvailableSources[src]; !ok {
			return nil, fmt.Errorf("host %s: unknown source %q", name, src)
		}
	}
	hostConf.DatasourceProgram, _ = section.GetString("datasource program")
	hostConf.SSHUser, _ = section.GetString("ssh user")
	hostConf.SSHKey, _ = section.GetString("ssh key")
	hostConf.SSHPassword, _ = section.GetString("ssh password")
	hostConf.SSHCommand, _ = section.GetString("ssh command")
	if hostConf.SSHCommand == "" {
		hostConf.SSHCommand = "check_mk_agent"
	}
	hostConf.SNMPCommunity, _ = section.GetString("snmp community")
	if hostConf.SNMPCommunity == "" {
		hostConf.SNMPCommunity = "public"
	}
	hostConf.SNMPVersion, _ = section.GetString("snmp version")
	if hostConf.SNMPVersion == "" {
		hostConf.SNMPVersion = "2c"
	}
	hostConf.ExpectedAgentVersion, _ = section.GetString("expected agent version")

	var err error
	for key, target := range map[string]*int64{"ssh port": &hostConf.SSHPort, "snmp port": &hostConf.SNMPPort} {
		*target, _, err = section.GetInt(key)
		if err != nil {
			return nil, fmt.Errorf("host %s: %s: %s", name, key, err.Error())
		}
	}
	if hostConf.SSHPort == 0 {
		hostConf.SSHPort = 22
	}
	if hostConf.SNMPPort == 0 {
		hostConf.SNMPPort = 161
	}

	for _, label := range section.GetList("labels") {
		key, val, ok := strings.Cut(label, ":")
		if !ok {
			return nil, fmt.Errorf("host %s: label must be key:value, got %q", name, label)
		}
		hostConf.Labels[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	for _, prefix := range []string{"/hosts/default", sectionName} {
		if err := e.readHostSubSections(hostConf, prefix); err != nil {
			return nil, fmt.Errorf("host %s: %s", name, err.Error())
		}
	}

	return hostConf, nil
}

func (e *Engine) readHostSubSections(hostConf *HostConfig, prefix string) error {
	for _, key := range e.Config.Section(prefix + "/manual checks").Keys() {
		raw, _ := e.Config.Section(prefix + "/manual checks").GetString(key)
		params, err := ParseParams(raw)
		if err != nil {
			return fmt.Errorf("manual check %s: %s", key, err.Error())
		}
		id := ParseServiceID(key)
		hostConf.ManualChecks = append(hostConf.ManualChecks, &Service{Plugin: id.Plugin, Item: id.Item, Parameters: params})
	}

	ignored := e.Config.Section(prefix + "/ignored services")
	for _, key := range ignored.Keys() {
		raw, _ := ignored.GetString(key)
		regex, err := regexp.Compile(raw)
		if err != nil {
			return fmt.Errorf("ignored services %s: %s", key, err.Error())
		}
		hostConf.IgnoredServices = append(hostConf.IgnoredServices, regex)
	}

	active := e.Config.Section(prefix + "/active checks")
	for _, key := range active.Keys() {
		hostConf.ActiveChecks[key], _ = active.GetString(key)
	}

	for sectionName, section := range e.Config.SectionsByPrefix(prefix + "/check parameters/") {
		params, err := sectionParams(section)
		if err != nil {
			return err
		}
		plugin := path.Base(sectionName)
		hostConf.CheckParameters[plugin] = hostConf.CheckParameters[plugin].Merge(params)
	}

	return nil
}

// IsIgnored returns true if the service description matches one of the ignore rules.
func (h *HostConfig) IsIgnored(description string) bool {
	for _, regex := range h.IgnoredServices {
		if regex.MatchString(description) {
			return true
		}
	}

	return false
}

// GlobalCheckParameters returns the global rule parameters of a plugin.
func (e *Engine) GlobalCheckParameters(plugin string) (Params, error) {
	return sectionParams(e.Config.Section("/settings/check parameters/" + plugin))
}

// sectionParams converts every key of the section into a parameter, values are yaml.
func sectionParams(section *ConfigSection) (Params, error) {
	params := Params{}
	for _, key := range section.Keys() {
		raw, _ := section.GetString(key)
		parsed, err := ParseParams(key + ": " + raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %s", section.Name(), key, err.Error())
		}
		params[key] = parsed[key]
	}

	return params, nil
}

// ServiceDescription returns the description of a service built from the plugin template.
func (e *Engine) ServiceDescription(plugin, item string) string {
	template, ok := e.Settings.ServiceDescriptions[plugin]
	if !ok {
		if checkPlugin, found := AvailableChecks[plugin]; found {
			template = checkPlugin.ServiceName
		}
	}
	if template == "" {
		template = plugin
		if item != "" {
			template += " %s"
		}
	}

	if strings.Contains(template, "%s") {
		return strings.TrimSpace(strings.Replace(template, "%s", item, 1))
	}

	return template
}
