package cmkengine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/humanize"
	"github.com/consol-monitoring/cmkengine/pkg/utils"

	deadlock "github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const MaxLineSize = 1024 * 1024 // limit max line length to 1MB

var reMacro = regexp.MustCompile(`\$\{\s*([a-zA-Z0-9\-_ /.]+?)\s*\}`)

// DefaultConfig contains the built-in defaults, values from config files take precedence.
var DefaultConfig = map[string]map[string]string{
	"/paths": {
		"var dir":        "/var/lib/cmkengine",
		"tmp dir":        "${var dir}/tmp",
		"autochecks dir": "${var dir}/autochecks",
		"crash dir":      "${var dir}/crashes",
		"piggyback dir":  "${tmp dir}/piggyback",
	},
	"/settings/log": {
		"level":     "info",
		"file name": "stdout",
	},
	"/settings/core": {
		"check submission":            "none",
		"command pipe":                "${var dir}/rw/nagios.cmd",
		"check result path":           "${var dir}/checkresults",
		"livestatus socket":           "${var dir}/rw/live",
		"agent port":                  "6556",
		"tcp connect timeout":         "5s",
		"source timeout":              "60s",
		"check max cachefile age":     "0",
		"discovery max cachefile age": "120s",
		"piggyback max cachefile age": "3600s",
	},
	"/settings/exit spec": {
		"connection":       "2",
		"timeout":          "2",
		"exception":        "3",
		"empty output":     "2",
		"missing sections": "1",
		"wrong version":    "1",
	},
	"/settings/discovery": {
		"severity unmonitored":       "1",
		"severity vanished":          "0",
		"severity new host label":    "1",
		"rediscovery mode":           "",
		"group time":                 "15m",
		"excluded time":              "",
		"service whitelist":          "",
		"service blacklist":          "",
		"vanished service whitelist": "",
		"vanished service blacklist": "",
		"check interval":             "5m",
	},
	"/settings/WEB/server": {
		"port":                "8765",
		"bind to":             "",
		"use ssl":             "0",
		"certificate":         "${var dir}/web.crt",
		"certificate key":     "${var dir}/web.key",
		"password":            DefaultPassword,
		"allowed hosts":       "127.0.0.1, ::1",
		"cache allowed hosts": "1",
		"timeout":             "30s",
	},
}

// Config contains the merged config over all config files.
type Config struct {
	lock            deadlock.Mutex // protects sections
	sections        map[string]*ConfigSection
	alreadyIncluded map[string]string
	recursive       bool // read includes as they appear in the config
}

func NewConfig(recursive bool) *Config {
	conf := &Config{
		sections:        make(map[string]*ConfigSection, 0),
		alreadyIncluded: make(map[string]string, 0),
		recursive:       recursive,
	}

	return conf
}

// ReadINI opens the config file and reads all key value pairs, separated through = and commented out with ";" and "#".
func (config *Config) ReadINI(iniPath string) error {
	if prev, ok := config.alreadyIncluded[iniPath]; ok {
		return fmt.Errorf("duplicate config file found: %s, already included from %s", iniPath, prev)
	}
	config.alreadyIncluded[iniPath] = "command args"
	log.Tracef("stat config path: %s", iniPath)
	fileStat, err := os.Stat(iniPath)
	if err != nil {
		return fmt.Errorf("%s: %s", iniPath, err.Error())
	}
	if fileStat.IsDir() {
		log.Debugf("recursing into config folder: %s", iniPath)
		err = filepath.WalkDir(iniPath, func(path string, dir fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("%s: %s", path, err.Error())
			}
			if dir.IsDir() {
				return nil
			}
			if match, _ := filepath.Match(`*.ini`, dir.Name()); !match {
				return nil
			}

			return config.ReadINI(path)
		})
		if err != nil {
			return fmt.Errorf("%s: %s", iniPath, err.Error())
		}

		return nil
	}

	log.Debugf("reading config: %s", iniPath)
	file, err := os.ReadFile(iniPath)
	if err != nil {
		return fmt.Errorf("%s: %s", iniPath, err.Error())
	}
	err = config.ParseINI(bytes.NewReader(file), iniPath)
	if err != nil {
		return fmt.Errorf("config error in file %s: %s", iniPath, err.Error())
	}

	return nil
}

// ParseINI reads ini style configuration and updates config object.
// it returns the first error found but still reads the hole file
func (config *Config) ParseINI(file io.Reader, iniPath string) error {
	parseErrors := []error{}
	var currentSection *ConfigSection
	lineNr := 0

	scanner := bufio.NewScanner(file)
	buffer := make([]byte, 0, MaxLineSize)
	scanner.Buffer(buffer, MaxLineSize)
	for scanner.Scan() {
		lineNr++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}

		// start of a new section
		if line[0] == '[' {
			if !strings.HasSuffix(line, "]") {
				parseErrors = append(parseErrors, fmt.Errorf("parse error in %s:%d: unclosed section header", iniPath, lineNr))

				continue
			}
			currentBlock := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			currentSection = config.Section(strings.TrimSpace(currentBlock))

			continue
		}

		if currentSection == nil {
			parseErrors = append(parseErrors, fmt.Errorf("parse error in %s:%d: found key=value pair outside of ini block", iniPath, lineNr))

			continue
		}

		// parse key and value
		val := strings.SplitN(line, "=", 2)
		if len(val) < 2 {
			parseErrors = append(parseErrors, fmt.Errorf("parse error in %s:%d: found key without '='", iniPath, lineNr))

			continue
		}
		val[0] = strings.TrimSpace(val[0])
		val[1] = strings.TrimSpace(val[1])

		useAppend := false
		if strings.HasSuffix(val[0], "+") {
			val[0] = strings.TrimSpace(strings.TrimSuffix(val[0], "+"))
			useAppend = true
		}

		value, err := config.parseString(val[1])
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("config error in %s:%d: %s", iniPath, lineNr, err.Error()))

			continue
		}

		if useAppend {
			if cur, ok := currentSection.data[val[0]]; ok && cur != "" {
				value = cur + ", " + value
			}
		}

		currentSection.Set(val[0], value)

		// recurse directly when in an includes section to maintain order of settings
		if config.recursive && currentSection.name == "/includes" {
			err := config.parseInclude(value, iniPath)
			if err != nil {
				parseErrors = append(parseErrors, fmt.Errorf("%s (included in %s:%d)", err.Error(), iniPath, lineNr))

				continue
			}
		}
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, fmt.Errorf("read error in %s: %s", iniPath, err.Error()))
	}

	if len(parseErrors) > 0 {
		return parseErrors[0]
	}

	return nil
}

func (config *Config) parseInclude(inclPath, srcPath string) error {
	log.Tracef("reading config include: %s", inclPath)
	if !filepath.IsAbs(inclPath) {
		inclPath = filepath.Join(filepath.Dir(srcPath), inclPath)
	}
	matchingPaths, err := filepath.Glob(inclPath)
	if err != nil {
		return fmt.Errorf("malformed include path: %s", err.Error())
	}

	if _, ok := config.alreadyIncluded[inclPath]; ok {
		return nil
	}

	for _, inclFile := range matchingPaths {
		err := config.ReadINI(inclFile)
		if err != nil {
			return fmt.Errorf("included readini failed: %s", err.Error())
		}
		config.alreadyIncluded[inclFile] = srcPath
	}

	return nil
}

// MergeDefaults adds all default values which are not set already.
func (config *Config) MergeDefaults(defaults map[string]map[string]string) {
	for name, data := range defaults {
		config.Section(name).MergeData(data)
	}
}

// Section returns section by name or empty section.
func (config *Config) Section(name string) *ConfigSection {
	config.lock.Lock()
	defer config.lock.Unlock()

	if section, ok := config.sections[name]; ok {
		return section
	}

	section := NewConfigSection(config, name)
	config.sections[name] = section

	return section
}

// HasSection returns true if the section exists and contains at least one key
func (config *Config) HasSection(name string) bool {
	config.lock.Lock()
	defer config.lock.Unlock()

	section, ok := config.sections[name]

	return ok && len(section.keys) > 0
}

// SectionsByPrefix returns all sections with given prefix as map.
// ex.: SectionsByPrefix("/hosts/").
// appending trailing slash will prevent matching the parent section.
func (config *Config) SectionsByPrefix(prefix string) map[string]*ConfigSection {
	config.lock.Lock()
	defer config.lock.Unlock()

	list := make(map[string]*ConfigSection, 0)
	for name, section := range config.sections {
		if strings.HasPrefix(name, prefix) {
			list[name] = section
		}
	}

	return list
}

// SectionNamesSorted returns all section names in alphabetical order
func (config *Config) SectionNamesSorted() []string {
	config.lock.Lock()
	defer config.lock.Unlock()

	keys := maps.Keys(config.sections)
	slices.Sort(keys)

	return keys
}

// parseString parses string from config section.
func (config *Config) parseString(val string) (string, error) {
	val = strings.TrimSpace(val)

	for _, quote := range []string{`"`, `'`} {
		if !strings.HasPrefix(val, quote) {
			continue
		}
		switch strings.Count(val, quote) {
		case 1:
			return "", fmt.Errorf("unclosed quotes")
		case 2:
			if strings.HasSuffix(val, quote) {
				val = strings.TrimPrefix(val, quote)
				val = strings.TrimSuffix(val, quote)
			}
		}
	}

	return val, nil
}

// ReplaceMacros replaces ${name} macros from the /paths section.
// Unknown macros are kept as is.
func (config *Config) ReplaceMacros(value string) string {
	paths := config.Section("/paths")
	for depth := 0; depth < 10 && reMacro.MatchString(value); depth++ {
		replaced := reMacro.ReplaceAllStringFunc(value, func(macro string) string {
			name := reMacro.FindStringSubmatch(macro)[1]
			if repl, ok := paths.data[name]; ok {
				return repl
			}

			return macro
		})
		if replaced == value {
			break
		}
		value = replaced
	}

	return value
}

// ConfigSection contains a single config section.
type ConfigSection struct {
	cfg  *Config
	name string
	data ConfigData
	keys []string
}

// NewConfigSection creates a new ConfigSection.
func NewConfigSection(cfg *Config, name string) *ConfigSection {
	section := &ConfigSection{
		cfg:  cfg,
		name: name,
		data: make(map[string]string, 0),
		keys: make([]string, 0),
	}

	return section
}

// Name returns the section name
func (cs *ConfigSection) Name() string {
	return cs.name
}

// Set sets a single key/value pair. Existing keys will be overwritten.
func (cs *ConfigSection) Set(key, value string) {
	if !cs.HasKey(key) {
		cs.keys = append(cs.keys, key)
	}
	cs.data[key] = value
}

// MergeData merges config maps into a section
// (first value wins, later ones will be discarded)
func (cs *ConfigSection) MergeData(defaults ConfigData) {
	keys := maps.Keys(defaults)
	slices.Sort(keys)
	for _, key := range keys {
		if !cs.HasKey(key) {
			cs.Set(key, defaults[key])
		}
	}
}

// Keys returns list of config keys.
func (cs *ConfigSection) Keys() []string {
	return cs.keys
}

// HasKey returns true if given key exists in this config section
func (cs *ConfigSection) HasKey(key string) (ok bool) {
	_, ok = cs.data[key]

	return ok
}

// GetString parses string from config section, it returns the value if found and sets ok to true.
// Values not set in the section are looked up in the default sibling (ex.: /hosts/default)
// and in the parent section afterwards.
func (cs *ConfigSection) GetString(key string) (val string, ok bool) {
	val, ok = cs.data[key]
	if ok {
		if cs.cfg != nil {
			val = cs.cfg.ReplaceMacros(val)
		}

		return val, ok
	}

	if cs.cfg == nil {
		return val, ok
	}

	// try default folder for defaults
	base := path.Base(cs.name)
	folder := path.Dir(cs.name)
	if base != "default" && folder != "/" && folder != "." {
		defSection := cs.cfg.Section(folder + "/default")
		val, ok = defSection.GetString(key)
		if ok {
			return val, ok
		}
	}

	return "", false
}

// GetInt parses int64 from config section, it returns the value if found and sets ok to true.
// If value is found but cannot be parsed, error is set.
func (cs *ConfigSection) GetInt(key string) (num int64, ok bool, err error) {
	val, ok := cs.GetString(key)
	if !ok {
		return 0, false, nil
	}
	num, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("ParseInt: %s", err.Error())
	}

	return num, true, nil
}

// GetFloat parses float64 from config section, it returns the value if found and sets ok to true.
func (cs *ConfigSection) GetFloat(key string) (num float64, ok bool, err error) {
	val, ok := cs.GetString(key)
	if !ok {
		return 0, false, nil
	}
	num, err = convert.Float64E(val)
	if err != nil {
		return 0, true, fmt.Errorf("GetFloat: %s", err.Error())
	}

	return num, true, nil
}

// GetBool parses bool from config section, it returns the value if found and sets ok to true.
// If value is found but cannot be parsed, error is set.
func (cs *ConfigSection) GetBool(key string) (val, ok bool, err error) {
	raw, ok := cs.GetString(key)
	if !ok {
		return false, false, nil
	}
	val, err = convert.BoolE(raw)
	if err != nil {
		return false, true, fmt.Errorf("parseBool %s: %s", raw, err.Error())
	}

	return val, ok, nil
}

// GetDuration parses duration value from config section, it returns the value in seconds if found and sets ok to true.
// If value is found but cannot be parsed, error is set.
func (cs *ConfigSection) GetDuration(key string) (val float64, ok bool, err error) {
	raw, ok := cs.GetString(key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	num, err := utils.ExpandDuration(raw)
	if err != nil {
		return 0, true, fmt.Errorf("GetDuration: %s", err.Error())
	}

	return num, true, nil
}

// GetBytes parses int value with optional SI
// If value is found but cannot be parsed, error is set.
func (cs *ConfigSection) GetBytes(key string) (val uint64, ok bool, err error) {
	raw, ok := cs.GetString(key)
	if !ok {
		return 0, false, nil
	}
	num, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, true, fmt.Errorf("GetBytes: %s", err.Error())
	}

	return num, true, nil
}

// GetList returns a comma separated value as list, empty elements are removed.
func (cs *ConfigSection) GetList(key string) []string {
	raw, ok := cs.GetString(key)
	if !ok {
		return nil
	}
	list := []string{}
	for _, elem := range strings.Split(raw, ",") {
		elem = strings.TrimSpace(elem)
		if elem != "" {
			list = append(list, elem)
		}
	}

	return list
}

// GetState parses a monitoring state (0-3 or OK/WARN/CRIT/UNKNOWN).
func (cs *ConfigSection) GetState(key string) (state State, ok bool, err error) {
	raw, ok := cs.GetString(key)
	if !ok || raw == "" {
		return StateOK, false, nil
	}
	state, err = ParseState(raw)
	if err != nil {
		return StateOK, true, fmt.Errorf("%s: %s", key, err.Error())
	}

	return state, true, nil
}

// ConfigData contains data for a section.
type ConfigData map[string]string

// Merge merges two config maps (unordered)
func (d *ConfigData) Merge(defaults ConfigData) {
	for key, value := range defaults {
		if _, ok := (*d)[key]; !ok {
			(*d)[key] = value
		}
	}
}
