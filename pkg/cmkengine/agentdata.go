package cmkengine

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// PiggybackCacheInterval is added as cache interval to piggyback sections without cache information.
const PiggybackCacheInterval = 90

// SectionHeader contains the parsed options of a <<<name:opt(args)>>> header.
type SectionHeader struct {
	Name      string
	Separator string // empty means split on whitespace
	NoStrip   bool
	Encoding  string
	Cached    *CacheInfo
	Persist   int64 // unix timestamp until the section stays valid
}

// CacheInfo contains the cache time and interval of a cached section.
type CacheInfo struct {
	CachedAt int64 `yaml:"cached_at" json:"cached_at"`
	Interval int64 `yaml:"interval" json:"interval"`
}

// PersistedSection is a section which stays valid until a given time.
type PersistedSection struct {
	CachedAt int64       `yaml:"cached_at"`
	Until    int64       `yaml:"until"`
	Table    StringTable `yaml:"table"`
}

// HostSections contains everything parsed from one agent output.
type HostSections struct {
	Sections  map[string]StringTable
	CacheInfo map[string]*CacheInfo
	Persisted map[string]*PersistedSection
	Piggyback map[string][]string // raw lines for other hosts
}

// NewHostSections returns empty host sections.
func NewHostSections() *HostSections {
	return &HostSections{
		Sections:  make(map[string]StringTable),
		CacheInfo: make(map[string]*CacheInfo),
		Persisted: make(map[string]*PersistedSection),
		Piggyback: make(map[string][]string),
	}
}

// Merge adds all sections from other. Sections present in both are concatenated.
func (hs *HostSections) Merge(other *HostSections) {
	if other == nil {
		return
	}
	for name, table := range other.Sections {
		hs.Sections[name] = append(hs.Sections[name], table...)
	}
	for name, info := range other.CacheInfo {
		hs.CacheInfo[name] = info
	}
	for name, persisted := range other.Persisted {
		hs.Persisted[name] = persisted
	}
	for host, lines := range other.Piggyback {
		hs.Piggyback[host] = append(hs.Piggyback[host], lines...)
	}
}

// SectionNames returns the names of all sections
func (hs *HostSections) SectionNames() []string {
	names := make([]string, 0, len(hs.Sections))
	for name := range hs.Sections {
		names = append(names, name)
	}

	return names
}

// AgentOutput renders the sections in agent format, sorted by name. Sections
// with whitespace inside cells are written with a pipe separator.
func (hs *HostSections) AgentOutput() []byte {
	out := &bytes.Buffer{}
	names := hs.SectionNames()
	slices.Sort(names)
	for _, name := range names {
		table := hs.Sections[name]
		separator := " "
		header := name
		if tableHasSpaces(table) {
			separator = "|"
			header += ":sep(124)"
		}
		if info, ok := hs.CacheInfo[name]; ok && info != nil {
			header += fmt.Sprintf(":cached(%d,%d)", info.CachedAt, info.Interval)
		}
		fmt.Fprintf(out, "<<<%s>>>\n", header)
		for _, row := range table {
			fmt.Fprintf(out, "%s\n", strings.Join(row, separator))
		}
	}

	hosts := maps.Keys(hs.Piggyback)
	slices.Sort(hosts)
	for _, host := range hosts {
		fmt.Fprintf(out, "<<<<%s>>>>\n", host)
		for _, line := range hs.Piggyback[host] {
			fmt.Fprintf(out, "%s\n", line)
		}
		fmt.Fprintf(out, "<<<<>>>>\n")
	}

	return out.Bytes()
}

func tableHasSpaces(table StringTable) bool {
	for _, row := range table {
		for _, cell := range row {
			if strings.ContainsAny(cell, " \t") {
				return true
			}
		}
	}

	return false
}

// ParseSectionHeader parses the content of a section header line including the angle brackets.
func ParseSectionHeader(line string, now time.Time) (*SectionHeader, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<<<") || !strings.HasSuffix(line, ">>>") || len(line) < 6 {
		return nil, fmt.Errorf("not a section header: %s", line)
	}
	parts := strings.Split(line[3:len(line)-3], ":")
	header := &SectionHeader{Name: parts[0]}
	for _, opt := range parts[1:] {
		name, args, _ := strings.Cut(opt, "(")
		args = strings.TrimSuffix(args, ")")
		switch name {
		case "sep":
			code, err := strconv.Atoi(args)
			if err != nil {
				continue
			}
			header.Separator = string(rune(code))
		case "nostrip":
			header.NoStrip = true
		case "encoding":
			header.Encoding = args
		case "cached":
			times := strings.Split(args, ",")
			if len(times) != 2 {
				return nil, fmt.Errorf("cached option needs 2 arguments: %s", line)
			}
			cachedAt, err := strconv.ParseInt(times[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cached option: %s", err.Error())
			}
			interval, err := strconv.ParseInt(times[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cached option: %s", err.Error())
			}
			header.Cached = &CacheInfo{CachedAt: cachedAt, Interval: interval}
		case "persist":
			until, err := strconv.ParseInt(args, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("persist option: %s", err.Error())
			}
			header.Persist = until
			header.Cached = &CacheInfo{CachedAt: now.Unix(), Interval: until - now.Unix()}
		}
	}

	return header, nil
}

// ParseAgentData splits agent output into sections.
// hostName is used to detect piggyback data addressed to the host itself.
func ParseAgentData(raw []byte, hostName string, now time.Time) *HostSections {
	result := NewHostSections()

	var header *SectionHeader
	piggybackHost := ""
	skipPiggyback := false
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		stripped := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(stripped, "<<<<") && strings.HasSuffix(stripped, ">>>>"):
			var valid bool
			piggybackHost, valid = sanitizePiggybackHost(stripped[4:len(stripped)-4], hostName)
			skipPiggyback = !valid
			if skipPiggyback {
				log.Debugf("ignoring piggyback data with invalid host name %q", stripped)
			}
			header = nil
		case skipPiggyback:
			continue
		case piggybackHost != "":
			if strings.HasPrefix(stripped, "<<<") && strings.HasSuffix(stripped, ">>>") &&
				!strings.Contains(stripped, ":cached(") && !strings.Contains(stripped, ":persist(") {
				line = fmt.Sprintf("<<<%s:cached(%d,%d)>>>", stripped[3:len(stripped)-3], now.Unix(), PiggybackCacheInterval)
			}
			result.Piggyback[piggybackHost] = append(result.Piggyback[piggybackHost], line)
		case strings.HasPrefix(stripped, "<<<") && strings.HasSuffix(stripped, ">>>"):
			parsed, err := ParseSectionHeader(stripped, now)
			if err != nil || parsed.Name == "" {
				log.Debugf("ignoring section header %q: %v", stripped, err)
				header = nil

				continue
			}
			header = parsed
			if _, ok := result.Sections[header.Name]; !ok {
				result.Sections[header.Name] = StringTable{}
			}
			if header.Cached != nil {
				result.CacheInfo[header.Name] = header.Cached
			}
			if header.Persist > 0 {
				result.Persisted[header.Name] = &PersistedSection{
					CachedAt: now.Unix(),
					Until:    header.Persist,
				}
			}
		case stripped == "" || header == nil:
			continue
		default:
			if !header.NoStrip {
				line = stripped
			}
			line = decodeLine(line, header.Encoding)
			var words []string
			if header.Separator == "" {
				words = strings.Fields(line)
			} else {
				words = strings.Split(line, header.Separator)
			}
			result.Sections[header.Name] = append(result.Sections[header.Name], words)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("reading agent data of %s failed: %s", hostName, err.Error())
	}

	for name, persisted := range result.Persisted {
		persisted.Table = result.Sections[name]
	}

	return result
}

var invalidHostChars = regexp.MustCompile(`[^-0-9A-Za-z_.]`)

// sanitizePiggybackHost turns the name of a piggyback header into a host name
// usable as directory name. Characters not allowed in host names and ".." are
// replaced by underscores. It returns false for names which cannot be used.
func sanitizePiggybackHost(name, ownHost string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || name == ownHost {
		return "", true
	}

	name = invalidHostChars.ReplaceAllString(name, "_")
	name = strings.ReplaceAll(name, "..", "__")
	if name == "." {
		return "", false
	}

	return name, true
}

// decodeLine converts latin1 encoded lines into utf8. Valid utf8 is returned unchanged.
func decodeLine(line, encoding string) string {
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8", "ascii":
		if utf8.ValidString(line) {
			return line
		}
	}

	runes := make([]rune, 0, len(line))
	for i := 0; i < len(line); i++ {
		runes = append(runes, rune(line[i]))
	}

	return string(runes)
}
