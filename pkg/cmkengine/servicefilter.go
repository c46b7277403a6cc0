package cmkengine

import (
	"fmt"
	"regexp"
	"strings"
)

// ServiceFilters decide which new services are added and which vanished ones are removed.
type ServiceFilters struct {
	New      *ServiceFilter
	Vanished *ServiceFilter
}

// ServiceFilter matches service descriptions against a white- and blacklist.
// An empty whitelist matches everything.
type ServiceFilter struct {
	whitelist []*regexp.Regexp
	blacklist []*regexp.Regexp
}

// NewServiceFilter compiles the regular expressions, they are anchored at the start.
func NewServiceFilter(whitelist, blacklist []string) (*ServiceFilter, error) {
	filter := &ServiceFilter{}
	for _, expr := range whitelist {
		regex, err := compileStartAnchored(expr)
		if err != nil {
			return nil, err
		}
		filter.whitelist = append(filter.whitelist, regex)
	}
	for _, expr := range blacklist {
		regex, err := compileStartAnchored(expr)
		if err != nil {
			return nil, err
		}
		filter.blacklist = append(filter.blacklist, regex)
	}

	return filter, nil
}

func compileStartAnchored(expr string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(expr, "^") {
		expr = "^(?:" + expr + ")"
	}
	regex, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid service filter %q: %s", expr, err.Error())
	}

	return regex, nil
}

// Match returns true if the description passes the filter.
func (f *ServiceFilter) Match(description string) bool {
	if f == nil {
		return true
	}
	if len(f.whitelist) > 0 {
		found := false
		for _, regex := range f.whitelist {
			if regex.MatchString(description) {
				found = true

				break
			}
		}
		if !found {
			return false
		}
	}
	for _, regex := range f.blacklist {
		if regex.MatchString(description) {
			return false
		}
	}

	return true
}

// NewServiceFiltersFromConfig creates filters from the discovery settings.
// The vanished filter falls back to the general white/blacklist.
func NewServiceFiltersFromConfig(section *ConfigSection) (*ServiceFilters, error) {
	whitelist := section.GetList("service whitelist")
	blacklist := section.GetList("service blacklist")
	newFilter, err := NewServiceFilter(whitelist, blacklist)
	if err != nil {
		return nil, err
	}

	vanishedWhitelist := section.GetList("vanished service whitelist")
	vanishedBlacklist := section.GetList("vanished service blacklist")
	if len(vanishedWhitelist) == 0 && len(vanishedBlacklist) == 0 {
		return &ServiceFilters{New: newFilter, Vanished: newFilter}, nil
	}
	vanishedFilter, err := NewServiceFilter(vanishedWhitelist, vanishedBlacklist)
	if err != nil {
		return nil, err
	}

	return &ServiceFilters{New: newFilter, Vanished: vanishedFilter}, nil
}
