package cmkengine

import (
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"gopkg.in/yaml.v3"
)

// Params contains check parameters, usually parsed from yaml rule values.
type Params map[string]interface{}

// ParseParams parses a yaml mapping, empty input results in empty params.
func ParseParams(raw string) (Params, error) {
	params := Params{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	err := yaml.Unmarshal([]byte(raw), &params)
	if err != nil {
		return nil, fmt.Errorf("yaml: %s", err.Error())
	}

	return params, nil
}

// Merge returns a new set of params, later params override earlier keys.
func (p Params) Merge(others ...Params) Params {
	merged := make(Params, len(p))
	for key, val := range p {
		merged[key] = val
	}
	for _, other := range others {
		for key, val := range other {
			merged[key] = val
		}
	}

	return merged
}

// Float returns numeric value of key or def.
func (p Params) Float(key string, def float64) float64 {
	raw, ok := p[key]
	if !ok {
		return def
	}
	num, err := convert.Float64E(raw)
	if err != nil {
		return def
	}

	return num
}

// String returns the string value of key or def.
func (p Params) String(key, def string) string {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def
	}

	return fmt.Sprintf("%v", raw)
}

// Bool returns boolean value of key or def.
func (p Params) Bool(key string, def bool) bool {
	raw, ok := p[key]
	if !ok {
		return def
	}
	val, err := convert.BoolE(raw)
	if err != nil {
		return def
	}

	return val
}

// State returns the state set in key or def.
func (p Params) State(key string, def State) State {
	raw, ok := p[key]
	if !ok {
		return def
	}
	state, err := ParseState(fmt.Sprintf("%v", raw))
	if err != nil {
		return def
	}

	return state
}

// Levels returns the warn/crit pair from key. Supported notations are
// lists [warn, crit], maps {warn: x, crit: y} and strings "warn,crit".
// Levels are disabled (nil) if unset, null, false or "none".
func (p Params) Levels(key string) (*Levels, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, nil
	}

	var warn, crit interface{}
	switch val := raw.(type) {
	case bool:
		if !val {
			return nil, nil
		}

		return nil, fmt.Errorf("%s: levels must be a pair", key)
	case []interface{}:
		if len(val) != 2 {
			return nil, fmt.Errorf("%s: levels must be a pair, got %d elements", key, len(val))
		}
		warn, crit = val[0], val[1]
	case []float64:
		if len(val) != 2 {
			return nil, fmt.Errorf("%s: levels must be a pair, got %d elements", key, len(val))
		}
		warn, crit = val[0], val[1]
	case Params:
		// nested yaml mappings decode into the type of the outer map
		warn, crit = val["warn"], val["crit"]
	case map[string]interface{}:
		warn, crit = val["warn"], val["crit"]
	case string:
		if strings.EqualFold(strings.TrimSpace(val), "none") || strings.TrimSpace(val) == "" {
			return nil, nil
		}
		parts := strings.Split(val, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s: levels must be warn,crit", key)
		}
		warn, crit = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("%s: unsupported levels type %T", key, raw)
	}

	warnNum, err := convert.Float64E(warn)
	if err != nil {
		return nil, fmt.Errorf("%s: warn: %s", key, err.Error())
	}
	critNum, err := convert.Float64E(crit)
	if err != nil {
		return nil, fmt.Errorf("%s: crit: %s", key, err.Error())
	}

	return &Levels{Warn: warnNum, Crit: critNum}, nil
}
