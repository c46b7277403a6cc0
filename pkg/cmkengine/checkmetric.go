package cmkengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
)

// CheckMetric contains a single performance value.
type CheckMetric struct {
	Name     string
	Value    float64
	Unit     string
	Warning  *float64
	Critical *float64
	Min      *float64
	Max      *float64
}

// String returns the metric as name=value;warn;crit;min;max
func (m *CheckMetric) String() string {
	return fmt.Sprintf("%s=%s%s;%s;%s;%s;%s",
		strings.ReplaceAll(m.Name, " ", "_"),
		convert.PerfValue(m.Value),
		m.Unit,
		perfNum(m.Warning),
		perfNum(m.Critical),
		perfNum(m.Min),
		perfNum(m.Max),
	)
}

// MarshalJSON renders the metric in performance data syntax.
func (m *CheckMetric) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func perfNum(num *float64) string {
	if num == nil {
		return ""
	}

	return convert.PerfValue(*num)
}

// Float returns a pointer to num, handy for optional metric attributes.
func Float(num float64) *float64 {
	return &num
}
