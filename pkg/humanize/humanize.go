package humanize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// IEC Sizes.
const (
	Byte = 1 << (iota * 10)
	KiByte
	MiByte
	GiByte
	TiByte
	PiByte
	EiByte
)

// SI Sizes.
const (
	IByte = 1
	KByte = IByte * 1000
	MByte = KByte * 1000
	GByte = MByte * 1000
	TByte = GByte * 1000
	PByte = TByte * 1000
	EByte = PByte * 1000
)

var bytesSizeTable = map[string]uint64{
	"B": Byte,

	"KB":  KByte,
	"KiB": KiByte,

	"MB":  MByte,
	"MiB": MiByte,

	"GB":  GByte,
	"GiB": GiByte,

	"TB":  TByte,
	"TiB": TiByte,

	"PB":  PByte,
	"PiB": PiByte,

	"EB":  EByte,
	"EiB": EiByte,

	// Without suffix
	"":   Byte,
	"KI": KiByte,
	"K":  KByte,
	"MI": MiByte,
	"M":  MByte,
	"GI": GiByte,
	"G":  GByte,
	"TI": TiByte,
	"T":  TByte,
	"PI": PiByte,
	"P":  PByte,
	"EI": EiByte,
	"E":  EByte,
}

var (
	iecUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
)

// ParseBytes("83 M") -> 83000000
func ParseBytes(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	lastDigit := 0
	hasComma := false
	for _, r := range raw {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			break
		}
		if r == ',' {
			hasComma = true
		}
		lastDigit++
	}

	strNum := raw[:lastDigit]
	if hasComma {
		strNum = strings.ReplaceAll(strNum, ",", "")
	}

	fNum, err := strconv.ParseFloat(strNum, 64)
	if err != nil {
		return 0, fmt.Errorf("parsefloat %s: %s", raw, err.Error())
	}

	extra := strings.TrimSpace(raw[lastDigit:])
	if m, ok := getByteSize(extra); ok {
		fNum *= float64(m)
		if fNum >= math.MaxUint64 {
			return 0, fmt.Errorf("too large: %v", raw)
		}

		return uint64(fNum), nil
	}

	return 0, fmt.Errorf("unhandled size name: %v", extra)
}

// IBytes renders bytes with IEC units and 3 significant digits: 1536 -> 1.50 KiB
func IBytes(num float64) string {
	return scaled(num, 1024, iecUnits)
}

// Percent renders a percentage value: 12.3456 -> 12.35%
func Percent(num float64) string {
	switch {
	case num == 0:
		return "0%"
	case math.Abs(num) < 0.01:
		if num < 0 {
			return "-<0.01%"
		}

		return "<0.01%"
	}

	return fmt.Sprintf("%.2f%%", num)
}

// Timespan renders seconds as human readable duration: 93784 -> 1 day 2 hours
func Timespan(seconds float64) string {
	if seconds < 0 {
		return "-" + Timespan(-seconds)
	}
	if seconds < 1 {
		return fmt.Sprintf("%.0f milliseconds", seconds*1000)
	}
	if seconds < 60 {
		if seconds == math.Floor(seconds) {
			return plural(int64(seconds), "second")
		}

		return fmt.Sprintf("%.2f seconds", seconds)
	}

	total := int64(seconds)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	switch {
	case days >= 365:
		return fmt.Sprintf("%s %s", plural(days/365, "year"), plural(days%365, "day"))
	case days > 0:
		return fmt.Sprintf("%s %s", plural(days, "day"), plural(hours, "hour"))
	case hours > 0:
		return fmt.Sprintf("%s %s", plural(hours, "hour"), plural(minutes, "minute"))
	default:
		return fmt.Sprintf("%s %s", plural(minutes, "minute"), plural(secs, "second"))
	}
}

// Datetime renders a point in time
func Datetime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func plural(num int64, unit string) string {
	if num == 1 {
		return fmt.Sprintf("%d %s", num, unit)
	}

	return fmt.Sprintf("%d %ss", num, unit)
}

func scaled(num float64, base float64, units []string) string {
	prefix := ""
	if num < 0 {
		prefix = "-"
		num *= -1
	}

	exp := 0
	for num >= base && exp < len(units)-1 {
		num /= base
		exp++
	}

	if exp == 0 {
		return fmt.Sprintf("%s%.0f %s", prefix, num, units[0])
	}

	switch {
	case num >= 100:
		return fmt.Sprintf("%s%.0f %s", prefix, num, units[exp])
	case num >= 10:
		return fmt.Sprintf("%s%.1f %s", prefix, num, units[exp])
	default:
		return fmt.Sprintf("%s%.2f %s", prefix, num, units[exp])
	}
}

// find entry in the byte size table
func getByteSize(name string) (uint64, bool) {
	if m, ok := bytesSizeTable[name]; ok {
		return m, ok
	}

	// try with uppercase case name if nothing matched yet
	if m, ok := bytesSizeTable[strings.ToUpper(name)]; ok {
		return m, ok
	}

	// try case insensitive match
	for key, val := range bytesSizeTable {
		if strings.EqualFold(key, name) {
			return val, true
		}
	}

	return 1, false
}
