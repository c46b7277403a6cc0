package utils

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kdar/factorlog"
)

// ExpandDuration expand duration string into seconds
func ExpandDuration(val string) (res float64, err error) {
	var num float64

	val = strings.TrimSpace(val)
	factors := []struct {
		suffix string
		factor float64
	}{
		{"ms", 0.001},
		{"s", 1},
		{"m", 60},
		{"h", 3600},
		{"d", 86400},
		{"w", 86400 * 7},
	}

	for _, f := range factors {
		if strings.HasSuffix(val, f.suffix) {
			num, err = strconv.ParseFloat(strings.TrimSuffix(val, f.suffix), 64)
			res = num * f.factor
			if err != nil {
				return 0, fmt.Errorf("expandDuration: %s", err.Error())
			}

			return res, nil
		}
	}
	if IsFloatString(val) {
		res, err = strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("expandDuration: %s", err.Error())
		}

		return res, nil
	}

	return 0, fmt.Errorf("expandDuration: cannot parse duration, unknown format in %s", val)
}

// IsFloatString returns true if string is a plain decimal number
func IsFloatString(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)

	return err == nil && !strings.ContainsAny(s, "eEx")
}

// ReadPid reads the pid from given pidfile
func ReadPid(pidfile string) (int, error) {
	dat, err := os.ReadFile(pidfile)
	if err != nil {
		return 0, fmt.Errorf("read %s failed: %s", pidfile, err.Error())
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(dat)))
	if err != nil {
		return 0, fmt.Errorf("read %s failed: %s", pidfile, err.Error())
	}

	return pid, nil
}

// LogThreadDump logs the stacks of all goroutines.
func LogThreadDump(log *factorlog.FactorLog) {
	buf := make([]byte, 1<<16)

	if n := runtime.Stack(buf, true); n < len(buf) {
		buf = buf[:n]
	}

	log.Errorf("ThreadDump:\n%s", buf)
}

// ParseVersion converts a version string into a comparable number: 2.1.0 -> 2.001
func ParseVersion(str string) (num float64) {
	str = strings.TrimPrefix(strings.TrimSpace(str), "v")
	// strip suffixes like 2.1.0p12 or 2.2.0-2023.01.01
	fields := strings.FieldsFunc(str, func(r rune) bool { return r == 'p' || r == 'b' || r == 'i' || r == '-' })
	if len(fields) == 0 {
		return 0
	}
	token := strings.Split(fields[0], ".")

	for i, t := range token {
		x, err := strconv.ParseFloat(t, 64)
		if err != nil {
			continue
		}
		num += x * math.Pow10(-i*3)
	}

	return num
}

// WriteFileAtomic writes data into a temporary file next to path and renames it afterwards.
// Readers either see the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("mkdir %s: %s", dir, err.Error())
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".new*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %s", dir, err.Error())
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("write %s: %s", tmpName, err.Error())
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %s", tmpName, err.Error())
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %s", tmpName, err.Error())
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %s", path, err.Error())
	}

	return nil
}

// TimeRange is a daily time window like 22:00-06:00
type TimeRange struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// ParseTimeRange parses HH:MM-HH:MM
func ParseTimeRange(str string) (*TimeRange, error) {
	parts := strings.Split(strings.TrimSpace(str), "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected HH:MM-HH:MM, got: %s", str)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return nil, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, err
	}

	return &TimeRange{Start: start, End: end}, nil
}

func parseClock(str string) (time.Duration, error) {
	clock, err := time.Parse("15:04", strings.TrimSpace(str))
	if err != nil {
		if strings.TrimSpace(str) == "24:00" {
			return 24 * time.Hour, nil
		}

		return 0, fmt.Errorf("invalid time %s: %s", str, err.Error())
	}

	return time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute, nil
}

// Contains returns true if given time is within the range. Ranges may wrap around midnight.
func (r *TimeRange) Contains(now time.Time) bool {
	offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	if r.Start <= r.End {
		return offset >= r.Start && offset < r.End
	}

	return offset >= r.Start || offset < r.End
}

// String returns the range in HH:MM-HH:MM notation
func (r *TimeRange) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		int(r.Start.Hours()), int(r.Start.Minutes())%60,
		int(r.End.Hours()), int(r.End.Minutes())%60)
}
