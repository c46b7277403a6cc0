package cmkengine

import (
	"fmt"
	"strings"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"golang.org/x/exp/slices"
)

// IgnoredFilesystemTypes are never discovered as filesystem services.
var IgnoredFilesystemTypes = []string{
	"tmpfs", "devtmpfs", "squashfs", "overlay", "iso9660", "nfs", "nfs4", "cifs", "proc", "sysfs",
}

func init() {
	AvailableSections["df"] = &SectionPlugin{
		Name:  "df",
		Parse: parseDF,
	}
	AvailableChecks["df"] = &CheckPlugin{
		Name:        "df",
		ServiceName: "Filesystem %s",
		DefaultParams: Params{
			"levels": []interface{}{80.0, 90.0},
		},
		Discover: discoverDF,
		Check:    checkDF,
	}
}

// Filesystem is a single line of the df section.
type Filesystem struct {
	Device     string
	FSType     string
	Size       float64 // bytes
	Used       float64
	Available  float64
	Mountpoint string
}

// df section: device fstype size used avail percent mountpoint, sizes in kB
func parseDF(table StringTable) (interface{}, error) {
	filesystems := map[string]*Filesystem{}
	for _, row := range table {
		if len(row) < 7 || strings.HasPrefix(row[0], "[") {
			continue
		}
		fs := &Filesystem{
			Device:     row[0],
			FSType:     row[1],
			Mountpoint: strings.Join(row[6:], " "),
		}
		for i, target := range []*float64{&fs.Size, &fs.Used, &fs.Available} {
			val, err := convert.Float64E(row[2+i])
			if err != nil {
				return nil, fmt.Errorf("%s: %s", fs.Mountpoint, err.Error())
			}
			*target = val * 1024
		}
		filesystems[fs.Mountpoint] = fs
	}

	return filesystems, nil
}

func discoverDF(sections SectionSet) ([]*Service, error) {
	filesystems, ok := SectionAs[map[string]*Filesystem](sections, "df")
	if !ok {
		return nil, nil
	}
	services := []*Service{}
	for mountpoint, fs := range filesystems {
		if fs.Size == 0 || slices.Contains(IgnoredFilesystemTypes, fs.FSType) {
			continue
		}
		services = append(services, &Service{Item: mountpoint})
	}

	return services, nil
}

func checkDF(_ *CheckContext, item string, params Params, sections SectionSet) ([]SubResult, error) {
	filesystems, ok := SectionAs[map[string]*Filesystem](sections, "df")
	if !ok {
		return nil, nil
	}
	fs, ok := filesystems[item]
	if !ok {
		return nil, nil
	}
	if fs.Size == 0 {
		return []SubResult{NewResult(StateUnknown, "Size of filesystem is 0 B")}, nil
	}

	levels, err := params.Levels("levels")
	if err != nil {
		return nil, err
	}
	// reserved blocks count as used
	used := fs.Size - fs.Available

	results := usageResults("Used", "fs_used", used, fs.Size, levels)
	results = append(results, &CheckMetric{Name: "fs_size", Value: fs.Size, Min: Float(0)})
	results = append(results, NewDetail(StateOK, "Type: %s", fs.FSType))

	return results, nil
}
