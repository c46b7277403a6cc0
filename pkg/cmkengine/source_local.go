package cmkengine

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

func init() {
	AvailableSources["local"] = func(e *Engine, hostConf *HostConfig) Source {
		return newAgentSource(e, hostConf, "local", &LocalFetcher{}, false)
	}
}

// LocalFetcher creates agent output for the machine the engine runs on.
type LocalFetcher struct{}

func (f *LocalFetcher) FetchRaw(ctx context.Context) ([]byte, error) {
	out := &bytes.Buffer{}
	for _, section := range []func(context.Context, *bytes.Buffer) error{
		f.sectionCheckMK,
		f.sectionUptime,
		f.sectionMem,
		f.sectionDF,
		f.sectionCPU,
	} {
		if err := section(ctx, out); err != nil {
			log.Debugf("local source: %s", err.Error())
		}
	}

	return out.Bytes(), nil
}

func (f *LocalFetcher) sectionCheckMK(ctx context.Context, out *bytes.Buffer) error {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("host info: %s", err.Error())
	}
	fmt.Fprintf(out, "<<<check_mk>>>\n")
	fmt.Fprintf(out, "Version: %s-%s\n", NAME, VERSION)
	fmt.Fprintf(out, "AgentOS: %s\n", runtime.GOOS)
	fmt.Fprintf(out, "Hostname: %s\n", info.Hostname)
	fmt.Fprintf(out, "Platform: %s %s\n", info.Platform, info.PlatformVersion)

	return nil
}

func (f *LocalFetcher) sectionUptime(ctx context.Context, out *bytes.Buffer) error {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return fmt.Errorf("uptime: %s", err.Error())
	}
	fmt.Fprintf(out, "<<<uptime>>>\n%d\n", uptime)

	return nil
}

func (f *LocalFetcher) sectionMem(ctx context.Context, out *bytes.Buffer) error {
	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("memory: %s", err.Error())
	}
	fmt.Fprintf(out, "<<<mem>>>\n")
	for _, row := range []struct {
		name  string
		value uint64
	}{
		{"MemTotal", memory.Total},
		{"MemFree", memory.Free},
		{"MemAvailable", memory.Available},
		{"Buffers", memory.Buffers},
		{"Cached", memory.Cached},
		{"SwapTotal", memory.SwapTotal},
		{"SwapFree", memory.SwapFree},
	} {
		fmt.Fprintf(out, "%s: %d kB\n", row.name, row.value/1024)
	}

	return nil
}

func (f *LocalFetcher) sectionDF(ctx context.Context, out *bytes.Buffer) error {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("partitions: %s", err.Error())
	}
	fmt.Fprintf(out, "<<<df>>>\n")
	for _, part := range partitions {
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil {
			log.Tracef("local source: df %s: %s", part.Mountpoint, err.Error())

			continue
		}
		if usage.Total == 0 {
			continue
		}
		fmt.Fprintf(out, "%s %s %d %d %d %.0f%% %s\n",
			strings.ReplaceAll(part.Device, " ", "_"), part.Fstype,
			usage.Total/1024, usage.Used/1024, usage.Free/1024,
			usage.UsedPercent, part.Mountpoint)
	}

	return nil
}

func (f *LocalFetcher) sectionCPU(ctx context.Context, out *bytes.Buffer) error {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("load: %s", err.Error())
	}
	running, total := 0, 0
	if misc, err := load.MiscWithContext(ctx); err == nil {
		running, total = misc.ProcsRunning, misc.ProcsTotal
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return fmt.Errorf("cpu count: %s", err.Error())
	}
	fmt.Fprintf(out, "<<<cpu>>>\n%.2f %.2f %.2f %d/%d 0 %d\n", avg.Load1, avg.Load5, avg.Load15, running, total, cores)

	return nil
}
