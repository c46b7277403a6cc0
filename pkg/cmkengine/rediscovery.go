package cmkengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/livestatus"
	"github.com/hashicorp/go-multierror"
)

// DiscoverMarkedHosts runs the automatic rediscovery for all hosts flagged by CheckDiscovery.
// Nothing happens during excluded times or while the oldest flag is younger than the group time.
// It returns the names of the processed hosts.
func (e *Engine) DiscoverMarkedHosts(ctx context.Context) ([]string, error) {
	dir := filepath.Join(e.Settings.VarDir, "autodiscovery")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %s", dir, err.Error())
	}
	if len(entries) == 0 {
		return nil, nil
	}

	settings := e.Settings.Discovery
	now := e.Now()
	for _, excluded := range settings.ExcludedTimes {
		if excluded.Contains(now) {
			log.Debugf("discover-marked: skipped, %s is in excluded time %s", now.Format("15:04"), excluded.String())

			return nil, nil
		}
	}

	hosts := []string{}
	var oldest time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
		hosts = append(hosts, entry.Name())
	}
	if len(hosts) == 0 {
		return nil, nil
	}
	if age := now.Sub(oldest); age < settings.GroupTime {
		log.Debugf("discover-marked: waiting for more hosts, oldest flag is %s old (group time %s)",
			age.Truncate(time.Second), settings.GroupTime)

		return nil, nil
	}
	sort.Strings(hosts)

	mode := settings.RediscoveryMode
	if mode == "" {
		mode = DiscoveryModeNew
	}

	hostStates := e.fetchHostStates(ctx)

	var errs *multierror.Error
	processed := []string{}
	for _, host := range hosts {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())

			break
		}
		if !hostIsUp(hostStates, host) {
			if _, err := e.HostConfig(host); err == nil {
				log.Debugf("[%s] skipping rediscovery, host is not UP", host)

				continue
			}
		}
		if err := e.discoverMarkedHost(ctx, host, mode); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", host, err))
		}
		processed = append(processed, host)
	}

	return processed, errs.ErrorOrNil()
}

func (e *Engine) discoverMarkedHost(ctx context.Context, host string, mode DiscoveryMode) error {
	defer func() {
		if err := os.Remove(e.RediscoveryFlagPath(host)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("[%s] removing rediscovery flag failed: %s", host, err.Error())
		}
	}()

	if _, err := e.HostConfig(host); err != nil {
		log.Debugf("[%s] skipping rediscovery: %s", host, err.Error())

		return nil
	}

	result, err := e.DiscoverOnHost(ctx, host, mode, nil)
	if err != nil {
		return err
	}
	log.Infof("[%s] rediscovery done: %s", host, result.String())

	e.scheduleDiscoveryCheck(ctx, host)

	return nil
}

// hostIsUp returns false if the core knows the host states and host is not UP.
func hostIsUp(states map[string]int, host string) bool {
	if len(states) == 0 {
		return true
	}
	state, ok := states[host]

	return ok && state == 0
}

// fetchHostStates returns the state of all hosts of the core. The map is empty if
// livestatus is not available.
func (e *Engine) fetchHostStates(ctx context.Context) map[string]int {
	states := map[string]int{}
	if e.Settings.LivestatusSocket == "" {
		return states
	}
	ctx, cancel := context.WithTimeout(ctx, e.livestatusTimeout())
	defer cancel()

	rows, err := livestatus.NewClient(e.Settings.LivestatusSocket).Query(ctx, "GET hosts\nColumns: name state")
	if err != nil {
		log.Debugf("fetching host states failed: %s", err.Error())

		return states
	}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		name, ok := row[0].(string)
		state, ok2 := row[1].(float64)
		if !ok || !ok2 {
			log.Debugf("invalid response from livestatus: %v", row)

			continue
		}
		states[name] = int(state)
	}

	return states
}

func (e *Engine) livestatusTimeout() time.Duration {
	if e.Settings.ConnectTimeout <= 0 {
		return livestatus.DefaultTimeout
	}

	return e.Settings.ConnectTimeout
}

// scheduleDiscoveryCheck asks the core to run the discovery check again so it shows the new state.
func (e *Engine) scheduleDiscoveryCheck(ctx context.Context, host string) {
	if e.Settings.LivestatusSocket == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.livestatusTimeout())
	defer cancel()

	client := livestatus.NewClient(e.Settings.LivestatusSocket)
	err := client.Command(ctx, livestatus.ScheduleForcedServiceCheck(e.Now(), host, DiscoveryServiceName))
	if err != nil {
		log.Debugf("[%s] scheduling %s failed: %s", host, DiscoveryServiceName, err.Error())
	}
}
