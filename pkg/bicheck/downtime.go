package bicheck

import (
	"context"
	"fmt"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/convert"
	"github.com/consol-monitoring/cmkengine/pkg/livestatus"
)

// DowntimeComment marks the downtimes created by the downtime tracking.
const DowntimeComment = "Automatic downtime of BI aggregation"

// DefaultDowntimeDuration is the length of tracked downtimes, they are renewed
// by the next run as long as the aggregation stays in downtime.
const DefaultDowntimeDuration = 2 * time.Hour

// DowntimeTracker sets or removes the host downtime.
type DowntimeTracker interface {
	Sync(ctx context.Context, hostname string, inDowntime bool) error
}

// Livestatus is the part of the livestatus client used for downtimes.
type Livestatus interface {
	Query(ctx context.Context, query string) ([][]interface{}, error)
	Command(ctx context.Context, command string) error
}

// LivestatusDowntimes tracks downtimes through the livestatus socket of the site.
type LivestatusDowntimes struct {
	Client   Livestatus
	Author   string
	Duration time.Duration
	now      func() time.Time
}

// NewLivestatusDowntimes creates a tracker for the given livestatus address.
func NewLivestatusDowntimes(address, author string) *LivestatusDowntimes {
	return &LivestatusDowntimes{Client: livestatus.NewClient(address), Author: author}
}

func (d *LivestatusDowntimes) currentTime() time.Time {
	if d.now != nil {
		return d.now()
	}

	return time.Now()
}

// Sync schedules a host downtime while the aggregation is in downtime and
// removes it again afterwards.
func (d *LivestatusDowntimes) Sync(ctx context.Context, hostname string, inDowntime bool) error {
	ids, err := d.existing(ctx, hostname)
	if err != nil {
		return err
	}

	switch {
	case inDowntime && len(ids) == 0:
		duration := d.Duration
		if duration <= 0 {
			duration = DefaultDowntimeDuration
		}
		start := d.currentTime()
		cmd := fmt.Sprintf("SCHEDULE_HOST_DOWNTIME;%s;%d;%d;1;0;%d;%s;%s",
			hostname, start.Unix(), start.Add(duration).Unix(), int64(duration.Seconds()), d.Author, DowntimeComment)

		return d.command(ctx, cmd)
	case !inDowntime:
		for _, id := range ids {
			if err := d.command(ctx, fmt.Sprintf("DEL_HOST_DOWNTIME;%d", id)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *LivestatusDowntimes) existing(ctx context.Context, hostname string) ([]int64, error) {
	query := fmt.Sprintf("GET downtimes\nColumns: id\nFilter: host_name = %s\nFilter: service_description =\nFilter: comment = %s",
		hostname, DowntimeComment)
	rows, err := d.Client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("livestatus downtime query: %w", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		ids = append(ids, convert.Int64(row[0]))
	}

	return ids, nil
}

func (d *LivestatusDowntimes) command(ctx context.Context, cmd string) error {
	if err := d.Client.Command(ctx, cmd); err != nil {
		return fmt.Errorf("livestatus command: %w", err)
	}

	return nil
}
