// Package bicheck implements the active check for Checkmk BI aggregations.
package bicheck

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine"
)

// APIPath is the rest api endpoint returning aggregation states.
const APIPath = "/check_mk/api/1.0/domain-types/bi_aggregation/actions/aggregation_state/invoke"

const DefaultTimeout = 60 * time.Second

// Override changes the aggregation state while it is in downtime or acknowledged.
type Override string

const (
	OverrideNone Override = ""
	OverrideOK   Override = "ok"
	OverrideWarn Override = "warn"
)

// ParseOverride parses an override option.
func ParseOverride(raw string) (Override, error) {
	switch Override(strings.ToLower(strings.TrimSpace(raw))) {
	case OverrideNone, "none":
		return OverrideNone, nil
	case OverrideOK:
		return OverrideOK, nil
	case OverrideWarn:
		return OverrideWarn, nil
	}

	return OverrideNone, fmt.Errorf("unknown state override %q, must be ok or warn", raw)
}

func (o Override) apply(state cmkengine.State) cmkengine.State {
	switch o {
	case OverrideOK:
		return cmkengine.StateOK
	case OverrideWarn:
		if state == cmkengine.StateOK {
			return state
		}

		return cmkengine.StateWarn
	case OverrideNone:
	}

	return state
}

// Options configure the bi check.
type Options struct {
	SiteURL      string // base url including the site, ex.: https://monitoring/site
	Aggregation  string
	User         string
	Secret       string
	InDowntime   Override
	Acknowledged Override
	Timeout      time.Duration
	Insecure     bool

	// TrackDowntimes mirrors the aggregation downtime onto Hostname.
	TrackDowntimes bool
	Hostname       string
	Downtimes      DowntimeTracker
}

// AggregationState is the state of a single aggregation as returned by the rest api.
type AggregationState struct {
	State        int      `json:"state"`
	Output       string   `json:"output"`
	Hosts        []string `json:"hosts"`
	Acknowledged bool     `json:"acknowledged"`
	InDowntime   bool     `json:"in_downtime"`
}

// Response is the rest api result.
type Response struct {
	Aggregations map[string]AggregationState `json:"aggregations"`
	MissingSites []string                    `json:"missing_sites"`
	MissingAggr  []string                    `json:"missing_aggr"`
}

type request struct {
	FilterNames []string `json:"filter_names"`
}

// Check queries the aggregation state.
type Check struct {
	Options Options
	client  *http.Client
}

// NewCheck validates the options and creates the check.
func NewCheck(opts Options) (*Check, error) {
	switch {
	case opts.SiteURL == "":
		return nil, fmt.Errorf("site url is required")
	case opts.Aggregation == "":
		return nil, fmt.Errorf("aggregation name is required")
	case opts.TrackDowntimes && opts.Hostname == "":
		return nil, fmt.Errorf("tracking downtimes requires the hostname")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.Insecure, //nolint:gosec // opt-in for self signed sites
				MinVersion:         tls.VersionTLS12,
			},
			DialContext:           (&net.Dialer{Timeout: opts.Timeout}).DialContext,
			ResponseHeaderTimeout: opts.Timeout,
			TLSHandshakeTimeout:   opts.Timeout,
		},
	}

	return &Check{Options: opts, client: client}, nil
}

// Run fetches and evaluates the aggregation.
func (c *Check) Run(ctx context.Context) *cmkengine.CheckResult {
	resp, err := c.Fetch(ctx)
	if err != nil {
		return &cmkengine.CheckResult{State: cmkengine.StateUnknown, Output: err.Error()}
	}

	res := c.Evaluate(resp)

	if c.Options.TrackDowntimes && c.Options.Downtimes != nil {
		if aggr, ok := resp.Aggregations[c.Options.Aggregation]; ok {
			if err := c.Options.Downtimes.Sync(ctx, c.Options.Hostname, aggr.InDowntime); err != nil {
				res.EscalateStatus(cmkengine.StateUnknown)
				res.Output += fmt.Sprintf(", failed to track downtime: %s%s", err.Error(), cmkengine.StateUnknown.Marker())
			}
		}
	}

	return res
}

// Fetch requests the aggregation state from the rest api.
func (c *Check) Fetch(ctx context.Context) (*Response, error) {
	url := strings.TrimSuffix(c.Options.SiteURL, "/") + APIPath
	payload, err := json.Marshal(request{FilterNames: []string{c.Options.Aggregation}})
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s %s", c.Options.User, c.Options.Secret))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http request failed %s: %s: %s", url, resp.Status, apiError(body))
	}

	result := &Response{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", url, err)
	}

	return result, nil
}

// Evaluate turns the api response into a check result.
func (c *Check) Evaluate(resp *Response) *cmkengine.CheckResult {
	if len(resp.MissingSites) > 0 {
		return &cmkengine.CheckResult{
			State:  cmkengine.StateUnknown,
			Output: fmt.Sprintf("Remote sites not responding: %s", strings.Join(resp.MissingSites, ", ")),
		}
	}

	aggr, ok := resp.Aggregations[c.Options.Aggregation]
	if !ok {
		return &cmkengine.CheckResult{
			State:  cmkengine.StateUnknown,
			Output: fmt.Sprintf("Aggregation not found: %s", c.Options.Aggregation),
		}
	}

	state := aggregationState(aggr.State)
	texts := []string{"Aggregation state is " + state.String()}
	if aggr.InDowntime {
		texts = append(texts, "in downtime")
		state = c.Options.InDowntime.apply(state)
	}
	if aggr.Acknowledged {
		texts = append(texts, "acknowledged")
		state = c.Options.Acknowledged.apply(state)
	}

	output := strings.Join(texts, ", ")
	if aggr.Output != "" {
		output += "\n" + aggr.Output
	}

	return &cmkengine.CheckResult{State: state, Output: output}
}

// bi uses -1 for pending aggregations
func aggregationState(state int) cmkengine.State {
	switch state {
	case 0, 1, 2:
		return cmkengine.State(state)
	}

	return cmkengine.StateUnknown
}

// apiError extracts the title and detail of rest api problem responses.
func apiError(body []byte) string {
	problem := struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{}
	if err := json.Unmarshal(body, &problem); err != nil || problem.Title == "" {
		return strings.TrimSpace(string(body))
	}
	if problem.Detail == "" {
		return problem.Title
	}

	return problem.Title + " - " + problem.Detail
}
