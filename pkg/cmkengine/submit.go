package cmkengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/livestatus"
	deadlock "github.com/sasha-s/go-deadlock"
)

// Submitter sends check results to the monitoring core.
type Submitter interface {
	Submit(host, service string, res *CheckResult, started, finished time.Time) error

	// Flush finishes all pending submissions.
	Flush() error
}

// NewSubmitter returns the submitter for the given check submission mode.
func NewSubmitter(e *Engine, mode string) (Submitter, error) {
	switch mode {
	case "", "none":
		return &NoneSubmitter{}, nil
	case "pipe":
		return &PipeSubmitter{Path: e.Settings.CommandPipe, now: e.Now}, nil
	case "file":
		return &FileSubmitter{Dir: e.Settings.CheckResultPath}, nil
	case "livestatus":
		return &LivestatusSubmitter{
			Client:  livestatus.NewClient(e.Settings.LivestatusSocket),
			Timeout: e.Settings.ConnectTimeout,
		}, nil
	default:
		return nil, fmt.Errorf("unknown check submission %q, use one of: pipe, file, livestatus, none", mode)
	}
}

// NoneSubmitter drops all results.
type NoneSubmitter struct{}

func (s *NoneSubmitter) Submit(_, _ string, _ *CheckResult, _, _ time.Time) error {
	return nil
}

func (s *NoneSubmitter) Flush() error {
	return nil
}

// PipeSubmitter writes external commands into the command pipe of the core.
type PipeSubmitter struct {
	Path string
	now  func() time.Time
	lock deadlock.Mutex
}

func (s *PipeSubmitter) Submit(host, service string, res *CheckResult, _, _ time.Time) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	line := fmt.Sprintf("[%d] %s\n", now().Unix(),
		livestatus.ProcessServiceCheckResult(host, service, int64(res.State), res.BuildPluginOutput()))

	s.lock.Lock()
	defer s.lock.Unlock()

	pipe, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("cannot open command pipe %s: %s", s.Path, err.Error())
	}
	defer pipe.Close()

	if _, err := pipe.WriteString(line); err != nil {
		return fmt.Errorf("write to command pipe %s: %s", s.Path, err.Error())
	}

	return nil
}

func (s *PipeSubmitter) Flush() error {
	return nil
}

// FileSubmitter collects results and writes them as check result file into the
// check result spool directory of the core.
type FileSubmitter struct {
	Dir string

	lock    deadlock.Mutex
	pending bytes.Buffer
}

func (s *FileSubmitter) Submit(host, service string, res *CheckResult, started, finished time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	fmt.Fprintf(&s.pending, "host_name=%s\n", host)
	fmt.Fprintf(&s.pending, "service_description=%s\n", service)
	fmt.Fprintf(&s.pending, "check_type=1\n")
	fmt.Fprintf(&s.pending, "check_options=0\n")
	fmt.Fprintf(&s.pending, "reschedule_check\n")
	fmt.Fprintf(&s.pending, "latency=0.0\n")
	fmt.Fprintf(&s.pending, "start_time=%.1f\n", float64(started.UnixNano())/1e9)
	fmt.Fprintf(&s.pending, "finish_time=%.1f\n", float64(finished.UnixNano())/1e9)
	fmt.Fprintf(&s.pending, "return_code=%d\n", res.State)
	fmt.Fprintf(&s.pending, "output=%s\n\n", strings.ReplaceAll(res.BuildPluginOutput(), "\n", `\n`))

	return nil
}

// Flush writes all collected results into a new check result file followed by its .ok file.
func (s *FileSubmitter) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.pending.Len() == 0 {
		return nil
	}

	file, err := s.createResultFile()
	if err != nil {
		return err
	}
	path := file.Name()
	if _, err := file.Write(s.pending.Bytes()); err != nil {
		file.Close()

		return fmt.Errorf("write %s: %s", path, err.Error())
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %s", path, err.Error())
	}
	s.pending.Reset()

	okFile, err := os.OpenFile(path+".ok", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s.ok: %s", path, err.Error())
	}

	return okFile.Close()
}

const checkResultChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (s *FileSubmitter) createResultFile() (*os.File, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %s", s.Dir, err.Error())
	}
	for range 100 {
		suffix, err := randomString(6)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(s.Dir, "c"+suffix)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create check result file: %s", err.Error())
		}
	}

	return nil, fmt.Errorf("create check result file in %s: too many collisions", s.Dir)
}

func randomString(length int) (string, error) {
	res := make([]byte, length)
	limit := big.NewInt(int64(len(checkResultChars)))
	for i := range res {
		num, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random: %s", err.Error())
		}
		res[i] = checkResultChars[num.Int64()]
	}

	return string(res), nil
}

// LivestatusSubmitter sends results as external commands through livestatus.
type LivestatusSubmitter struct {
	Client  *livestatus.Client
	Timeout time.Duration
}

func (s *LivestatusSubmitter) Submit(host, service string, res *CheckResult, _, _ time.Time) error {
	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	return s.Client.Command(ctx, livestatus.ProcessServiceCheckResult(host, service, int64(res.State), res.BuildPluginOutput()))
}

func (s *LivestatusSubmitter) Flush() error {
	return nil
}
