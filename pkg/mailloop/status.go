package mailloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Status keeps track of the mails which have been sent but not yet received.
type Status struct {
	// Expected maps "<timestamp> <key>" to the unix time the mail was sent.
	Expected map[string]int64 `yaml:"expected"`
}

// ReadStatus reads the status file, a missing file results in an empty status.
func ReadStatus(path string) (*Status, error) {
	status := &Status{Expected: map[string]int64{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return status, nil
	case err != nil:
		return nil, fmt.Errorf("read status file: %w", err)
	}

	if err := yaml.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("parse status file %s: %w", path, err)
	}
	if status.Expected == nil {
		status.Expected = map[string]int64{}
	}

	return status, nil
}

// Save writes the status file atomically.
func (s *Status) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}

	return nil
}
