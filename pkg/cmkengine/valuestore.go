package cmkengine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/utils"
	deadlock "github.com/sasha-s/go-deadlock"
	"gopkg.in/yaml.v3"
)

// StoredValue is a single counter value with its timestamp.
type StoredValue struct {
	Time  float64 `yaml:"time"`
	Value float64 `yaml:"value"`
}

// ValueStore keeps counter values of a host between check runs.
type ValueStore struct {
	lock    deadlock.Mutex
	path    string
	values  map[string]StoredValue
	changed bool
}

// ValueStorePath returns the counter file of a host.
func (e *Engine) ValueStorePath(host string) string {
	return filepath.Join(e.Settings.VarDir, "counters", host+".yaml")
}

// LoadValueStore reads the value store of a host, a missing file results in an empty store.
func LoadValueStore(path string) (*ValueStore, error) {
	store := &ValueStore{
		path:   path,
		values: map[string]StoredValue{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store, nil
		}

		return nil, fmt.Errorf("read value store: %s", err.Error())
	}
	if err := yaml.Unmarshal(data, &store.values); err != nil {
		return nil, fmt.Errorf("parse value store %s: %s", path, err.Error())
	}
	if store.values == nil {
		store.values = map[string]StoredValue{}
	}

	return store, nil
}

// Get returns the stored value of key.
func (vs *ValueStore) Get(key string) (StoredValue, bool) {
	vs.lock.Lock()
	defer vs.lock.Unlock()

	val, ok := vs.values[key]

	return val, ok
}

// Set stores value for key.
func (vs *ValueStore) Set(key string, now time.Time, value float64) {
	vs.lock.Lock()
	defer vs.lock.Unlock()

	vs.values[key] = StoredValue{Time: float64(now.UnixNano()) / 1e9, Value: value}
	vs.changed = true
}

// GetRate returns the per second rate since the last call with the same key.
// The first call and counter wraps return ErrCounterWrapped. The new value is stored in any case.
func (vs *ValueStore) GetRate(key string, now time.Time, value float64) (float64, error) {
	last, ok := vs.Get(key)
	vs.Set(key, now, value)
	if !ok {
		return 0, fmt.Errorf("%w: initialized %s", ErrCounterWrapped, key)
	}

	timeDiff := float64(now.UnixNano())/1e9 - last.Time
	if timeDiff <= 0 {
		return 0, fmt.Errorf("%w: no time difference for %s", ErrCounterWrapped, key)
	}
	valueDiff := value - last.Value
	if valueDiff < 0 {
		return 0, fmt.Errorf("%w: value of %s decreased", ErrCounterWrapped, key)
	}

	return valueDiff / timeDiff, nil
}

// Save writes the store if anything changed.
func (vs *ValueStore) Save() error {
	vs.lock.Lock()
	defer vs.lock.Unlock()

	if !vs.changed {
		return nil
	}
	data, err := yaml.Marshal(vs.values)
	if err != nil {
		return fmt.Errorf("yaml: %s", err.Error())
	}
	if err := utils.WriteFileAtomic(vs.path, data, 0o600); err != nil {
		return err
	}
	vs.changed = false

	return nil
}
