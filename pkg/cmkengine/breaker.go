package cmkengine

import (
	"errors"
	"fmt"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sony/gobreaker"
)

const (
	// BreakerMaxFailures sets the number of consecutive failures which open the breaker.
	BreakerMaxFailures = 3

	// BreakerOpenTimeout sets how long a breaker stays open before trying again.
	BreakerOpenTimeout = 60 * time.Second
)

// BreakerSet contains one circuit breaker per host and source.
type BreakerSet struct {
	lock      deadlock.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	lastError map[string]error
}

// NewBreakerSet creates an empty BreakerSet.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		lastError: make(map[string]error),
	}
}

func (bs *BreakerSet) get(key string) *gobreaker.CircuitBreaker {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	breaker, ok := bs.breakers[key]
	if ok {
		return breaker
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Debugf("circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
	})
	bs.breakers[key] = breaker

	return breaker
}

// Execute runs fn through the breaker of key. An open breaker returns the last error without calling fn.
func (bs *BreakerSet) Execute(key string, fn func() (*HostSections, error)) (*HostSections, error) {
	res, err := bs.get(key).Execute(func() (interface{}, error) {
		return fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		bs.lock.Lock()
		last := bs.lastError[key]
		bs.lock.Unlock()
		if last != nil {
			return nil, fmt.Errorf("%s (last error: %w)", err.Error(), last)
		}

		return nil, fmt.Errorf("%s", err.Error())
	case err != nil:
		bs.lock.Lock()
		bs.lastError[key] = err
		bs.lock.Unlock()

		return nil, err
	}

	sections, _ := res.(*HostSections)

	return sections, nil
}

// State returns the current breaker state of key.
func (bs *BreakerSet) State(key string) gobreaker.State {
	return bs.get(key).State()
}
