package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/ralt/crosspkg/internal/models"
)

// CircuitFetcher wraps a Fetcher with one circuit breaker per mirror
// host. When a mirror keeps failing, subsequent fetches against it fail
// fast instead of burning a full retry cycle each, while other mirrors
// remain unaffected.
type CircuitFetcher struct {
	fetcher  *Fetcher
	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// NewCircuitFetcher creates a circuit breaker wrapper for a fetcher.
func NewCircuitFetcher(f *Fetcher) *CircuitFetcher {
	return &CircuitFetcher{
		fetcher:  f,
		breakers: make(map[string]*circuit.Breaker),
	}
}

// Close releases the wrapped fetcher.
func (cf *CircuitFetcher) Close() {
	cf.fetcher.Close()
}

func (cf *CircuitFetcher) breaker(host string) *circuit.Breaker {
	cf.mu.RLock()
	b, ok := cf.breakers[host]
	cf.mu.RUnlock()
	if ok {
		return b
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if b, ok := cf.breakers[host]; ok {
		return b
	}

	// Trips after 5 consecutive failures, then re-admits probes on an
	// exponential schedule.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	cf.breakers[host] = b
	return b
}

// Fetch behaves like Fetcher.Fetch but fails fast while the host's
// circuit is open.
func (cf *CircuitFetcher) Fetch(ctx context.Context, rawURL string, prior models.Validators) (*Result, error) {
	host := hostOf(rawURL)
	b := cf.breaker(host)

	if !b.Ready() {
		return nil, &models.CatalogError{
			Type:    models.ErrTransport,
			Context: rawURL,
			Err:     fmt.Errorf("circuit open for host %s", host),
		}
	}

	var res *Result
	err := b.Call(func() error {
		var fetchErr error
		res, fetchErr = cf.fetcher.Fetch(ctx, rawURL, prior)
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BreakerStates reports open/closed per known host.
func (cf *CircuitFetcher) BreakerStates() map[string]string {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	states := make(map[string]string, len(cf.breakers))
	for host, b := range cf.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
