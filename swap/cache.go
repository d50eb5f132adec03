package swap

import (
	"context"
	"sync"
	"time"

	solpay "github.com/solpay/gateway"
)

// Cache holds recently fetched quotes per (input token, output token) pair
// and tracks in-flight fetches so concurrent misses for the same pair
// coalesce into a single outbound aggregator call. Amount and slippage are
// deliberately not part of the key: a cached entry means "a recent route for
// this pair", and callers needing exact pricing bypass the cache.
type Cache struct {
	mu       sync.Mutex
	quotes   map[string]*solpay.Quote
	inFlight map[string]*flight
}

// flight tracks one in-flight fetch. All waiters attached to it observe the
// identical quote or the identical error once done is closed.
type flight struct {
	done  chan struct{}
	quote *solpay.Quote
	err   error
}

// NewCache creates an empty quote cache.
func NewCache() *Cache {
	return &Cache{
		quotes:   make(map[string]*solpay.Quote),
		inFlight: make(map[string]*flight),
	}
}

// Key builds the cache key for a token pair.
func Key(inputToken, outputToken string) string {
	return inputToken + "/" + outputToken
}

// FetchStatus represents the result of checking the cache.
type FetchStatus int

const (
	// StatusNotFound means no fresh quote and no in-flight fetch; the caller
	// is now marked as the fetcher.
	StatusNotFound FetchStatus = iota
	// StatusCached means a fresh quote was found.
	StatusCached
	// StatusInFlight means another caller is fetching this pair.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if
// needed. Returns:
//   - StatusCached + quote when a fresh quote exists
//   - StatusInFlight + the flight to wait on when a fetch is running
//   - StatusNotFound + a new flight when this caller should fetch
func (c *Cache) CheckAndMark(key string) (FetchStatus, *solpay.Quote, *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.quotes[key]; ok {
		if !q.Expired(time.Now()) {
			return StatusCached, q, nil
		}
		delete(c.quotes, key)
	}

	if f, ok := c.inFlight[key]; ok {
		return StatusInFlight, nil, f
	}

	f := &flight{done: make(chan struct{})}
	c.inFlight[key] = f
	return StatusNotFound, nil, f
}

// Wait blocks until the flight resolves or the context is cancelled, then
// returns the shared quote or shared error.
func (c *Cache) Wait(ctx context.Context, f *flight) (*solpay.Quote, error) {
	select {
	case <-f.done:
		return f.quote, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete stores the fetched quote, publishes it to all waiters, and clears
// the in-flight marker.
func (c *Cache) Complete(key string, quote *solpay.Quote, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quotes[key] = quote
	f.quote = quote
	delete(c.inFlight, key)
	close(f.done)

	c.cleanupExpiredLocked()
}

// Fail publishes the fetch error to all waiters without caching anything,
// so the next caller retries.
func (c *Cache) Fail(key string, err error, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.err = err
	delete(c.inFlight, key)
	close(f.done)
}

// Get returns the cached quote for the key if it is still fresh.
func (c *Cache) Get(key string) (*solpay.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[key]
	if !ok || q.Expired(time.Now()) {
		return nil, false
	}
	return q, true
}

// Put overwrites the cached quote for the key. Used by bypass fetches that
// still want to refresh the pair's cached route.
func (c *Cache) Put(key string, quote *solpay.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[key] = quote
}

// Reset drops all cached quotes. In-flight fetches are left to resolve.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]*solpay.Quote)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *Cache) cleanupExpiredLocked() {
	now := time.Now()
	for key, q := range c.quotes {
		if q.Expired(now) {
			delete(c.quotes, key)
		}
	}
}
