// Package faa memoizes registration-authority lookups keyed by broadcast
// identifier. Confirmed not-found answers are cached with the same TTL as
// hits: during public testing most sightings are unregistered airframes, and
// re-querying them would dominate the request volume. Network faults are
// never cached; a fault is not evidence of non-registration.
package faa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a cached answer is served before re-validation.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by a Fetcher when the authority confirms the
// identifier does not resolve. Any other fetch error is a transient fault.
var ErrNotFound = errors.New("registration not found")

// Fetcher is the external registry client collaborator, invoked only on a
// cache miss and never under any registry lock.
type Fetcher interface {
	FetchRegistration(ctx context.Context, identifier string) (json.RawMessage, error)
}

// Result is one cached lookup answer: either a registry payload or an
// explicit not-found marker.
type Result struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	NotFound bool            `json:"not_found,omitempty"`
}

type entry struct {
	result    Result
	fetchedAt time.Time
}

// Persister stores resolved answers durably so the cache survives restarts.
// Implemented by the sqlite store.
type Persister interface {
	UpsertLookup(identifier string, payload []byte, notFound bool, fetchedAt time.Time) error
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) func(*Cache) {
	return func(c *Cache) {
		c.logger = logger.With(slog.String("component", "faa"))
	}
}

// WithPersister makes resolved answers durable.
func WithPersister(p Persister) func(*Cache) {
	return func(c *Cache) {
		c.persist = p
	}
}

// Cache is the TTL-bounded lookup memo. Safe for concurrent use.
type Cache struct {
	ttl     time.Duration
	fetcher Fetcher
	persist Persister
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a cache around the given fetcher. A ttl of zero or less uses
// the default.
func New(fetcher Fetcher, ttl time.Duration, options ...func(*Cache)) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := Cache{
		ttl:     ttl,
		fetcher: fetcher,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: make(map[string]entry),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Lookup consults the cache only. An entry older than the TTL is treated as
// absent: stale registry data is never served without re-validation.
func (c *Cache) Lookup(identifier string) (Result, bool) {
	return c.lookupAt(identifier, time.Now())
}

func (c *Cache) lookupAt(identifier string, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identifier]
	if !ok {
		return Result{}, false
	}
	if now.Sub(e.fetchedAt) > c.ttl {
		delete(c.entries, identifier)
		return Result{}, false
	}
	return e.result, true
}

// Store records a resolved answer with its fetch time.
func (c *Cache) Store(identifier string, result Result, fetchedAt time.Time) {
	c.mu.Lock()
	c.entries[identifier] = entry{result: result, fetchedAt: fetchedAt}
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.UpsertLookup(identifier, result.Payload, result.NotFound, fetchedAt); err != nil {
			c.logger.Error(fmt.Sprintf("persisting lookup: %s", err), slog.String("identifier", identifier))
		}
	}
}

// Warm preloads an answer without writing it back to the persister, for
// replaying stored lookups at startup.
func (c *Cache) Warm(identifier string, result Result, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identifier] = entry{result: result, fetchedAt: fetchedAt}
}

// Resolve answers a lookup, delegating to the fetcher on a miss. The fetch
// runs outside the cache lock. A confirmed not-found is cached like a hit; a
// transient fetch error leaves the entry absent so the next call retries.
func (c *Cache) Resolve(ctx context.Context, identifier string) (Result, error) {
	if result, ok := c.Lookup(identifier); ok {
		return result, nil
	}
	if c.fetcher == nil {
		return Result{}, fmt.Errorf("no registration fetcher configured")
	}

	payload, err := c.fetcher.FetchRegistration(ctx, identifier)
	switch {
	case errors.Is(err, ErrNotFound):
		result := Result{NotFound: true}
		c.Store(identifier, result, time.Now())
		return result, nil

	case err != nil:
		return Result{}, fmt.Errorf("fetching registration for %s: %w", identifier, err)
	}

	result := Result{Payload: payload}
	c.Store(identifier, result, time.Now())
	return result, nil
}
