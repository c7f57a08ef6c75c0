package mintercache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentoven/bgutil-pot-broker/internal/clock"
)

// State is the lifecycle of a single Minter Key entry.
type State int

const (
	Idle State = iota
	Bootstrapping
	Ready
	Invalidated
)

// BootstrapFunc performs one BotGuard bootstrap (challenge fetch + VM
// attestation) and returns the resulting Minter. The Cache calls it with a
// context detached from any one caller's request — per-caller disconnects
// must never cancel work other waiters depend on.
type BootstrapFunc func(ctx context.Context) (*Minter, error)

type entry struct {
	mu     sync.Mutex
	state  State
	minter *Minter
	gen    uint64
}

// Cache is the Minter Cache: a map of Minter Key to live Minter, with
// per-key single-flighted bootstrap.
type Cache struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	sf           singleflight.Group
	safetyMargin time.Duration
	now          clock.Clock
}

// New builds an empty Minter Cache. safetyMargin must be at least 60s per
// the freshness contract; callers are expected to have already clamped it.
func New(safetyMargin time.Duration, now clock.Clock) *Cache {
	if now == nil {
		now = clock.Real
	}
	return &Cache{
		entries:      make(map[string]*entry),
		safetyMargin: safetyMargin,
		now:          now,
	}
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e
	}
	e = &entry{}
	c.entries[key] = e
	return e
}

// GetOrBootstrap returns a fresh, Ready Minter for key, bootstrapping it if
// necessary. Concurrent callers for the same key observing a miss join a
// single in-flight bootstrap and all receive its result or its error.
func (c *Cache) GetOrBootstrap(ctx context.Context, key string, bootstrap BootstrapFunc) (*Minter, error) {
	e := c.entryFor(key)

	if m := c.readyFresh(e); m != nil {
		return m, nil
	}

	e.mu.Lock()
	gen := e.gen
	e.state = Bootstrapping
	e.mu.Unlock()

	// The entry pointer keeps a post-invalidation entry (a fresh entry whose
	// gen restarts at 0) from joining a flight started for the dropped one.
	sfKey := fmt.Sprintf("%s#%p#%d", key, e, gen)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		if m := c.readyFresh(e); m != nil {
			return m, nil
		}

		m, berr := bootstrap(context.Background())

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen {
			// Invalidated mid-flight: don't clobber whatever generation
			// superseded us, but still hand the result to our waiters.
			if berr != nil {
				return nil, berr
			}
			return m, nil
		}
		if berr != nil {
			e.state = Idle
			return nil, berr
		}
		e.state = Ready
		e.minter = m
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Minter), nil
}

func (c *Cache) readyFresh(e *entry) *Minter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Ready && e.minter.Fresh(c.now(), c.safetyMargin) {
		return e.minter
	}
	return nil
}

// InvalidateIntegrity drops the entry for key, or every entry when key is
// empty. An in-flight bootstrap for an affected key is never cancelled; its
// waiters still receive its result, but the cache discards the outcome so
// the next lookup re-bootstraps.
func (c *Cache) InvalidateIntegrity(key string) {
	if key == "" {
		c.mu.Lock()
		entries := c.entries
		c.mu.Unlock()
		for _, e := range entries {
			bumpGen(e)
		}
		c.mu.Lock()
		c.entries = make(map[string]*entry)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		bumpGen(e)
	}
}

func bumpGen(e *entry) {
	e.mu.Lock()
	e.gen++
	e.state = Invalidated
	e.minter = nil
	e.mu.Unlock()
}

// ListKeys returns a sorted snapshot of canonical Minter Key strings whose
// state is currently Ready.
func (c *Cache) ListKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		e.mu.Lock()
		ready := e.state == Ready
		e.mu.Unlock()
		if ready {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Sweep drops every Ready entry that has gone stale, so a quiet process
// doesn't hold dead minters forever between reads. A read-triggered
// bootstrap would eventually replace them anyway; this just reclaims the
// map slot sooner.
func (c *Cache) Sweep() {
	now := c.now()

	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	for _, k := range keys {
		c.mu.RLock()
		e, ok := c.entries[k]
		c.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		stale := e.state == Ready && !e.minter.Fresh(now, c.safetyMargin)
		e.mu.Unlock()
		if stale {
			c.InvalidateIntegrity(k)
		}
	}
}
