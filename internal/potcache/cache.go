package potcache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentoven/bgutil-pot-broker/internal/clock"
)

// MintFunc derives a POT string. It is pure arithmetic over an already-live
// integrity token — it never re-enters the JS VM and never fails.
type MintFunc func() string

type slot struct {
	mu    sync.Mutex
	entry *Entry
	gen   uint64
}

// Cache is the POT Cache: single-flighted per composite key, LRU-bounded.
type Cache struct {
	mu         sync.Mutex
	slots      map[string]*slot
	lru        *list.List
	lruElem    map[string]*list.Element
	maxEntries int
	sf         singleflight.Group
	now        clock.Clock
}

// New builds an empty POT Cache. maxEntries <= 0 means unbounded.
func New(maxEntries int, now clock.Clock) *Cache {
	if now == nil {
		now = clock.Real
	}
	return &Cache{
		slots:      make(map[string]*slot),
		lru:        list.New(),
		lruElem:    make(map[string]*list.Element),
		maxEntries: maxEntries,
		now:        now,
	}
}

func compositeKey(minterKey, contentBinding, context string) string {
	return minterKey + "\x00" + contentBinding + "\x00" + context
}

func (c *Cache) slotFor(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if ok {
		return s
	}
	s = &slot{}
	c.slots[key] = s
	return s
}

// GetOrMint returns a fresh POT for (minterKey, contentBinding, context),
// minting one via mint if no fresh entry exists or bypassCache is set.
// Concurrent callers for the same composite key coalesce into one mint.
func (c *Cache) GetOrMint(minterKey, contentBinding, context string, tokenTTL time.Duration, minterExpiresAt time.Time, bypassCache bool, mint MintFunc) (*Entry, error) {
	key := compositeKey(minterKey, contentBinding, context)
	s := c.slotFor(key)

	if !bypassCache {
		if e := c.fresh(s); e != nil {
			c.touch(key)
			return e, nil
		}
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	sfKey := fmt.Sprintf("%s#%d", key, gen)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		if !bypassCache {
			if e := c.fresh(s); e != nil {
				return e, nil
			}
		}

		token := mint()
		expiresAt := minterExpiresAt
		if byTTL := c.now().Add(tokenTTL); byTTL.Before(expiresAt) {
			expiresAt = byTTL
		}
		entry := &Entry{
			Token:          token,
			ExpiresAt:      expiresAt,
			ContentBinding: contentBinding,
			Context:        context,
		}

		s.mu.Lock()
		if s.gen == gen {
			s.entry = entry
		}
		s.mu.Unlock()

		c.touch(key)
		c.evictIfNeeded(key)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) fresh(s *slot) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != nil && s.entry.Fresh(c.now()) {
		return s.entry
	}
	return nil
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.lruElem[key]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.lruElem[key] = c.lru.PushFront(key)
}

// evictIfNeeded drops the least-recently-used entries once maxEntries is
// exceeded. Order is strict recency; expires_at is not consulted.
func (c *Cache) evictIfNeeded(_ string) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.lruElem) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		c.lru.Remove(back)
		delete(c.lruElem, key)
		delete(c.slots, key)
	}
}

// Invalidate drops POT entries for contentBinding across all minter keys,
// or every entry when contentBinding is empty.
func (c *Cache) Invalidate(contentBinding string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if contentBinding == "" {
		for _, s := range c.slots {
			bumpSlotGen(s)
		}
		c.slots = make(map[string]*slot)
		c.lru = list.New()
		c.lruElem = make(map[string]*list.Element)
		return
	}

	suffix := "\x00" + contentBinding + "\x00"
	for key, s := range c.slots {
		if containsBinding(key, suffix) {
			bumpSlotGen(s)
			delete(c.slots, key)
			if elem, ok := c.lruElem[key]; ok {
				c.lru.Remove(elem)
				delete(c.lruElem, key)
			}
		}
	}
}

func containsBinding(key, suffix string) bool {
	for i := 0; i+len(suffix) <= len(key); i++ {
		if key[i:i+len(suffix)] == suffix {
			return true
		}
	}
	return false
}

// Sweep drops every entry whose expiry has passed, reclaiming map and LRU
// slots between reads on a quiet process.
func (c *Cache) Sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.slots {
		s.mu.Lock()
		expired := s.entry != nil && !s.entry.Fresh(now)
		s.mu.Unlock()
		if !expired {
			continue
		}
		delete(c.slots, key)
		if elem, ok := c.lruElem[key]; ok {
			c.lru.Remove(elem)
			delete(c.lruElem, key)
		}
	}
}

func bumpSlotGen(s *slot) {
	s.mu.Lock()
	s.gen++
	s.entry = nil
	s.mu.Unlock()
}
