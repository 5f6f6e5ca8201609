// Package cache memoizes reasoning replies by a fingerprint of (instruction, user text).
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Key identifies a cached reply.
type Key uint64

func (k Key) String() string { return fmt.Sprintf("%016x", uint64(k)) }

// Fingerprint hashes the exact instruction and text. No normalization is applied.
func Fingerprint(instruction, text string) Key {
	h := xxhash.New()
	_, _ = h.WriteString(instruction)
	// Separator keeps ("ab","c") and ("a","bc") apart.
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(text)
	return Key(h.Sum64())
}

type entry struct {
	text string
}

// Cache is a capacity-bounded first-in-first-out map, safe for concurrent use.
// Reads never refresh an entry, so the entry inserted earliest is evicted first.
type Cache struct {
	mu     sync.Mutex
	store  *lru.Cache[Key, *entry]
	hits   metric.Int64Counter
	misses metric.Int64Counter
	evicts metric.Int64Counter
}

func New(capacity int) (*Cache, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-dialog/internal/cache")
	c := &Cache{}
	var err error
	if c.hits, err = meter.Int64Counter("loqa_dialog_cache_hits_total"); err != nil {
		return nil, err
	}
	if c.misses, err = meter.Int64Counter("loqa_dialog_cache_misses_total"); err != nil {
		return nil, err
	}
	if c.evicts, err = meter.Int64Counter("loqa_dialog_cache_evictions_total"); err != nil {
		return nil, err
	}
	store, err := lru.NewWithEvict[Key, *entry](capacity, func(Key, *entry) {
		c.evicts.Add(context.Background(), 1)
	})
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}
	c.store = store
	return c, nil
}

// Get returns the cached text for key.
func (c *Cache) Get(ctx context.Context, key Key) (string, bool) {
	var text string
	c.mu.Lock()
	e, ok := c.store.Peek(key)
	if ok {
		text = e.text
	}
	c.mu.Unlock()
	if ok {
		c.hits.Add(ctx, 1)
	} else {
		c.misses.Add(ctx, 1)
	}
	return text, ok
}

// Put stores text under key. Overwriting a present key keeps its insertion position.
func (c *Cache) Put(key Key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.store.Peek(key); ok {
		e.text = text
		return
	}
	c.store.Add(key, &entry{text: text})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
