/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Service is the caching contract shared by components that memoize expensive
// lookups (template definitions, SSM parameters, instance status). Implementations
// must be safe for concurrent use.
type Service interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	SetWithTTL(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	// GetOrLoad returns the cached value for key, invoking load on a miss.
	// Concurrent callers for the same key share a single load invocation.
	GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (interface{}, error)) (interface{}, error)
	// Invalidate removes every entry whose key starts with prefix and returns
	// the number of entries removed.
	Invalidate(prefix string) int
	Stats() Stats
	// Optimize is advisory; implementations may compact or evict expired entries.
	Optimize()
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// NoOp never stores anything. Every Get misses and every GetOrLoad invokes the
// loader, which makes it the right default when caching is disabled.
type NoOp struct {
	misses atomic.Uint64
}

func NewNoOp() *NoOp {
	return &NoOp{}
}

func (n *NoOp) Get(_ string) (interface{}, bool) {
	n.misses.Add(1)
	return nil, false
}

func (n *NoOp) Set(_ string, _ interface{})                          {}
func (n *NoOp) SetWithTTL(_ string, _ interface{}, _ time.Duration)  {}
func (n *NoOp) Delete(_ string)                                      {}
func (n *NoOp) Invalidate(_ string) int                              { return 0 }
func (n *NoOp) Optimize()                                            {}

func (n *NoOp) GetOrLoad(ctx context.Context, _ string, load func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	n.misses.Add(1)
	return load(ctx)
}

func (n *NoOp) Stats() Stats {
	return Stats{Misses: n.misses.Load()}
}

// TTL caches values with per-entry expiration on top of go-cache and collapses
// concurrent loads for the same key through a singleflight group.
type TTL struct {
	cache  *cache.Cache
	group  singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewTTL(defaultTTL, cleanupInterval time.Duration) *TTL {
	return &TTL{cache: cache.New(defaultTTL, cleanupInterval)}
}

func (t *TTL) Get(key string) (interface{}, bool) {
	v, ok := t.cache.Get(key)
	if ok {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
	return v, ok
}

func (t *TTL) Set(key string, value interface{}) {
	t.cache.SetDefault(key, value)
}

func (t *TTL) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	t.cache.Set(key, value, ttl)
}

func (t *TTL) Delete(key string) {
	t.cache.Delete(key)
}

func (t *TTL) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := t.cache.Get(key); ok {
		t.hits.Add(1)
		return v, nil
	}
	t.misses.Add(1)
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the entry while we waited on the group.
		if v, ok := t.cache.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		t.cache.SetDefault(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *TTL) Invalidate(prefix string) int {
	removed := 0
	for key := range t.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			t.cache.Delete(key)
			removed++
		}
	}
	return removed
}

func (t *TTL) Stats() Stats {
	hits, misses := t.hits.Load(), t.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Entries: t.cache.ItemCount()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (t *TTL) Optimize() {
	t.cache.DeleteExpired()
}
