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

// Package atomic holds small concurrency helpers for lazily resolved values.
package atomic

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// CachedVal resolves a value once and serves it from memory afterwards.
// The zero value is ready to use.
type CachedVal[T any] struct {
	value *T
	mu    sync.RWMutex

	// Resolve produces the value on a cache miss. Nil means misses resolve
	// to the zero value without error.
	Resolve func(ctx context.Context) (T, error)
}

// Set primes the cache with v.
func (c *CachedVal[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &v
}

// TryGet returns the cached value, resolving it first when the cache is
// empty. Callers that lose the resolve race reuse the winner's value.
func (c *CachedVal[T]) TryGet(ctx context.Context) (T, error) {
	c.mu.RLock()
	if c.value != nil {
		ret := *c.value
		c.mu.RUnlock()
		return ret, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// another caller may have resolved while we waited for the write lock
	if c.value != nil {
		return *c.value, nil
	}
	if c.Resolve == nil {
		return *new(T), nil
	}
	ret, err := c.Resolve(ctx)
	if err != nil {
		return *new(T), err
	}
	c.value = lo.ToPtr(ret)
	return ret, nil
}
