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

package cache_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
)

var _ = Describe("TTL Service", func() {
	var svc *cache.TTL

	BeforeEach(func() {
		svc = cache.NewTTL(cache.DefaultTTL, cache.DefaultCleanupInterval)
	})

	It("should round-trip values", func() {
		svc.Set("templates:t1", "value")
		v, ok := svc.Get("templates:t1")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("value"))
	})
	It("should miss on unknown keys", func() {
		_, ok := svc.Get("unknown")
		Expect(ok).To(BeFalse())
	})
	It("should expire entries with a per-entry TTL", func() {
		svc.SetWithTTL("short", "value", time.Millisecond)
		Eventually(func() bool {
			_, ok := svc.Get("short")
			return ok
		}).Should(BeFalse())
	})
	It("should invalidate by prefix", func() {
		svc.Set("templates:t1", 1)
		svc.Set("templates:t2", 2)
		svc.Set("ssm:alias", 3)
		Expect(svc.Invalidate("templates:")).To(Equal(2))
		_, ok := svc.Get("ssm:alias")
		Expect(ok).To(BeTrue())
	})
	It("should track hits and misses", func() {
		svc.Set("k", 1)
		svc.Get("k")
		svc.Get("missing")
		stats := svc.Stats()
		Expect(stats.Hits).To(Equal(uint64(1)))
		Expect(stats.Misses).To(Equal(uint64(1)))
		Expect(stats.HitRate).To(BeNumerically("~", 0.5, 0.01))
		Expect(stats.Entries).To(Equal(1))
	})
	Context("GetOrLoad", func() {
		It("should load on a miss and cache the result", func() {
			calls := 0
			load := func(_ context.Context) (interface{}, error) {
				calls++
				return "loaded", nil
			}
			v, err := svc.GetOrLoad(context.Background(), "key", load)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal("loaded"))
			v, err = svc.GetOrLoad(context.Background(), "key", load)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal("loaded"))
			Expect(calls).To(Equal(1))
		})
		It("should not cache loader failures", func() {
			_, err := svc.GetOrLoad(context.Background(), "key", func(_ context.Context) (interface{}, error) {
				return nil, fmt.Errorf("transient")
			})
			Expect(err).To(MatchError("transient"))
			v, err := svc.GetOrLoad(context.Background(), "key", func(_ context.Context) (interface{}, error) {
				return "recovered", nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal("recovered"))
		})
		It("should collapse concurrent loads for the same key", func() {
			var calls int
			var mu sync.Mutex
			block := make(chan struct{})
			load := func(_ context.Context) (interface{}, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				<-block
				return "shared", nil
			}
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					v, err := svc.GetOrLoad(context.Background(), "key", load)
					Expect(err).ToNot(HaveOccurred())
					Expect(v).To(Equal("shared"))
				}()
			}
			// let the goroutines pile onto the singleflight group before releasing
			time.Sleep(10 * time.Millisecond)
			close(block)
			wg.Wait()
			Expect(calls).To(Equal(1))
		})
	})
})

var _ = Describe("NoOp Service", func() {
	It("should never store values", func() {
		svc := cache.NewNoOp()
		svc.Set("k", 1)
		_, ok := svc.Get("k")
		Expect(ok).To(BeFalse())
	})
	It("should invoke the loader every time", func() {
		svc := cache.NewNoOp()
		calls := 0
		for i := 0; i < 3; i++ {
			v, err := svc.GetOrLoad(context.Background(), "k", func(_ context.Context) (interface{}, error) {
				calls++
				return calls, nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal(calls))
		}
		Expect(calls).To(Equal(3))
	})
})

var _ = Describe("UnavailableCapacity", func() {
	It("should report marked offerings as unavailable", func() {
		u := cache.NewUnavailableCapacity(zap.NewNop())
		Expect(u.IsUnavailable("m5.large", "us-east-1a", "spot")).To(BeFalse())
		u.MarkUnavailable("InsufficientInstanceCapacity", "m5.large", "us-east-1a", "spot")
		Expect(u.IsUnavailable("m5.large", "us-east-1a", "spot")).To(BeTrue())
	})
	It("should scope entries to the price type", func() {
		u := cache.NewUnavailableCapacity(zap.NewNop())
		u.MarkUnavailable("InsufficientInstanceCapacity", "m5.large", "us-east-1a", "spot")
		Expect(u.IsUnavailable("m5.large", "us-east-1a", "ondemand")).To(BeFalse())
	})
})
