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

package kv_test

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
)

var _ = Describe("MemoryStore", func() {
	var clk *testingclock.FakeClock
	var store *kv.MemoryStore

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(time.Now())
		store = kv.NewMemoryStore(clk)
	})

	It("should round-trip a value", func() {
		ok, err := store.Set(ctx, "k", "v", 0, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		val, found, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(val).To(Equal("v"))
	})
	It("should expire values after their ttl", func() {
		_, err := store.Set(ctx, "k", "v", 10*time.Second, false)
		Expect(err).ToNot(HaveOccurred())

		clk.Step(9 * time.Second)
		_, found, _ := store.Get(ctx, "k")
		Expect(found).To(BeTrue())

		clk.Step(2 * time.Second)
		_, found, _ = store.Get(ctx, "k")
		Expect(found).To(BeFalse())
	})
	It("should honor set-if-absent", func() {
		ok, _ := store.Set(ctx, "k", "first", 0, true)
		Expect(ok).To(BeTrue())
		ok, _ = store.Set(ctx, "k", "second", 0, true)
		Expect(ok).To(BeFalse())

		val, _, _ := store.Get(ctx, "k")
		Expect(val).To(Equal("first"))
	})
	It("should allow set-if-absent again once the holder expires", func() {
		_, _ = store.Set(ctx, "k", "first", 5*time.Second, true)
		clk.Step(6 * time.Second)
		ok, _ := store.Set(ctx, "k", "second", 5*time.Second, true)
		Expect(ok).To(BeTrue())
	})
	It("should list keys by glob pattern", func() {
		_, _ = store.Set(ctx, "lock:subscription:a", "1", 0, false)
		_, _ = store.Set(ctx, "lock:subscription:b", "1", 0, false)
		_, _ = store.Set(ctx, "cancelled_runs:x", "1", 0, false)

		keys, err := store.Keys(ctx, "lock:subscription:*")
		Expect(err).ToNot(HaveOccurred())
		Expect(keys).To(ConsistOf("lock:subscription:a", "lock:subscription:b"))
	})
	It("should delete", func() {
		_, _ = store.Set(ctx, "k", "v", 0, false)
		Expect(store.Del(ctx, "k")).To(Succeed())
		found, _ := store.Exists(ctx, "k")
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("RedisStore", func() {
	var srv *miniredis.Miniredis
	var store *kv.RedisStore

	BeforeEach(func() {
		var err error
		srv, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(srv.Close)
		store = kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	})

	It("should round-trip a value", func() {
		ok, err := store.Set(ctx, "k", "v", 0, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		val, found, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(val).To(Equal("v"))
	})
	It("should report a missing key without error", func() {
		_, found, err := store.Get(ctx, "nope")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})
	It("should honor set-if-absent", func() {
		ok, _ := store.Set(ctx, "k", "first", time.Minute, true)
		Expect(ok).To(BeTrue())
		ok, _ = store.Set(ctx, "k", "second", time.Minute, true)
		Expect(ok).To(BeFalse())
	})
	It("should expire values after their ttl", func() {
		_, err := store.Set(ctx, "k", "v", 10*time.Second, false)
		Expect(err).ToNot(HaveOccurred())
		srv.FastForward(11 * time.Second)
		_, found, _ := store.Get(ctx, "k")
		Expect(found).To(BeFalse())
	})
	It("should list keys by pattern", func() {
		_, _ = store.Set(ctx, "a:1", "v", 0, false)
		_, _ = store.Set(ctx, "a:2", "v", 0, false)
		_, _ = store.Set(ctx, "b:1", "v", 0, false)
		keys, err := store.Keys(ctx, "a:*")
		Expect(err).ToNot(HaveOccurred())
		Expect(keys).To(ConsistOf("a:1", "a:2"))
	})
})

// flakyStore fails every operation until healed.
type flakyStore struct {
	inner   kv.Store
	healthy bool
}

func (f *flakyStore) err() error { return fmt.Errorf("connection refused") }

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration, ifAbsent bool) (bool, error) {
	if !f.healthy {
		return false, f.err()
	}
	return f.inner.Set(ctx, key, value, ttl, ifAbsent)
}
func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !f.healthy {
		return "", false, f.err()
	}
	return f.inner.Get(ctx, key)
}
func (f *flakyStore) Del(ctx context.Context, key string) error {
	if !f.healthy {
		return f.err()
	}
	return f.inner.Del(ctx, key)
}
func (f *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if !f.healthy {
		return false, f.err()
	}
	return f.inner.Exists(ctx, key)
}
func (f *flakyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !f.healthy {
		return nil, f.err()
	}
	return f.inner.Keys(ctx, pattern)
}

var _ = Describe("Client", func() {
	var clk *testingclock.FakeClock
	var primary *flakyStore
	var client *kv.Client

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(time.Now())
		primary = &flakyStore{inner: kv.NewMemoryStore(clk), healthy: true}
		client = kv.NewClient(primary, clk, zap.NewNop().Sugar())
	})

	It("should serve from the primary when healthy", func() {
		_, err := client.Set(ctx, "k", "v", 0, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(client.Degraded()).To(BeFalse())

		val, found, err := client.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(val).To(Equal("v"))
	})
	It("should fall back to local state when the primary dies", func() {
		primary.healthy = false

		ok, err := client.Set(ctx, "k", "v", 0, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(client.Degraded()).To(BeTrue())

		val, found, err := client.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(val).To(Equal("v"))
	})
	It("should preserve set-if-absent semantics in the fallback", func() {
		primary.healthy = false
		ok, _ := client.Set(ctx, "lock", "a", time.Minute, true)
		Expect(ok).To(BeTrue())
		ok, _ = client.Set(ctx, "lock", "b", time.Minute, true)
		Expect(ok).To(BeFalse())
	})
	It("should leave degraded mode once the primary recovers", func() {
		primary.healthy = false
		_, _ = client.Set(ctx, "k", "v", 0, false)
		Expect(client.Degraded()).To(BeTrue())

		primary.healthy = true
		Eventually(func() bool {
			_, _, _ = client.Get(ctx, "k")
			return client.Degraded()
		}).Should(BeFalse())
	})
})
