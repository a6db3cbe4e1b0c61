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

package workers_test

import (
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/fake"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/ratelimit"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/requestcache"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/workers"
)

func collectionPayload(runID, query string) []byte {
	raw, err := json.Marshal(workers.CollectionJob{
		RunID: runID,
		Request: core.CollectRequest{
			Query:  query,
			Source: "linkedin",
			Limit:  25,
		},
	})
	Expect(err).ToNot(HaveOccurred())
	return raw
}

var _ = Describe("CollectionWorker", func() {
	var clk *testingclock.FakeClock
	var collector *fake.Collector
	var limiter *ratelimit.Limiter
	var cancels *cancellation.Registry
	var worker *workers.CollectionWorker

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(time.Now())
		collector = &fake.Collector{}
		profiles, fallbackProfile := ratelimit.DefaultProfiles(0, 0, 0)
		limiter = ratelimit.NewLimiter(clk, zap.NewNop().Sugar(), profiles, fallbackProfile)
		cancels = cancellation.NewRegistry(kv.NewMemoryStore(clk), zap.NewNop().Sugar(), time.Hour)
		worker = workers.NewCollectionWorker(collector, limiter,
			requestcache.New(5*time.Minute, time.Minute), cancels, zap.NewNop().Sugar())
	})

	It("should collect and return the source's jobs", func() {
		collector.Jobs = []core.RawJob{{Title: "Go Developer", Company: "Acme", Source: "linkedin"}}

		raw, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).ToNot(HaveOccurred())

		var result workers.CollectionResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Cancelled).To(BeFalse())
		Expect(result.Jobs).To(HaveLen(1))
		Expect(result.Jobs[0].Title).To(Equal("Go Developer"))
	})
	It("should short-circuit a cancelled run without touching the source", func() {
		cancels.MarkCancelled(ctx, "run-1")

		raw, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).ToNot(HaveOccurred())

		var result workers.CollectionResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Cancelled).To(BeTrue())
		Expect(collector.Calls()).To(BeZero())
	})
	It("should serve an identical request from the cache", func() {
		collector.Jobs = []core.RawJob{{Title: "Go Developer", Company: "Acme", Source: "linkedin"}}

		_, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).ToNot(HaveOccurred())
		_, err = worker.Handle(ctx, collectionPayload("run-2", "golang"))
		Expect(err).ToNot(HaveOccurred())

		Expect(collector.Calls()).To(Equal(1))
	})
	It("should record a 429 and surface a tagged error for the queue to retry", func() {
		collector.FailNext(fmt.Errorf("upstream said 429"), -1)

		_, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(engerrors.IsRateLimited(err)).To(BeTrue())
		Expect(limiter.Snapshot()["linkedin"].Consecutive429s).To(Equal(1.0))
	})
	It("should nudge the ladder on unrelated failures", func() {
		collector.FailNext(fmt.Errorf("connection reset"), -1)

		_, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(limiter.Snapshot()["linkedin"].Consecutive429s).To(Equal(0.5))
	})
	It("should not cache failures", func() {
		collector.FailNext(fmt.Errorf("connection reset"), 1)
		collector.Jobs = []core.RawJob{{Title: "Go Developer", Company: "Acme", Source: "linkedin"}}

		_, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).To(HaveOccurred())

		raw, err := worker.Handle(ctx, collectionPayload("run-1", "golang"))
		Expect(err).ToNot(HaveOccurred())
		var result workers.CollectionResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Jobs).To(HaveLen(1))
		Expect(collector.Calls()).To(Equal(2))
	})
})
