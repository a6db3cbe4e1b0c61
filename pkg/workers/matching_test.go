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

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/fake"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/keypool"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/kv"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/workers"
)

var matchCols = []string{
	"job_content_hash", "resume_hash", "score", "strengths", "weaknesses", "created_at",
}

func matchingPayload(runID string) []byte {
	raw, err := json.Marshal(workers.MatchingJob{
		RunID: runID,
		Job: core.Job{
			RawJob:      core.RawJob{Title: "Go Developer", Company: "Acme", Location: "Austin, TX", Source: "linkedin"},
			ContentHash: "content-1",
		},
		ResumeText: "ten years of Go",
		ResumeHash: "resume-1",
	})
	Expect(err).ToNot(HaveOccurred())
	return raw
}

var _ = Describe("MatchingWorker", func() {
	var clk *testingclock.FakeClock
	var llm *fake.LLM
	var keys *keypool.Pool
	var cancels *cancellation.Registry
	var mock sqlmock.Sqlmock
	var worker *workers.MatchingWorker

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(time.Now())
		llm = &fake.LLM{}

		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })
		mock = m
		matches := store.NewFromDB(sqlx.NewDb(db, "pgx")).Matches

		keys, err = keypool.NewPool(clk, zap.NewNop().Sugar(), []string{"key-a", "key-b"}, 100)
		Expect(err).ToNot(HaveOccurred())
		cancels = cancellation.NewRegistry(kv.NewMemoryStore(clk), zap.NewNop().Sugar(), time.Hour)
		worker = workers.NewMatchingWorker(llm, keys, matches, cancels, zap.NewNop().Sugar())
	})
	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	expectCacheMiss := func() {
		mock.ExpectQuery(`FROM job_matches`).
			WithArgs("content-1", "resume-1").
			WillReturnRows(sqlmock.NewRows(matchCols))
	}
	expectPut := func(score int) {
		mock.ExpectExec(`INSERT INTO job_matches.*ON CONFLICT`).
			WithArgs("content-1", "resume-1", score, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	It("should score a job through the LLM and persist the match", func() {
		llm.Score = 85
		expectCacheMiss()
		expectPut(85)

		raw, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(err).ToNot(HaveOccurred())

		var result workers.MatchingResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Result.Score).To(Equal(85))
		Expect(result.Result.FromCache).To(BeFalse())
		Expect(llm.Calls()).To(Equal(1))
	})
	It("should short-circuit a cancelled run", func() {
		cancels.MarkCancelled(ctx, "run-1")

		raw, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(err).ToNot(HaveOccurred())

		var result workers.MatchingResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Cancelled).To(BeTrue())
		Expect(llm.Calls()).To(BeZero())
	})
	It("should serve a cached pair without calling the LLM", func() {
		mock.ExpectQuery(`FROM job_matches`).
			WithArgs("content-1", "resume-1").
			WillReturnRows(sqlmock.NewRows(matchCols).
				AddRow("content-1", "resume-1", 92, []byte(`["Go"]`), []byte(`[]`), time.Now()))

		raw, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(err).ToNot(HaveOccurred())

		var result workers.MatchingResult
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
		Expect(result.Result.Score).To(Equal(92))
		Expect(result.Result.FromCache).To(BeTrue())
		Expect(llm.Calls()).To(BeZero())
	})
	It("should bench the key on a tagged 429 and bubble the error", func() {
		expectCacheMiss()
		llm.NextError = &engerrors.KeyRateLimitedError{Key: "key-a", Err: fmt.Errorf("429")}

		_, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(err).To(HaveOccurred())

		// key-a is benched: the next draw must skip it
		k, err := keys.GetAvailableKey(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(k).To(Equal("key-b"))
	})
	It("should bench the used key on a 429-looking message", func() {
		expectCacheMiss()
		llm.NextError = fmt.Errorf("googleapi: quota exceeded")

		_, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(err).To(HaveOccurred())

		k, err := keys.GetAvailableKey(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(k).To(Equal("key-b"))
	})
	It("should reject output missing the score as a validation failure", func() {
		expectCacheMiss()
		llm.RawOutput = json.RawMessage(`{"strengths": ["Go"]}`)

		_, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(engerrors.IsValidationFailed(err)).To(BeTrue())
	})
	It("should reject an out-of-range score", func() {
		expectCacheMiss()
		llm.RawOutput = json.RawMessage(`{"score": 150}`)

		_, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(engerrors.IsValidationFailed(err)).To(BeTrue())
	})
	It("should reject non-JSON output", func() {
		expectCacheMiss()
		llm.RawOutput = json.RawMessage(`the score is eighty-five`)

		_, err := worker.Handle(ctx, matchingPayload("run-1"))
		Expect(engerrors.IsValidationFailed(err)).To(BeTrue())
	})
})
