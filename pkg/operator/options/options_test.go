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

package options_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/operator/options"
)

// requiredArgs is the minimal flag set that passes Validate.
var requiredArgs = []string{
	"--database-url", "postgres://localhost/engine",
	"--gemini-api-key", "key-1",
	"--serpapi-key", "serp-1",
	"--telegram-bot-token", "bot-1",
}

func parse(extra ...string) *options.Options {
	opts := options.New()
	Expect(opts.Parse(append(append([]string{}, requiredArgs...), extra...))).To(Succeed())
	return opts
}

var _ = Describe("Options", func() {
	It("should apply defaults when nothing is set", func() {
		opts := parse()
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.RedisURL).To(Equal("redis://localhost:6379"))
		Expect(opts.MetricsPort).To(Equal(8080))
		Expect(opts.JobInterval()).To(Equal(time.Hour))
		Expect(opts.RetryDelay()).To(Equal(5 * time.Minute))
		Expect(opts.LockTTL()).To(Equal(2 * time.Hour))
		Expect(opts.RequestCacheTTL()).To(Equal(5 * time.Minute))
		Expect(opts.SourceList()).To(Equal([]string{"linkedin", "indeed"}))
	})
	It("should prefer flags over environment variables", func() {
		os.Setenv("METRICS_PORT", "9000")
		DeferCleanup(os.Unsetenv, "METRICS_PORT")
		opts := parse("--metrics-port", "9100")
		Expect(opts.MetricsPort).To(Equal(9100))
	})
	It("should read environment variables registered at construction", func() {
		os.Setenv("LINKEDIN_DELAY_MS", "7000")
		DeferCleanup(os.Unsetenv, "LINKEDIN_DELAY_MS")
		opts := parse()
		Expect(opts.LinkedinDelay()).To(Equal(7 * time.Second))
	})
	Context("Validate", func() {
		// argsWithout drops one flag/value pair from requiredArgs.
		argsWithout := func(i int) []string {
			return append(append([]string{}, requiredArgs[:i]...), requiredArgs[i+2:]...)
		}

		It("should require the database URL", func() {
			opts := options.New()
			Expect(opts.Parse(argsWithout(0))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("DATABASE_URL")))
		})
		It("should require at least one LLM key", func() {
			opts := options.New()
			Expect(opts.Parse(argsWithout(2))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("GEMINI_API_KEYS")))
		})
		It("should reject a non-positive key RPM", func() {
			opts := parse("--key-rpm", "0")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("KEY_RPM")))
		})
		It("should require at least one source", func() {
			opts := parse("--sources", " , ")
			Expect(opts.Validate()).To(MatchError(ContainSubstring("SOURCES")))
		})
	})
	Context("APIKeys", func() {
		It("should split and trim the pool", func() {
			opts := parse("--gemini-api-keys", " a , b ,, c ")
			Expect(opts.APIKeys()).To(Equal([]string{"a", "b", "c"}))
		})
		It("should fall back to the single key", func() {
			opts := parse()
			Expect(opts.APIKeys()).To(Equal([]string{"key-1"}))
		})
		It("should prefer the pool over the single key", func() {
			opts := parse("--gemini-api-keys", "a,b")
			Expect(opts.APIKeys()).To(Equal([]string{"a", "b"}))
		})
	})
})
