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

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/samber/lo"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// ContentHash derives the deduplication key for a posting from its
// normalized title, company and location.
func ContentHash(title, company, location string) string {
	canonical := normalizeField(title) + "|" + normalizeField(company) + "|" + normalizeField(location)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey identifies one (subscription, posting) notification for
// duplicate suppression across retries.
func IdempotencyKey(subscriptionID, contentHash string) string {
	sum := sha256.Sum256([]byte(subscriptionID + "|" + contentHash))
	return hex.EncodeToString(sum[:])
}

func normalizeField(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Normalize hashes raw postings and drops content-hash duplicates,
// preserving first-seen order.
func Normalize(raw []core.RawJob) []core.Job {
	seen := make(map[string]struct{}, len(raw))
	jobs := make([]core.Job, 0, len(raw))
	for _, r := range raw {
		h := ContentHash(r.Title, r.Company, r.Location)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		jobs = append(jobs, core.Job{RawJob: r, ContentHash: h})
	}
	return jobs
}

// Location indicators for the wrong-country heuristic. US state
// abbreviations are matched as ", XX" suffix tokens to avoid false hits
// inside words.
var (
	usIndicators = []string{
		"united states", "usa", ", us", "california", "new york", "texas",
		"florida", "washington", "illinois", "massachusetts", "georgia",
		"colorado", "virginia", "arizona",
	}
	caIndicators = []string{
		"canada", "ontario", "quebec", "british columbia", "alberta",
		"manitoba", "saskatchewan", "nova scotia", "toronto", "vancouver",
		"montreal", "ottawa", "calgary", "edmonton",
	}
)

// FilterWrongCountry rejects jobs whose location matches the opposite
// country's indicators when the subscription targets a specific country.
// Jobs with no recognizable indicators pass through.
func FilterWrongCountry(jobs []core.Job, loc *core.Location) []core.Job {
	if loc == nil || loc.Country == "" {
		return jobs
	}
	var reject []string
	switch strings.ToLower(loc.Country) {
	case "canada", "ca":
		reject = usIndicators
	case "united states", "usa", "us":
		reject = caIndicators
	default:
		return jobs
	}
	return lo.Filter(jobs, func(j core.Job, _ int) bool {
		l := strings.ToLower(j.Location)
		for _, ind := range reject {
			if strings.Contains(l, ind) {
				return false
			}
		}
		return true
	})
}
