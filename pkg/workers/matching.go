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

package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/cancellation"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	engerrors "github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/keypool"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/store"
)

// MatchingJob is the payload of one matching queue entry.
type MatchingJob struct {
	RunID      string   `json:"runId"`
	Job        core.Job `json:"job"`
	ResumeText string   `json:"resumeText"`
	ResumeHash string   `json:"resumeHash"`
}

// MatchingResult is the outcome of one matching job.
type MatchingResult struct {
	Cancelled bool             `json:"cancelled,omitempty"`
	Result    core.MatchResult `json:"result"`
}

// matchResponse is the schema the LLM output must satisfy.
type matchResponse struct {
	Score      *int     `json:"score"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

// MatchingWorker consumes the matching queue.
type MatchingWorker struct {
	llm     adapters.LLM
	keys    *keypool.Pool
	matches *store.MatchStore
	cancels *cancellation.Registry
	log     *zap.SugaredLogger
}

func NewMatchingWorker(llm adapters.LLM, keys *keypool.Pool, matches *store.MatchStore,
	cancels *cancellation.Registry, log *zap.SugaredLogger) *MatchingWorker {
	return &MatchingWorker{llm: llm, keys: keys, matches: matches, cancels: cancels, log: log}
}

// Handle scores one job against a resume. The persistent match cache is
// consulted first; a hit skips the LLM entirely, which also makes
// re-executed (timed-out or stalled) jobs idempotent.
func (w *MatchingWorker) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var job MatchingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decoding matching job, %w", err)
	}
	if w.cancels.IsCancelled(ctx, job.RunID) {
		return json.Marshal(MatchingResult{Cancelled: true})
	}

	if cached, err := w.matches.Get(ctx, job.Job.ContentHash, job.ResumeHash); err != nil {
		w.log.Warnf("reading match cache, %v", err)
	} else if cached != nil {
		return json.Marshal(MatchingResult{Result: core.MatchResult{
			Job:        job.Job,
			Score:      cached.Score,
			Strengths:  cached.Strengths,
			Weaknesses: cached.Weaknesses,
			FromCache:  true,
		}})
	}

	key, err := w.keys.GetAvailableKey(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := w.llm.Call(ctx, buildMatchMessages(job), key)
	if err != nil {
		if k, ok := engerrors.IsKeyRateLimited(err); ok {
			w.keys.MarkKey429(k)
		} else if engerrors.Is429Message(err.Error()) {
			w.keys.MarkKey429(key)
		}
		return nil, fmt.Errorf("calling LLM with key %s, %w", keypool.MaskKey(key), err)
	}

	parsed, err := validateMatchResponse(raw)
	if err != nil {
		return nil, err
	}

	result := core.MatchResult{
		Job:        job.Job,
		Score:      *parsed.Score,
		Strengths:  parsed.Strengths,
		Weaknesses: parsed.Weaknesses,
	}
	if err := w.matches.Put(ctx, store.Match{
		JobContentHash: job.Job.ContentHash,
		ResumeHash:     job.ResumeHash,
		Score:          result.Score,
		Strengths:      result.Strengths,
		Weaknesses:     result.Weaknesses,
	}); err != nil {
		w.log.Warnf("storing match, %v", err)
	}
	return json.Marshal(MatchingResult{Result: result})
}

// validateMatchResponse enforces the declared response schema. Failures
// are retriable: the model often fixes itself on a second attempt.
func validateMatchResponse(raw json.RawMessage) (*matchResponse, error) {
	var parsed matchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", engerrors.ErrValidationFailed, err)
	}
	if parsed.Score == nil {
		return nil, fmt.Errorf("%w: missing score", engerrors.ErrValidationFailed)
	}
	if *parsed.Score < 0 || *parsed.Score > 100 {
		return nil, fmt.Errorf("%w: score %d outside 0..100", engerrors.ErrValidationFailed, *parsed.Score)
	}
	return &parsed, nil
}

func buildMatchMessages(job MatchingJob) []adapters.Message {
	return []adapters.Message{
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Score how well this candidate resume matches the job posting from 0 to 100.\n\nJob: %s at %s (%s)\n%s\n\nResume:\n%s",
				job.Job.Title, job.Job.Company, job.Job.Location, job.Job.Description, job.ResumeText),
		},
	}
}
