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

// Package adapters declares the narrow capability interfaces the engine
// depends on. The real job boards, LLM providers and chat transport live
// behind these; fakes implement them trivially for tests.
package adapters

import (
	"context"
	"encoding/json"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// Collector fetches raw postings from one external job board. On HTTP 429
// it must return an error whose message matches the rate limiter's 429
// pattern set.
type Collector interface {
	Collect(ctx context.Context, req core.CollectRequest) ([]core.RawJob, error)
}

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM executes one model call with an explicit API key. A 429 must surface
// as *errors.KeyRateLimitedError carrying the key. The returned JSON is
// validated against the caller's schema.
type LLM interface {
	Call(ctx context.Context, messages []Message, apiKey string) (json.RawMessage, error)
}

// Notifier delivers a match notification. At-least-once; duplicate
// suppression happens by idempotency key within a retention window.
type Notifier interface {
	Send(ctx context.Context, chatID string, payload core.MatchResult, idempotencyKey string) error
}
