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

// Package fake provides trivial adapter implementations for tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// Collector returns scripted jobs per source and counts calls.
// Reset must be called between tests otherwise tests will pollute each
// other.
type Collector struct {
	mu              sync.Mutex
	Jobs            []core.RawJob
	JobsBySource    map[string][]core.RawJob
	NextError       error
	errorsRemaining int
	CalledWith      []core.CollectRequest
}

func (c *Collector) Collect(_ context.Context, req core.CollectRequest) ([]core.RawJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CalledWith = append(c.CalledWith, req)
	if c.NextError != nil && (c.errorsRemaining > 0 || c.errorsRemaining == -1) {
		if c.errorsRemaining > 0 {
			c.errorsRemaining--
		}
		return nil, c.NextError
	}
	if jobs, ok := c.JobsBySource[req.Source]; ok {
		return jobs, nil
	}
	return c.Jobs, nil
}

// FailNext makes the next n Collect calls return err; n = -1 fails
// forever.
func (c *Collector) FailNext(err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NextError = err
	c.errorsRemaining = n
}

func (c *Collector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.CalledWith)
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Jobs = nil
	c.JobsBySource = nil
	c.NextError = nil
	c.errorsRemaining = 0
	c.CalledWith = nil
}

// LLM returns a fixed score (or scripted raw output) for every call.
// Reset must be called between tests otherwise tests will pollute each
// other.
type LLM struct {
	mu         sync.Mutex
	Score      int
	RawOutput  json.RawMessage
	NextError  error
	CalledWith [][]adapters.Message
	UsedKeys   []string
}

func (l *LLM) Call(_ context.Context, messages []adapters.Message, apiKey string) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CalledWith = append(l.CalledWith, messages)
	l.UsedKeys = append(l.UsedKeys, apiKey)
	if l.NextError != nil {
		err := l.NextError
		l.NextError = nil
		return nil, err
	}
	if l.RawOutput != nil {
		return l.RawOutput, nil
	}
	return json.RawMessage(fmt.Sprintf(`{"score": %d, "strengths": [], "weaknesses": []}`, l.Score)), nil
}

func (l *LLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.CalledWith)
}

func (l *LLM) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Score = 0
	l.RawOutput = nil
	l.NextError = nil
	l.CalledWith = nil
	l.UsedKeys = nil
}

// Notification is one recorded delivery.
type Notification struct {
	ChatID         string
	Payload        core.MatchResult
	IdempotencyKey string
}

// Notifier records every Send.
// Reset must be called between tests otherwise tests will pollute each
// other.
type Notifier struct {
	mu        sync.Mutex
	NextError error
	Sent      []Notification
}

func (n *Notifier) Send(_ context.Context, chatID string, payload core.MatchResult, idempotencyKey string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.NextError != nil {
		err := n.NextError
		n.NextError = nil
		return err
	}
	n.Sent = append(n.Sent, Notification{ChatID: chatID, Payload: payload, IdempotencyKey: idempotencyKey})
	return nil
}

func (n *Notifier) SentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.NextError = nil
	n.Sent = nil
}
