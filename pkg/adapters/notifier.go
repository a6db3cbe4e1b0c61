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

package adapters

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// DedupingNotifier suppresses repeat sends for the same idempotency key
// within a retention window, turning the engine's at-least-once delivery
// into exactly one visible notification.
type DedupingNotifier struct {
	inner Notifier
	seen  *gocache.Cache
	log   *zap.SugaredLogger
}

func NewDedupingNotifier(inner Notifier, retention time.Duration, log *zap.SugaredLogger) *DedupingNotifier {
	return &DedupingNotifier{
		inner: inner,
		seen:  gocache.New(retention, retention/2),
		log:   log,
	}
}

func (n *DedupingNotifier) Send(ctx context.Context, chatID string, payload core.MatchResult, idempotencyKey string) error {
	// Add is atomic: only the first writer for a key within the window wins
	if err := n.seen.Add(idempotencyKey, struct{}{}, gocache.DefaultExpiration); err != nil {
		n.log.Debugf("suppressing duplicate notification %s", idempotencyKey)
		return nil
	}
	if err := n.inner.Send(ctx, chatID, payload, idempotencyKey); err != nil {
		// allow the retry path to send again
		n.seen.Delete(idempotencyKey)
		return err
	}
	return nil
}
