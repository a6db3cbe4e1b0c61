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

// Package kv is the durable key/value substrate behind the subscription
// locks, the cancellation registry and the work queues. The redis-backed
// store is the primary; a process-local store takes over when redis is
// unreachable so that a single instance keeps working with identical
// observable behavior.
package kv

import (
	"context"
	"time"
)

// Store is the minimal key/value surface the engine needs.
type Store interface {
	// Set writes key=value with the given ttl (0 = no expiry). When ifAbsent
	// is true the write only happens if the key does not exist; the returned
	// bool reports whether the write happened.
	Set(ctx context.Context, key, value string, ttl time.Duration, ifAbsent bool) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}
