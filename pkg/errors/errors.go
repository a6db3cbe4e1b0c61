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

package errors

import (
	"errors"
	"strings"
)

// ratePatterns is the substring set used to classify an arbitrary upstream
// error message as a 429. Matching is case-insensitive.
var ratePatterns = []string{
	"429",
	"too many requests",
	"rate limit",
	"throttle",
	"quota",
}

var (
	// ErrCancelled means cancellation was observed at a stage boundary.
	ErrCancelled = errors.New("run cancelled")
	// ErrTimeout means a client-side deadline fired; the underlying job may
	// still run to completion on a worker.
	ErrTimeout = errors.New("timed out waiting for job")
	// ErrConflict means a run is already in flight for the subscription.
	ErrConflict = errors.New("run already in progress for subscription")
	// ErrValidationFailed means LLM output did not satisfy the declared
	// schema. Retriable.
	ErrValidationFailed = errors.New("response failed schema validation")
	// ErrConfiguration means required configuration is missing or invalid.
	// Fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
)

// RateLimitedError tags a collection-source 429.
type RateLimitedError struct {
	Source string
	Err    error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// KeyRateLimitedError tags an LLM 429 with the offending API key.
type KeyRateLimitedError struct {
	Key string
	Err error
}

func (e *KeyRateLimitedError) Error() string { return e.Err.Error() }
func (e *KeyRateLimitedError) Unwrap() error { return e.Err }

// IsRateLimited returns true if the err is a tagged source 429 or its
// message matches the 429 pattern set.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return true
	}
	return Is429Message(err.Error())
}

// IsKeyRateLimited returns true if the err carries an LLM key 429 tag.
func IsKeyRateLimited(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var krlErr *KeyRateLimitedError
	if errors.As(err, &krlErr) {
		return krlErr.Key, true
	}
	return "", false
}

// Is429Message reports whether msg matches the 429 pattern set.
func Is429Message(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range ratePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func IsCancelled(err error) bool        { return errors.Is(err, ErrCancelled) }
func IsTimeout(err error) bool          { return errors.Is(err, ErrTimeout) }
func IsConflict(err error) bool         { return errors.Is(err, ErrConflict) }
func IsValidationFailed(err error) bool { return errors.Is(err, ErrValidationFailed) }
