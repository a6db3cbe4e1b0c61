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

package ratelimit

import "time"

// DefaultProfiles returns the per-source ladders. LinkedIn throttles hard
// and recovers slowly; indeed is lenient; everything else gets the default
// ladder. The success delays are operator tunables.
func DefaultProfiles(defaultDelay, linkedinDelay, indeedDelay time.Duration) (map[string]Profile, Profile) {
	profiles := map[string]Profile{
		"linkedin": {
			BaseDelay:         5 * time.Second,
			MaxDelay:          5 * time.Minute,
			BackoffMultiplier: 3,
			CooldownThreshold: 2,
			CooldownDuration:  10 * time.Minute,
			SuccessDelay:      linkedinDelay,
		},
		"indeed": {
			BaseDelay:         2 * time.Second,
			MaxDelay:          2 * time.Minute,
			BackoffMultiplier: 2.5,
			CooldownThreshold: 3,
			CooldownDuration:  5 * time.Minute,
			SuccessDelay:      indeedDelay,
		},
	}
	fallback := Profile{
		BaseDelay:         defaultDelay,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		CooldownThreshold: 3,
		CooldownDuration:  3 * time.Minute,
		SuccessDelay:      defaultDelay,
	}
	return profiles, fallback
}
