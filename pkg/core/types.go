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

package core

import (
	"time"
)

// TriggerType records what initiated a pipeline run.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerAPI       TriggerType = "api"
)

// RunStatus is the state of a run. Terminal states are absorbing.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal returns true for statuses a run can never leave.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Stage names the pipeline stage a run is currently executing.
type Stage string

const (
	StageCollection    Stage = "collection"
	StageNormalization Stage = "normalization"
	StageMatching      Stage = "matching"
	StageNotification  Stage = "notification"
)

// Location narrows a subscription's search geographically.
type Location struct {
	IsRemote bool   `json:"isRemote"`
	Country  string `json:"country,omitempty"`
}

// Subscription is a tenant's persistent search spec. It is mutated only by
// tenant commands and by the scheduler while holding the subscription lock.
type Subscription struct {
	ID           string     `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenantId"`
	JobTitles    []string   `db:"-" json:"jobTitles"`
	Location     *Location  `db:"-" json:"location,omitempty"`
	ResumeText   string     `db:"resume_text" json:"resumeText"`
	ResumeHash   string     `db:"resume_hash" json:"resumeHash"`
	MinScore     int        `db:"min_score" json:"minScore"`
	IsActive     bool       `db:"is_active" json:"isActive"`
	IsPaused     bool       `db:"is_paused" json:"isPaused"`
	DebugMode    bool       `db:"debug_mode" json:"debugMode"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	LastSearchAt *time.Time `db:"last_search_at" json:"lastSearchAt,omitempty"`
	NextRunAt    *time.Time `db:"next_run_at" json:"nextRunAt,omitempty"`
}

// Eligible reports whether the scheduler may start a run for this
// subscription at the given instant.
func (s *Subscription) Eligible(now time.Time) bool {
	if !s.IsActive || s.IsPaused {
		return false
	}
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// Checkpoint is a durable progress marker written at stage boundaries so a
// crashed run can be diagnosed and recovered.
type Checkpoint struct {
	Stage     Stage          `json:"stage"`
	Percent   int            `json:"percent"`
	Detail    string         `json:"detail,omitempty"`
	Opaque    map[string]any `json:"opaque,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RunStats holds the monotone per-stage counters of a run.
type RunStats struct {
	JobsCollected     int `json:"jobsCollected"`
	JobsAfterDedup    int `json:"jobsAfterDedup"`
	JobsMatched       int `json:"jobsMatched"`
	NotificationsSent int `json:"notificationsSent"`
}

// Run is one pipeline execution for one subscription.
type Run struct {
	ID             string      `db:"id" json:"id"`
	SubscriptionID string      `db:"subscription_id" json:"subscriptionId"`
	TriggerType    TriggerType `db:"trigger_type" json:"triggerType"`
	Status         RunStatus   `db:"status" json:"status"`
	StartedAt      time.Time   `db:"started_at" json:"startedAt"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
	DurationMs     *int64      `db:"duration_ms" json:"durationMs,omitempty"`

	Stats RunStats `db:"-" json:"stats"`

	CurrentStage    Stage  `db:"current_stage" json:"currentStage,omitempty"`
	ProgressPercent int    `db:"progress_percent" json:"progressPercent"`
	ProgressDetail  string `db:"progress_detail" json:"progressDetail,omitempty"`

	FailedStage  Stage          `db:"failed_stage" json:"failedStage,omitempty"`
	ErrorMessage string         `db:"error_message" json:"errorMessage,omitempty"`
	ErrorStack   string         `db:"error_stack" json:"errorStack,omitempty"`
	ErrorContext map[string]any `db:"-" json:"errorContext,omitempty"`

	Checkpoint *Checkpoint `db:"-" json:"checkpoint,omitempty"`
}

// RawJob is a posting as returned by a collection adapter, before
// normalization.
type RawJob struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Source      string `json:"source"`
	DatePosted  string `json:"datePosted,omitempty"`
}

// Job is a normalized, deduplicated posting.
type Job struct {
	RawJob
	ContentHash string `json:"contentHash"`
}

// MatchResult is the scored outcome of matching one job against a resume.
type MatchResult struct {
	Job        Job      `json:"job"`
	Score      int      `json:"score"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
	FromCache  bool     `json:"-"`
}

// CollectRequest is the parameter set handed to a collection adapter. The
// same canonical shape feeds the request-cache key.
type CollectRequest struct {
	Query      string `json:"query"`
	Location   string `json:"location,omitempty"`
	IsRemote   bool   `json:"isRemote,omitempty"`
	JobType    string `json:"jobType,omitempty"`
	DatePosted string `json:"datePosted,omitempty"`
	Source     string `json:"source"`
	Limit      int    `json:"limit,omitempty"`
	SkipCache  bool   `json:"-"`
}
