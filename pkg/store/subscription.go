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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

// SubscriptionStore reads and schedules subscriptions. Rows are mutated by
// tenant flows elsewhere; the engine only touches the scheduling columns,
// and only while holding the subscription lock.
type SubscriptionStore struct {
	db *sqlx.DB
}

type subscriptionRow struct {
	ID           string       `db:"id"`
	TenantID     string       `db:"tenant_id"`
	JobTitles    []byte       `db:"job_titles"`
	Location     []byte       `db:"location"`
	ResumeText   string       `db:"resume_text"`
	ResumeHash   string       `db:"resume_hash"`
	MinScore     int          `db:"min_score"`
	IsActive     bool         `db:"is_active"`
	IsPaused     bool         `db:"is_paused"`
	DebugMode    bool         `db:"debug_mode"`
	CreatedAt    time.Time    `db:"created_at"`
	LastSearchAt sql.NullTime `db:"last_search_at"`
	NextRunAt    sql.NullTime `db:"next_run_at"`
}

const subscriptionColumns = `id, tenant_id, job_titles, location, resume_text, resume_hash,
	min_score, is_active, is_paused, debug_mode, created_at, last_search_at, next_run_at`

func (r subscriptionRow) toCore() (core.Subscription, error) {
	sub := core.Subscription{
		ID:         r.ID,
		TenantID:   r.TenantID,
		ResumeText: r.ResumeText,
		ResumeHash: r.ResumeHash,
		MinScore:   r.MinScore,
		IsActive:   r.IsActive,
		IsPaused:   r.IsPaused,
		DebugMode:  r.DebugMode,
		CreatedAt:  r.CreatedAt,
	}
	if err := json.Unmarshal(r.JobTitles, &sub.JobTitles); err != nil {
		return sub, fmt.Errorf("decoding job titles for subscription %s, %w", r.ID, err)
	}
	if len(r.Location) > 0 {
		var loc core.Location
		if err := json.Unmarshal(r.Location, &loc); err != nil {
			return sub, fmt.Errorf("decoding location for subscription %s, %w", r.ID, err)
		}
		sub.Location = &loc
	}
	if r.LastSearchAt.Valid {
		t := r.LastSearchAt.Time
		sub.LastSearchAt = &t
	}
	if r.NextRunAt.Valid {
		t := r.NextRunAt.Time
		sub.NextRunAt = &t
	}
	return sub, nil
}

// Get returns the subscription or (nil, nil) when it does not exist.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (*core.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading subscription %s, %w", id, err)
	}
	sub, err := row.toCore()
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListDue returns up to limit eligible subscriptions ordered by
// next_run_at ASC NULLS FIRST.
func (s *SubscriptionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]core.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE is_active AND NOT is_paused AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY next_run_at ASC NULLS FIRST
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due subscriptions, %w", err)
	}
	subs := make([]core.Subscription, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toCore()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SetNextRun moves the subscription's next wake-up. Used both for the
// pre-work safety-window advance and for retry/recovery scheduling.
func (s *SubscriptionStore) SetNextRun(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET next_run_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("advancing next run for subscription %s, %w", id, err)
	}
	return nil
}

// MarkSearched records a successful run and schedules the next one.
func (s *SubscriptionStore) MarkSearched(ctx context.Context, id string, searchedAt, nextRunAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_search_at = $2, next_run_at = $3 WHERE id = $1`,
		id, searchedAt, nextRunAt); err != nil {
		return fmt.Errorf("marking subscription %s searched, %w", id, err)
	}
	return nil
}
