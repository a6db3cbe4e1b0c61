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

// RunStore persists run records. Terminal transitions carry a
// status = 'running' guard in SQL so a terminal run can never be
// resurrected, whatever the caller interleaving.
type RunStore struct {
	db *sqlx.DB
}

type runRow struct {
	ID                string         `db:"id"`
	SubscriptionID    string         `db:"subscription_id"`
	TriggerType       string         `db:"trigger_type"`
	Status            string         `db:"status"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	DurationMs        sql.NullInt64  `db:"duration_ms"`
	JobsCollected     int            `db:"jobs_collected"`
	JobsAfterDedup    int            `db:"jobs_after_dedup"`
	JobsMatched       int            `db:"jobs_matched"`
	NotificationsSent int            `db:"notifications_sent"`
	CurrentStage      sql.NullString `db:"current_stage"`
	ProgressPercent   int            `db:"progress_percent"`
	ProgressDetail    sql.NullString `db:"progress_detail"`
	FailedStage       sql.NullString `db:"failed_stage"`
	ErrorMessage      sql.NullString `db:"error_message"`
	ErrorStack        sql.NullString `db:"error_stack"`
	ErrorContext      []byte         `db:"error_context"`
	Checkpoint        []byte         `db:"checkpoint"`
}

const runColumns = `id, subscription_id, trigger_type, status, started_at, completed_at,
	duration_ms, jobs_collected, jobs_after_dedup, jobs_matched, notifications_sent,
	current_stage, progress_percent, progress_detail, failed_stage, error_message,
	error_stack, error_context, checkpoint`

func (r runRow) toCore() core.Run {
	run := core.Run{
		ID:             r.ID,
		SubscriptionID: r.SubscriptionID,
		TriggerType:    core.TriggerType(r.TriggerType),
		Status:         core.RunStatus(r.Status),
		StartedAt:      r.StartedAt,
		Stats: core.RunStats{
			JobsCollected:     r.JobsCollected,
			JobsAfterDedup:    r.JobsAfterDedup,
			JobsMatched:       r.JobsMatched,
			NotificationsSent: r.NotificationsSent,
		},
		CurrentStage:    core.Stage(r.CurrentStage.String),
		ProgressPercent: r.ProgressPercent,
		ProgressDetail:  r.ProgressDetail.String,
		FailedStage:     core.Stage(r.FailedStage.String),
		ErrorMessage:    r.ErrorMessage.String,
		ErrorStack:      r.ErrorStack.String,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		run.DurationMs = &d
	}
	if len(r.ErrorContext) > 0 {
		_ = json.Unmarshal(r.ErrorContext, &run.ErrorContext)
	}
	if len(r.Checkpoint) > 0 {
		var cp core.Checkpoint
		if json.Unmarshal(r.Checkpoint, &cp) == nil {
			run.Checkpoint = &cp
		}
	}
	return run
}

// Insert persists a freshly started run.
func (s *RunStore) Insert(ctx context.Context, run *core.Run) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, subscription_id, trigger_type, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.SubscriptionID, string(run.TriggerType), string(run.Status), run.StartedAt); err != nil {
		return fmt.Errorf("inserting run %s, %w", run.ID, err)
	}
	return nil
}

// Get returns the run or (nil, nil) when it does not exist.
func (s *RunStore) Get(ctx context.Context, id string) (*core.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s, %w", id, err)
	}
	run := row.toCore()
	return &run, nil
}

// UpdateStats merges the monotone counters. GREATEST makes retried updates
// idempotent.
func (s *RunStore) UpdateStats(ctx context.Context, id string, stats core.RunStats) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			jobs_collected = GREATEST(jobs_collected, $2),
			jobs_after_dedup = GREATEST(jobs_after_dedup, $3),
			jobs_matched = GREATEST(jobs_matched, $4),
			notifications_sent = GREATEST(notifications_sent, $5)
		 WHERE id = $1`,
		id, stats.JobsCollected, stats.JobsAfterDedup, stats.JobsMatched, stats.NotificationsSent); err != nil {
		return fmt.Errorf("updating stats for run %s, %w", id, err)
	}
	return nil
}

// SetCheckpoint writes the progress marker. Only a running run can move.
func (s *RunStore) SetCheckpoint(ctx context.Context, id string, cp core.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for run %s, %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET checkpoint = $2, current_stage = $3, progress_percent = $4, progress_detail = $5
		 WHERE id = $1 AND status = 'running'`,
		id, raw, string(cp.Stage), cp.Percent, cp.Detail); err != nil {
		return fmt.Errorf("checkpointing run %s, %w", id, err)
	}
	return nil
}

// Complete transitions running -> completed.
func (s *RunStore) Complete(ctx context.Context, id string, at time.Time) error {
	return s.terminal(ctx, id, string(core.RunStatusCompleted), at)
}

// Cancel transitions running -> cancelled.
func (s *RunStore) Cancel(ctx context.Context, id string, at time.Time) error {
	return s.terminal(ctx, id, string(core.RunStatusCancelled), at)
}

func (s *RunStore) terminal(ctx context.Context, id, status string, at time.Time) error {
	// zero rows affected means the run was already terminal; absorbing
	// states never move
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, completed_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		 WHERE id = $1 AND status = 'running'`,
		id, status, at); err != nil {
		return fmt.Errorf("transitioning run %s to %s, %w", id, status, err)
	}
	return nil
}

// FailParams carries the failure context for a running -> failed
// transition.
type FailParams struct {
	Stage        core.Stage
	Message      string
	Stack        string
	ErrorContext map[string]any
}

// Fail transitions running -> failed, recording the failure context.
func (s *RunStore) Fail(ctx context.Context, id string, at time.Time, p FailParams) error {
	var rawCtx []byte
	if p.ErrorContext != nil {
		rawCtx, _ = json.Marshal(p.ErrorContext)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = $2,
			duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint,
			failed_stage = $3, error_message = $4, error_stack = $5, error_context = $6
		 WHERE id = $1 AND status = 'running'`,
		id, at, string(p.Stage), p.Message, p.Stack, rawCtx); err != nil {
		return fmt.Errorf("failing run %s, %w", id, err)
	}
	return nil
}

// FailStale fails every running run started before cutoff with a synthetic
// reason and returns the affected runs so callers can release their locks.
func (s *RunStore) FailStale(ctx context.Context, cutoff, at time.Time, reason string) ([]core.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`UPDATE runs SET status = 'failed', completed_at = $2,
			duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint,
			error_message = $3
		 WHERE status = 'running' AND started_at < $1
		 RETURNING `+runColumns, cutoff, at, reason)
	if err != nil {
		return nil, fmt.Errorf("failing stale runs, %w", err)
	}
	runs := make([]core.Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toCore())
	}
	return runs, nil
}

// FindInterrupted returns recent running runs that have a checkpoint:
// work a previous process started and never finished.
func (s *RunStore) FindInterrupted(ctx context.Context, since time.Time) ([]core.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'running' AND checkpoint IS NOT NULL AND started_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("finding interrupted runs, %w", err)
	}
	runs := make([]core.Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toCore())
	}
	return runs, nil
}

// FindStuckWithoutCheckpoint returns running runs older than cutoff that
// never wrote a checkpoint, hung before making any progress.
func (s *RunStore) FindStuckWithoutCheckpoint(ctx context.Context, cutoff time.Time) ([]core.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'running' AND checkpoint IS NULL AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding stuck runs, %w", err)
	}
	runs := make([]core.Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toCore())
	}
	return runs, nil
}

// RecentFailures returns the latest failed runs for diagnostics.
func (s *RunStore) RecentFailures(ctx context.Context, limit int) ([]core.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'failed' ORDER BY completed_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent failures, %w", err)
	}
	runs := make([]core.Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toCore())
	}
	return runs, nil
}
