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
)

// MatchStore is the persistent match cache: one scored row per
// (job content hash, resume hash) pair. A hit short-circuits the LLM call
// entirely, which also makes timed-out matching jobs idempotent-safe.
type MatchStore struct {
	db *sqlx.DB
}

// Match is one cached score.
type Match struct {
	JobContentHash string    `db:"job_content_hash"`
	ResumeHash     string    `db:"resume_hash"`
	Score          int       `db:"score"`
	Strengths      []string  `db:"-"`
	Weaknesses     []string  `db:"-"`
	CreatedAt      time.Time `db:"created_at"`
}

type matchRow struct {
	JobContentHash string    `db:"job_content_hash"`
	ResumeHash     string    `db:"resume_hash"`
	Score          int       `db:"score"`
	Strengths      []byte    `db:"strengths"`
	Weaknesses     []byte    `db:"weaknesses"`
	CreatedAt      time.Time `db:"created_at"`
}

// Get returns the cached match or (nil, nil) on a miss.
func (s *MatchStore) Get(ctx context.Context, jobContentHash, resumeHash string) (*Match, error) {
	var row matchRow
	err := s.db.GetContext(ctx, &row,
		`SELECT job_content_hash, resume_hash, score, strengths, weaknesses, created_at
		 FROM job_matches WHERE job_content_hash = $1 AND resume_hash = $2`,
		jobContentHash, resumeHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cached match, %w", err)
	}
	m := Match{
		JobContentHash: row.JobContentHash,
		ResumeHash:     row.ResumeHash,
		Score:          row.Score,
		CreatedAt:      row.CreatedAt,
	}
	_ = json.Unmarshal(row.Strengths, &m.Strengths)
	_ = json.Unmarshal(row.Weaknesses, &m.Weaknesses)
	return &m, nil
}

// Put upserts a match. Last write wins; scores for the same pair are
// equivalent by construction.
func (s *MatchStore) Put(ctx context.Context, m Match) error {
	strengths, _ := json.Marshal(m.Strengths)
	weaknesses, _ := json.Marshal(m.Weaknesses)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO job_matches (job_content_hash, resume_hash, score, strengths, weaknesses)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_content_hash, resume_hash)
		 DO UPDATE SET score = EXCLUDED.score, strengths = EXCLUDED.strengths, weaknesses = EXCLUDED.weaknesses`,
		m.JobContentHash, m.ResumeHash, m.Score, strengths, weaknesses); err != nil {
		return fmt.Errorf("storing match, %w", err)
	}
	return nil
}
