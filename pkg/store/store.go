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

// Package store is the durable (relational) layer: subscriptions, runs and
// the persistent match cache.
package store

import (
	"context"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

// Store bundles the three repositories over one database handle.
type Store struct {
	db            *sqlx.DB
	Subscriptions *SubscriptionStore
	Runs          *RunStore
	Matches       *MatchStore
}

// Open connects to postgres and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database, %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying schema, %w", err)
	}
	return NewFromDB(db), nil
}

// NewFromDB wires a Store over an existing handle (used by tests with
// sqlmock).
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{
		db:            db,
		Subscriptions: &SubscriptionStore{db: db},
		Runs:          &RunStore{db: db},
		Matches:       &MatchStore{db: db},
	}
}

func (s *Store) Close() error { return s.db.Close() }
