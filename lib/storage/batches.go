/*
 * Vitals
 * Copyright (C) 2025  OpenVitals
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/openvitals/vitals/lib/ingest"
)

// ImportBatch mirrors an import_batches row.
type ImportBatch struct {
	ID            uuid.UUID
	UserID        int64
	Filename      string
	CreatedAt     time.Time
	RecordCount   int64
	Status        ingest.BatchState
	ErrorCount    int64
	SkippedCount  int64
	ErrorMessages string
}

// CreateBatch inserts the batch row in the processing state. The upload
// handler calls this before scheduling the pipeline.
func (s *Store) CreateBatch(ctx context.Context, batchID uuid.UUID, userID int64, filename string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO import_batches (id, user_id, filename, status) VALUES ($1, $2, $3, $4)",
		batchID, userID, filename, ingest.StateProcessing,
	)
	return trace.Wrap(err)
}

// GetBatch returns the batch row.
func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (*ImportBatch, error) {
	var b ImportBatch
	var errorMessages *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, filename, created_at, record_count, status,
			error_count, skipped_count, error_messages
		FROM import_batches WHERE id = $1`, batchID,
	).Scan(&b.ID, &b.UserID, &b.Filename, &b.CreatedAt, &b.RecordCount,
		&b.Status, &b.ErrorCount, &b.SkippedCount, &errorMessages)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("import batch %v not found", batchID)
		}
		return nil, trace.Wrap(err)
	}
	if errorMessages != nil {
		b.ErrorMessages = *errorMessages
	}
	return &b, nil
}

// GetBatchState reads the batch status; the monitor polls this.
func (s *Store) GetBatchState(ctx context.Context, batchID uuid.UUID) (ingest.BatchState, error) {
	var state ingest.BatchState
	err := s.pool.QueryRow(ctx,
		"SELECT status FROM import_batches WHERE id = $1", batchID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", trace.NotFound("import batch %v not found", batchID)
		}
		return "", trace.Wrap(err)
	}
	return state, nil
}

// UpdateBatchProgress persists the advisory processed count.
func (s *Store) UpdateBatchProgress(ctx context.Context, batchID uuid.UUID, processed int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE import_batches SET record_count = $2 WHERE id = $1",
		batchID, processed,
	)
	return trace.Wrap(err)
}

// FinalizeBatch writes the terminal state and final counters.
func (s *Store) FinalizeBatch(ctx context.Context, batchID uuid.UUID, state ingest.BatchState, result ingest.BatchResult) error {
	var errorMessages *string
	if len(result.Diagnostics) > 0 {
		joined := strings.Join(result.Diagnostics, "\n")
		errorMessages = &joined
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE import_batches
		SET status = $2, record_count = $3, error_count = $4,
			skipped_count = $5, error_messages = $6
		WHERE id = $1`,
		batchID, state, result.Processed, result.Errors, result.Skipped, errorMessages,
	)
	return trace.Wrap(err)
}

// RequestCancel flips a processing batch to cancelling. Only processing
// batches may be cancelled; any other state fails with a comparison error.
func (s *Store) RequestCancel(ctx context.Context, batchID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE import_batches SET status = $2 WHERE id = $1 AND status = $3",
		batchID, ingest.StateCancelling, ingest.StateProcessing,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.CompareFailed("import batch %v is not processing", batchID)
	}
	return nil
}

// batchDeleteStatements removes landed rows in foreign-key-safe order:
// route points by their workouts, then workouts, then the samples. Activity
// summaries carry no batch id; reruns dedupe them on (date, user_id).
var batchDeleteStatements = []string{
	`DELETE FROM workout_route_points WHERE workout_id IN
		(SELECT id FROM workouts WHERE batch_id = $1)`,
	`DELETE FROM workouts WHERE batch_id = $1`,
	`DELETE FROM health_records WHERE batch_id = $1`,
	`DELETE FROM category_records WHERE batch_id = $1`,
}

// ResetBatch deletes everything the batch landed and returns the row to the
// processing state with zeroed counters, ready for the pipeline to run
// again against the stored file.
func (s *Store) ResetBatch(ctx context.Context, batchID uuid.UUID) error {
	state, err := s.GetBatchState(ctx, batchID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !state.Terminal() {
		return trace.CompareFailed("import batch %v is still %v", batchID, state)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range batchDeleteStatements {
		if _, err := tx.Exec(ctx, stmt, batchID); err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE import_batches
		SET status = $2, record_count = 0, error_count = 0,
			skipped_count = 0, error_messages = NULL
		WHERE id = $1`,
		batchID, ingest.StateProcessing,
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

// DeleteBatch removes the batch and everything it landed. Batches still
// processing or cancelling cannot be deleted.
func (s *Store) DeleteBatch(ctx context.Context, batchID uuid.UUID) error {
	state, err := s.GetBatchState(ctx, batchID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !state.Terminal() {
		return trace.CompareFailed("import batch %v is still %v", batchID, state)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range batchDeleteStatements {
		if _, err := tx.Exec(ctx, stmt, batchID); err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM import_batches WHERE id = $1", batchID,
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}
