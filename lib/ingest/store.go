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

// Package ingest runs the streaming ingestion pipeline: one producer parsing
// the export document, a pool of consumers bulk-writing parsed batches, and
// a monitor persisting progress and watching for cancellation requests.
package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/openvitals/vitals/lib/healthexport"
)

// BatchState is the lifecycle state of an import batch row.
type BatchState string

const (
	// StateProcessing marks a batch whose pipeline is running (or about to).
	StateProcessing BatchState = "processing"
	// StateCancelling is set externally to request cooperative cancellation.
	StateCancelling BatchState = "cancelling"
	// StateCancelled is the terminal state of a cancelled batch.
	StateCancelled BatchState = "cancelled"
	// StateCompleted is the terminal state of a successful run.
	StateCompleted BatchState = "completed"
	// StateFailed is the terminal state of a run that hit a fatal error.
	StateFailed BatchState = "failed"
)

// Terminal reports whether no further pipeline writes may follow.
func (s BatchState) Terminal() bool {
	switch s {
	case StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// DataSource mirrors a data_sources row. BundleID is the export's
// sourceVersion attribute, kept as a proxy for a real bundle identifier.
type DataSource struct {
	ID         int64
	Name       string
	BundleID   string
	DeviceInfo string
}

// BatchResult carries the final counters written when a batch reaches a
// terminal state.
type BatchResult struct {
	// Processed is the number of classified elements landed by consumers.
	Processed int64
	// Errors is the number of rows lost to non-fatal write failures.
	Errors int64
	// Skipped is the number of recognised elements that failed
	// classification.
	Skipped int64
	// Diagnostics holds a capped sample of per-element and per-write
	// failure messages.
	Diagnostics []string
}

// Store is the storage surface the pipeline depends on. Every bulk insert
// dedupes on the entity's natural key and runs on its own session, so
// independent inserts may be issued concurrently.
type Store interface {
	// ListDataSources returns every known data source; used to warm the
	// per-run source registry.
	ListDataSources(ctx context.Context) ([]DataSource, error)
	// CreateDataSource resolves (name, bundleID) to an id, inserting the
	// row if it is still absent. The check-and-insert is transactional.
	CreateDataSource(ctx context.Context, name, bundleID, deviceInfo string) (int64, error)

	InsertHealthRecords(ctx context.Context, records []healthexport.HealthRecord) error
	InsertCategoryRecords(ctx context.Context, records []healthexport.CategoryRecord) error
	InsertActivitySummaries(ctx context.Context, summaries []healthexport.ActivitySummary) error
	InsertWorkouts(ctx context.Context, workouts []healthexport.Workout) error
	InsertRoutePoints(ctx context.Context, points []healthexport.RoutePoint) error

	// UpdateBatchProgress persists the advisory processed count.
	UpdateBatchProgress(ctx context.Context, batchID uuid.UUID, processed int64) error
	// GetBatchState reads the batch row status; the monitor polls it for
	// an externally requested cancellation.
	GetBatchState(ctx context.Context, batchID uuid.UUID) (BatchState, error)
	// FinalizeBatch writes the terminal state and final counters.
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, state BatchState, result BatchResult) error
}
