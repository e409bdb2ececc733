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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/openvitals/vitals/lib/defaults"
	"github.com/openvitals/vitals/lib/healthexport"
)

// Bulk inserts dedupe on the entity's natural key via conflict-ignore. The
// high-volume tables go through a COPY staging pattern: COPY into a
// session-local temp table, then INSERT ... SELECT ... ON CONFLICT DO
// NOTHING. That sidesteps the bind-parameter ceiling and is measurably
// faster than multi-row INSERT at batch sizes in the tens of thousands.
// Workouts carry a jsonb metadata column and stay on the parameterised
// path, chunked to the parameter budget.

var healthColumns = []string{
	"time", "user_id", "metric_type", "value", "unit",
	"end_time", "source_id", "batch_id",
}

// InsertHealthRecords bulk-inserts quantitative samples. Conflicts are
// ignored without naming an arbiter so both the primary key and the wider
// dedup constraint suppress duplicates.
func (s *Store) InsertHealthRecords(ctx context.Context, records []healthexport.HealthRecord) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.Time, r.UserID, r.MetricType, r.Value, r.Unit,
			r.EndTime, r.SourceID, r.BatchID,
		})
	}
	return trace.Wrap(s.copyUpsert(ctx, "health_records", healthColumns, "", rows))
}

var categoryColumns = []string{
	"time", "user_id", "category_type", "value", "value_label",
	"end_time", "source_id", "batch_id",
}

// InsertCategoryRecords bulk-inserts categorical samples.
func (s *Store) InsertCategoryRecords(ctx context.Context, records []healthexport.CategoryRecord) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.Time, r.UserID, r.CategoryType, r.Value, r.ValueLabel,
			r.EndTime, r.SourceID, r.BatchID,
		})
	}
	return trace.Wrap(s.copyUpsert(ctx, "category_records", categoryColumns,
		"(time, user_id, category_type)", rows))
}

var activityColumns = []string{
	"date", "user_id", "active_energy_burned_kj", "active_energy_goal_kj",
	"exercise_minutes", "exercise_goal_minutes", "stand_hours", "stand_goal_hours",
}

// InsertActivitySummaries bulk-inserts per-day roll-ups.
func (s *Store) InsertActivitySummaries(ctx context.Context, summaries []healthexport.ActivitySummary) error {
	rows := make([][]any, 0, len(summaries))
	for _, a := range summaries {
		rows = append(rows, []any{
			a.Date, a.UserID, a.ActiveEnergyBurnedKJ, a.ActiveEnergyGoalKJ,
			a.ExerciseMinutes, a.ExerciseGoalMinutes, a.StandHours, a.StandGoalHours,
		})
	}
	return trace.Wrap(s.copyUpsert(ctx, "activity_summaries", activityColumns,
		"(date, user_id)", rows))
}

var routePointColumns = []string{
	"time", "workout_id", "latitude", "longitude", "altitude_m",
}

// InsertRoutePoints bulk-inserts GPS samples. Callers insert the owning
// workouts first; the foreign key enforces it.
func (s *Store) InsertRoutePoints(ctx context.Context, points []healthexport.RoutePoint) error {
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, []any{
			p.Time, p.WorkoutID, p.Latitude, p.Longitude, p.AltitudeM,
		})
	}
	return trace.Wrap(s.copyUpsert(ctx, "workout_route_points", routePointColumns,
		"(time, workout_id)", rows))
}

var workoutColumns = []string{
	"id", "user_id", "time", "end_time", "activity_type", "duration_sec",
	"total_distance_m", "total_energy_kj", "source_id", "batch_id", "metadata",
}

// InsertWorkouts inserts workouts on the parameterised path, chunked so
// rows times columns stays under the parameter budget, deduplicating on the
// natural key.
func (s *Store) InsertWorkouts(ctx context.Context, workouts []healthexport.Workout) error {
	if len(workouts) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	chunkSize := insertChunkRows(len(workoutColumns))
	for start := 0; start < len(workouts); start += chunkSize {
		chunk := workouts[start:min(start+chunkSize, len(workouts))]
		args := make([]any, 0, len(chunk)*len(workoutColumns))
		for _, w := range chunk {
			var metadata []byte
			if len(w.Metadata) > 0 {
				metadata, err = json.Marshal(w.Metadata)
				if err != nil {
					return trace.Wrap(err)
				}
			}
			args = append(args,
				w.ID, w.UserID, w.Time, w.EndTime, w.ActivityType, w.DurationSec,
				w.TotalDistanceM, w.TotalEnergyKJ, w.SourceID, w.BatchID, metadata,
			)
		}
		stmt := multirowInsertSQL("workouts", workoutColumns,
			"(user_id, time, activity_type)", len(chunk))
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit(ctx))
}

// copyUpsert stages rows with COPY into a temp table scoped to the
// transaction, then moves them into table skipping conflicts. The whole
// operation runs on one session acquired for this call only.
func (s *Store) copyUpsert(ctx context.Context, table string, columns []string, conflictTarget string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	stage := "_stage_" + table
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage, table,
	)); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, columns, pgx.CopyFromRows(rows)); err != nil {
		return trace.Wrap(err)
	}
	colList := strings.Join(columns, ", ")
	conflict := "ON CONFLICT DO NOTHING"
	if conflictTarget != "" {
		conflict = "ON CONFLICT " + conflictTarget + " DO NOTHING"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s %s",
		table, colList, colList, stage, conflict,
	)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

// insertChunkRows returns how many rows fit in one parameterised statement.
func insertChunkRows(columns int) int {
	return max(1, defaults.MaxInsertParams/columns)
}

// multirowInsertSQL builds a multi-row INSERT with a conflict-ignore clause
// on the given arbiter columns.
func multirowInsertSQL(table string, columns []string, conflictTarget string, rowCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	arg := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for col := 0; col < len(columns); col++ {
			if col > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}
	fmt.Fprintf(&b, " ON CONFLICT %s DO NOTHING", conflictTarget)
	return b.String()
}
