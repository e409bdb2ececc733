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

	"github.com/gravitational/trace"
)

// schemas provisions the landing tables. The user table itself belongs to
// the identity service; records carry a plain owner id.
var schemas = []string{
	`CREATE TABLE IF NOT EXISTS data_sources (
		id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		name text NOT NULL,
		bundle_id text,
		device_info text,
		CONSTRAINT uq_data_source_name_bundle
			UNIQUE NULLS NOT DISTINCT (name, bundle_id)
	)`,
	`CREATE TABLE IF NOT EXISTS import_batches (
		id uuid PRIMARY KEY,
		user_id bigint NOT NULL,
		filename text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		record_count bigint NOT NULL DEFAULT 0,
		status text NOT NULL DEFAULT 'processing',
		error_count bigint NOT NULL DEFAULT 0,
		skipped_count bigint NOT NULL DEFAULT 0,
		error_messages text
	)`,
	`CREATE TABLE IF NOT EXISTS health_records (
		time timestamptz NOT NULL,
		user_id bigint NOT NULL,
		metric_type text NOT NULL,
		value double precision NOT NULL,
		unit text NOT NULL DEFAULT '',
		end_time timestamptz,
		source_id bigint REFERENCES data_sources (id),
		batch_id uuid REFERENCES import_batches (id),
		PRIMARY KEY (time, user_id, metric_type),
		CONSTRAINT uq_health_record_dedup
			UNIQUE (user_id, metric_type, time, value, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_health_records_user_metric_time
		ON health_records (user_id, metric_type, time)`,
	`CREATE INDEX IF NOT EXISTS ix_health_records_batch_id
		ON health_records (batch_id)`,
	`CREATE TABLE IF NOT EXISTS category_records (
		time timestamptz NOT NULL,
		user_id bigint NOT NULL,
		category_type text NOT NULL,
		value text NOT NULL,
		value_label text,
		end_time timestamptz,
		source_id bigint REFERENCES data_sources (id),
		batch_id uuid REFERENCES import_batches (id),
		PRIMARY KEY (time, user_id, category_type)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_category_records_batch_id
		ON category_records (batch_id)`,
	`CREATE TABLE IF NOT EXISTS workouts (
		id uuid PRIMARY KEY,
		user_id bigint NOT NULL,
		time timestamptz NOT NULL,
		end_time timestamptz,
		activity_type text NOT NULL,
		duration_sec double precision,
		total_distance_m double precision,
		total_energy_kj double precision,
		source_id bigint REFERENCES data_sources (id),
		batch_id uuid REFERENCES import_batches (id),
		metadata jsonb,
		CONSTRAINT uq_workout_dedup UNIQUE (user_id, time, activity_type)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_workouts_batch_id ON workouts (batch_id)`,
	`CREATE TABLE IF NOT EXISTS workout_route_points (
		time timestamptz NOT NULL,
		workout_id uuid NOT NULL REFERENCES workouts (id),
		latitude double precision NOT NULL,
		longitude double precision NOT NULL,
		altitude_m double precision,
		PRIMARY KEY (time, workout_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_workout_route_points_workout_id
		ON workout_route_points (workout_id)`,
	`CREATE TABLE IF NOT EXISTS activity_summaries (
		date date NOT NULL,
		user_id bigint NOT NULL,
		active_energy_burned_kj double precision,
		active_energy_goal_kj double precision,
		exercise_minutes double precision,
		exercise_goal_minutes double precision,
		stand_hours bigint,
		stand_goal_hours bigint,
		PRIMARY KEY (date, user_id)
	)`,
}

func (s *Store) setupSchema(ctx context.Context) error {
	for _, stmt := range schemas {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying schema statement")
		}
	}
	return nil
}
