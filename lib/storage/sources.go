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

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/openvitals/vitals/lib/ingest"
)

// ListDataSources returns all known data sources, used to warm the
// producer's source cache before a run.
func (s *Store) ListDataSources(ctx context.Context) ([]ingest.DataSource, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, bundle_id, device_info FROM data_sources")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var sources []ingest.DataSource
	for rows.Next() {
		var src ingest.DataSource
		var bundleID, deviceInfo *string
		if err := rows.Scan(&src.ID, &src.Name, &bundleID, &deviceInfo); err != nil {
			return nil, trace.Wrap(err)
		}
		if bundleID != nil {
			src.BundleID = *bundleID
		}
		if deviceInfo != nil {
			src.DeviceInfo = *deviceInfo
		}
		sources = append(sources, src)
	}
	return sources, trace.Wrap(rows.Err())
}

const (
	// insertDataSourceSQL is an insert-first upsert: a concurrent creator
	// loses the conflict and falls through to the re-select below. The
	// unique constraint is declared NULLS NOT DISTINCT so two sources
	// without a bundle id arbitrate on the same key.
	insertDataSourceSQL = `INSERT INTO data_sources (name, bundle_id, device_info)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, bundle_id) DO NOTHING
		RETURNING id`

	selectDataSourceSQL = `SELECT id FROM data_sources
		WHERE name = $1 AND bundle_id IS NOT DISTINCT FROM $2`
)

// CreateDataSource returns the id of the source matching (name, bundleID),
// inserting it first if absent. Empty strings are stored as NULL.
func (s *Store) CreateDataSource(ctx context.Context, name, bundleID, deviceInfo string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, insertDataSourceSQL,
		name, nullString(bundleID), nullString(deviceInfo),
	).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict: another run inserted the row first, read its id.
	default:
		return 0, trace.Wrap(err)
	}
	err = s.pool.QueryRow(ctx, selectDataSourceSQL,
		name, nullString(bundleID),
	).Scan(&id)
	return id, trace.Wrap(err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
