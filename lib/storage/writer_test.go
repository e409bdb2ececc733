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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvitals/vitals/lib/defaults"
)

func TestInsertChunkRows(t *testing.T) {
	// A full workout chunk must stay under the parameter budget.
	rows := insertChunkRows(len(workoutColumns))
	assert.LessOrEqual(t, rows*len(workoutColumns), defaults.MaxInsertParams)
	assert.Positive(t, rows)

	// Degenerate column counts never produce a zero chunk.
	assert.Equal(t, 1, insertChunkRows(defaults.MaxInsertParams+1))
}

func TestMultirowInsertSQL(t *testing.T) {
	got := multirowInsertSQL("workouts", []string{"id", "user_id", "time"},
		"(user_id, time, activity_type)", 2)
	want := "INSERT INTO workouts (id, user_id, time) " +
		"VALUES ($1, $2, $3), ($4, $5, $6) " +
		"ON CONFLICT (user_id, time, activity_type) DO NOTHING"
	assert.Equal(t, want, got)
}

func TestMultirowInsertSQLPlaceholderCount(t *testing.T) {
	rows := insertChunkRows(len(workoutColumns))
	stmt := multirowInsertSQL("workouts", workoutColumns,
		"(user_id, time, activity_type)", rows)
	assert.Equal(t, rows*len(workoutColumns), strings.Count(stmt, "$"))
}

func TestBatchDeleteStatementOrder(t *testing.T) {
	// Children must go before their parents or the foreign keys reject the
	// delete: route points before workouts, and the batch row is never
	// deleted here.
	require.Len(t, batchDeleteStatements, 4)
	assert.Contains(t, batchDeleteStatements[0], "workout_route_points")
	assert.Contains(t, batchDeleteStatements[1], "FROM workouts")
	assert.Contains(t, batchDeleteStatements[2], "health_records")
	assert.Contains(t, batchDeleteStatements[3], "category_records")
	for _, stmt := range batchDeleteStatements {
		assert.NotContains(t, stmt, "import_batches")
		assert.NotContains(t, stmt, "activity_summaries")
	}
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg = Config{ConnString: "postgres://localhost/vitals"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	assert.Equal(t, int32(defaultPoolMaxConns), cfg.PoolMaxConns)
	assert.NotNil(t, cfg.Logger)
}
