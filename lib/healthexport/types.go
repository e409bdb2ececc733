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

// Package healthexport streams Apple Health export documents and converts
// their elements into normalised records ready for persistence.
package healthexport

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vendor prefixes stripped from type identifiers.
const (
	QuantityTypePrefix = "HKQuantityTypeIdentifier"
	CategoryTypePrefix = "HKCategoryTypeIdentifier"
	WorkoutTypePrefix  = "HKWorkoutActivityType"

	categoryValuePrefix = "HKCategoryValue"
)

// workoutNamespace is the fixed uuid v5 namespace for workout ids. It must
// never change: reruns and reprocessing rely on workouts hashing to the same
// id across runs and machines.
var workoutNamespace = uuid.MustParse("a1b2c3d4-e5f6-7890-abcd-ef1234567890")

// HealthRecord is a single quantitative measurement.
type HealthRecord struct {
	Time       time.Time
	EndTime    *time.Time
	UserID     int64
	MetricType string
	Value      float64
	Unit       string
	SourceID   *int64
	BatchID    uuid.UUID
}

// CategoryRecord is a discrete-state observation.
type CategoryRecord struct {
	Time         time.Time
	EndTime      *time.Time
	UserID       int64
	CategoryType string
	Value        string
	ValueLabel   string
	SourceID     *int64
	BatchID      uuid.UUID
}

// Workout is a structured workout session. Metadata holds the open-ended
// MetadataEntry children and is stored as opaque JSON.
type Workout struct {
	ID             uuid.UUID
	UserID         int64
	Time           time.Time
	EndTime        *time.Time
	ActivityType   string
	DurationSec    *float64
	TotalDistanceM *float64
	TotalEnergyKJ  *float64
	SourceID       *int64
	BatchID        uuid.UUID
	Metadata       map[string]string
}

// RoutePoint is one GPS sample of a workout route.
type RoutePoint struct {
	Time      time.Time
	WorkoutID uuid.UUID
	Latitude  float64
	Longitude float64
	AltitudeM *float64
}

// ActivitySummary is the per-calendar-day activity roll-up.
type ActivitySummary struct {
	Date                 time.Time
	UserID               int64
	ActiveEnergyBurnedKJ *float64
	ActiveEnergyGoalKJ   *float64
	ExerciseMinutes      *float64
	ExerciseGoalMinutes  *float64
	StandHours           *int64
	StandGoalHours       *int64
}

// BatchPayload aggregates parsed records until it is large enough to hand to
// a database writer. Each entity kind keeps its own sub-list so independent
// tables can be written in parallel.
type BatchPayload struct {
	Health      []HealthRecord
	Category    []CategoryRecord
	Workouts    []Workout
	RoutePoints []RoutePoint
	Activity    []ActivitySummary
}

// Len returns the total record count across all entity kinds.
func (p *BatchPayload) Len() int {
	return len(p.Health) + len(p.Category) + len(p.Workouts) + len(p.RoutePoints) + len(p.Activity)
}

// ElementCount returns the number of classified source elements in the
// payload. Route points ride along with their workout and are not elements
// of their own.
func (p *BatchPayload) ElementCount() int {
	return len(p.Health) + len(p.Category) + len(p.Workouts) + len(p.Activity)
}

// WorkoutID derives the deterministic id of a workout from its natural key.
// The uuid v5 input matches the unique constraint (user, start time,
// activity type) so conflict-skip on the primary key dedupes reruns.
func WorkoutID(userID int64, start time.Time, activityType string) uuid.UUID {
	key := fmt.Sprintf("%d:%s:%s", userID, start.Format("2006-01-02T15:04:05-07:00"), activityType)
	return uuid.NewSHA1(workoutNamespace, []byte(key))
}

// CleanTypeName strips the vendor prefix from a type identifier.
func CleanTypeName(raw, prefix string) string {
	return strings.TrimPrefix(raw, prefix)
}

// CategoryValueLabel derives a human-readable label from a raw category
// value: the known prefix is dropped, then a space is inserted at every
// lowercase-to-uppercase boundary. Values without the vendor prefix (some
// categories carry bare numerics) get no label; the raw value is kept as is.
//
//	HKCategoryValueSleepAnalysisAsleepDeep -> "Sleep Analysis Asleep Deep"
//	HKCategoryValueNotApplicable           -> "Not Applicable"
func CategoryValueLabel(raw string) string {
	if !strings.HasPrefix(raw, categoryValuePrefix) {
		return ""
	}
	cleaned := strings.TrimPrefix(raw, categoryValuePrefix)
	var b strings.Builder
	b.Grow(len(cleaned) + 4)
	runes := []rune(cleaned)
	for i, r := range runes {
		if i > 0 && isLower(runes[i-1]) && isUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
