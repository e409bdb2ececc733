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

package healthexport

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ErrSkipElement marks an element that cannot be classified: a missing
// required attribute, an unparseable date or a non-numeric value. The caller
// counts it and continues; it is never fatal.
var ErrSkipElement = errors.New("element skipped")

// Classifier converts raw export elements into normalised records attributed
// to one user and one import batch.
type Classifier struct {
	// UserID owns every record this classifier emits.
	UserID int64
	// BatchID is the import batch the records originate from.
	BatchID uuid.UUID
	// Logger emits unit diagnostics; nil disables them.
	Logger *slog.Logger
}

// Record classifies a <Record> element by its type prefix into either a
// quantitative or a categorical sample.
func (c *Classifier) Record(el *RecordElement, sourceID *int64) (*HealthRecord, *CategoryRecord, error) {
	start, ok := ParseExportTime(el.StartDate)
	if !ok {
		return nil, nil, trace.Wrap(ErrSkipElement, "record has no parseable startDate %q", el.StartDate)
	}
	end := optionalTime(el.EndDate)

	switch {
	case strings.HasPrefix(el.Type, QuantityTypePrefix):
		value, err := strconv.ParseFloat(strings.TrimSpace(el.Value), 64)
		if err != nil {
			return nil, nil, trace.Wrap(ErrSkipElement, "quantity record %q has non-numeric value %q", el.Type, el.Value)
		}
		return &HealthRecord{
			Time:       start,
			EndTime:    end,
			UserID:     c.UserID,
			MetricType: CleanTypeName(el.Type, QuantityTypePrefix),
			Value:      value,
			Unit:       el.Unit,
			SourceID:   sourceID,
			BatchID:    c.BatchID,
		}, nil, nil
	case strings.HasPrefix(el.Type, CategoryTypePrefix):
		return nil, &CategoryRecord{
			Time:         start,
			EndTime:      end,
			UserID:       c.UserID,
			CategoryType: CleanTypeName(el.Type, CategoryTypePrefix),
			Value:        el.Value,
			ValueLabel:   CategoryValueLabel(el.Value),
			SourceID:     sourceID,
			BatchID:      c.BatchID,
		}, nil
	default:
		return nil, nil, trace.Wrap(ErrSkipElement, "unrecognised record type %q", el.Type)
	}
}

// Workout converts a <Workout> element into a workout row plus the route
// points of its nested <WorkoutRoute> children. The workout id is derived
// from the natural key, so the same workout hashes to the same id on rerun.
func (c *Classifier) Workout(el *WorkoutElement, sourceID *int64) (*Workout, []RoutePoint, error) {
	start, ok := ParseExportTime(el.StartDate)
	if !ok {
		return nil, nil, trace.Wrap(ErrSkipElement, "workout has no parseable startDate %q", el.StartDate)
	}
	activity := CleanTypeName(el.ActivityType, WorkoutTypePrefix)
	id := WorkoutID(c.UserID, start, activity)

	w := &Workout{
		ID:             id,
		UserID:         c.UserID,
		Time:           start,
		EndTime:        optionalTime(el.EndDate),
		ActivityType:   activity,
		DurationSec:    c.convert(DurationToSeconds, el.Duration, el.DurationUnit, "min", "duration"),
		TotalDistanceM: c.convert(DistanceToMeters, el.TotalDistance, el.TotalDistanceUnit, "km", "distance"),
		TotalEnergyKJ:  c.convert(EnergyToKilojoules, el.TotalEnergyBurned, el.TotalEnergyBurnedUnit, "kcal", "energy"),
		SourceID:       sourceID,
		BatchID:        c.BatchID,
	}

	meta := make(map[string]string)
	addMetadata(meta, el.Metadata)
	for _, route := range el.Routes {
		addMetadata(meta, route.Metadata)
	}
	if len(meta) > 0 {
		w.Metadata = meta
	}

	var points []RoutePoint
	for _, route := range el.Routes {
		for _, loc := range route.Locations {
			t, ok := ParseExportTime(loc.Date)
			if !ok {
				continue
			}
			lat, latErr := strconv.ParseFloat(strings.TrimSpace(loc.Latitude), 64)
			lon, lonErr := strconv.ParseFloat(strings.TrimSpace(loc.Longitude), 64)
			if latErr != nil || lonErr != nil {
				continue
			}
			points = append(points, RoutePoint{
				Time:      t,
				WorkoutID: id,
				Latitude:  lat,
				Longitude: lon,
				AltitudeM: optionalFloat(loc.Altitude),
			})
		}
	}
	return w, points, nil
}

// Summary converts an <ActivitySummary> element into a per-day roll-up row.
func (c *Classifier) Summary(el *ActivitySummaryElement) (*ActivitySummary, error) {
	day, ok := ParseExportDate(el.DateComponents)
	if !ok {
		return nil, trace.Wrap(ErrSkipElement, "activity summary has no parseable dateComponents %q", el.DateComponents)
	}
	// The goal shares the unit attribute of the burned value.
	return &ActivitySummary{
		Date:                 day,
		UserID:               c.UserID,
		ActiveEnergyBurnedKJ: c.convert(EnergyToKilojoules, el.ActiveEnergyBurned, el.ActiveEnergyBurnedUnit, "kcal", "energy"),
		ActiveEnergyGoalKJ:   c.convert(EnergyToKilojoules, el.ActiveEnergyBurnedGoal, el.ActiveEnergyBurnedUnit, "kcal", "energy"),
		ExerciseMinutes:      optionalFloat(el.AppleExerciseTime),
		ExerciseGoalMinutes:  optionalFloat(el.AppleExerciseTimeGoal),
		StandHours:           optionalInt(el.AppleStandHours),
		StandGoalHours:       optionalInt(el.AppleStandHoursGoal),
	}, nil
}

type convertFunc func(value float64, unit string) (float64, bool)

// convert parses rawValue and normalises it with fn. A missing value yields
// nil; an unrecognised unit keeps the raw value and emits a debug diagnostic.
func (c *Classifier) convert(fn convertFunc, rawValue, unit, defaultUnit, domain string) *float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
	if err != nil {
		return nil
	}
	if unit == "" {
		unit = defaultUnit
	}
	converted, known := fn(value, unit)
	if !known && c.Logger != nil {
		c.Logger.DebugContext(context.Background(), "Unknown unit, storing raw value.", "domain", domain, "unit", unit)
	}
	return &converted
}

func addMetadata(dst map[string]string, entries []MetadataEntry) {
	for _, e := range entries {
		if e.Key != "" {
			dst[e.Key] = e.Value
		}
	}
}

func optionalTime(s string) *time.Time {
	if t, ok := ParseExportTime(s); ok {
		return &t
	}
	return nil
}

func optionalFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

func optionalInt(s string) *int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
