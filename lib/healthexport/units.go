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

import "strings"

// Conversion factors to SI targets.
const (
	kcalToKilojoules = 4.184
	kmToMeters       = 1000.0
	milesToMeters    = 1609.344
	minToSeconds     = 60.0
	hourToSeconds    = 3600.0
)

// EnergyToKilojoules converts an energy value to kilojoules. The dietary
// Calorie ("Cal") is a kilocalorie. The second return value is false when the
// unit is not recognised; the caller stores the raw value in that case.
func EnergyToKilojoules(value float64, unit string) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kcal", "cal":
		return value * kcalToKilojoules, true
	case "kj":
		return value, true
	}
	return value, false
}

// DistanceToMeters converts a distance value to metres.
func DistanceToMeters(value float64, unit string) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "km":
		return value * kmToMeters, true
	case "mi", "mile", "miles":
		return value * milesToMeters, true
	case "m", "meter", "meters":
		return value, true
	}
	return value, false
}

// DurationToSeconds converts a duration value to seconds.
func DurationToSeconds(value float64, unit string) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "min", "minute", "minutes":
		return value * minToSeconds, true
	case "hr", "hour", "hours":
		return value * hourToSeconds, true
	case "s", "sec", "second", "seconds":
		return value, true
	}
	return value, false
}
