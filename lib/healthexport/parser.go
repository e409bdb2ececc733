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
	"encoding/xml"
	"io"
)

// RecordElement is the raw attribute set of a <Record> element.
type RecordElement struct {
	Type          string `xml:"type,attr"`
	StartDate     string `xml:"startDate,attr"`
	EndDate       string `xml:"endDate,attr"`
	Value         string `xml:"value,attr"`
	Unit          string `xml:"unit,attr"`
	SourceName    string `xml:"sourceName,attr"`
	SourceVersion string `xml:"sourceVersion,attr"`
	Device        string `xml:"device,attr"`
}

// MetadataEntry is a <MetadataEntry> child of a workout or route.
type MetadataEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// LocationElement is a GPS sample nested under <WorkoutRoute>.
type LocationElement struct {
	Date      string `xml:"date,attr"`
	Latitude  string `xml:"latitude,attr"`
	Longitude string `xml:"longitude,attr"`
	Altitude  string `xml:"altitude,attr"`
}

// WorkoutRouteElement groups the location samples of one recorded route.
type WorkoutRouteElement struct {
	Metadata  []MetadataEntry   `xml:"MetadataEntry"`
	Locations []LocationElement `xml:"Location"`
}

// WorkoutElement is the raw form of a <Workout> element including its nested
// metadata and route children.
type WorkoutElement struct {
	ActivityType          string                `xml:"workoutActivityType,attr"`
	StartDate             string                `xml:"startDate,attr"`
	EndDate               string                `xml:"endDate,attr"`
	Duration              string                `xml:"duration,attr"`
	DurationUnit          string                `xml:"durationUnit,attr"`
	TotalDistance         string                `xml:"totalDistance,attr"`
	TotalDistanceUnit     string                `xml:"totalDistanceUnit,attr"`
	TotalEnergyBurned     string                `xml:"totalEnergyBurned,attr"`
	TotalEnergyBurnedUnit string                `xml:"totalEnergyBurnedUnit,attr"`
	SourceName            string                `xml:"sourceName,attr"`
	SourceVersion         string                `xml:"sourceVersion,attr"`
	Device                string                `xml:"device,attr"`
	Metadata              []MetadataEntry       `xml:"MetadataEntry"`
	Routes                []WorkoutRouteElement `xml:"WorkoutRoute"`
}

// ActivitySummaryElement is the raw attribute set of an <ActivitySummary>.
type ActivitySummaryElement struct {
	DateComponents         string `xml:"dateComponents,attr"`
	ActiveEnergyBurned     string `xml:"activeEnergyBurned,attr"`
	ActiveEnergyBurnedUnit string `xml:"activeEnergyBurnedUnit,attr"`
	ActiveEnergyBurnedGoal string `xml:"activeEnergyBurnedGoal,attr"`
	AppleExerciseTime      string `xml:"appleExerciseTime,attr"`
	AppleExerciseTimeGoal  string `xml:"appleExerciseTimeGoal,attr"`
	AppleStandHours        string `xml:"appleStandHours,attr"`
	AppleStandHoursGoal    string `xml:"appleStandHoursGoal,attr"`
}

// Element is one recognised export element; exactly one field is non-nil.
type Element struct {
	Record  *RecordElement
	Workout *WorkoutElement
	Summary *ActivitySummaryElement
}

// Scanner pulls recognised elements out of an export document one at a time.
// Each call to Next decodes a single element and releases it to the caller,
// so memory stays bounded by the largest single element regardless of
// document size.
type Scanner struct {
	dec *xml.Decoder
}

// NewScanner returns a Scanner over r. The decoder runs in non-strict mode:
// real exports occasionally contain unescaped characters in attribute values
// and the original importer tolerated them.
func NewScanner(r io.Reader) *Scanner {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	// Exports declare UTF-8 but the decoder refuses unknown declared
	// charsets outright without a reader; pass bytes through as-is.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return &Scanner{dec: dec}
}

// Next advances to the next Record, Workout or ActivitySummary element.
// All other elements are ignored. It returns io.EOF at the end of the
// document; any other error is a fatal structural parse error.
func (s *Scanner) Next() (Element, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return Element{}, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Record":
			var el RecordElement
			if err := s.dec.DecodeElement(&el, &se); err != nil {
				return Element{}, err
			}
			return Element{Record: &el}, nil
		case "Workout":
			var el WorkoutElement
			if err := s.dec.DecodeElement(&el, &se); err != nil {
				return Element{}, err
			}
			return Element{Workout: &el}, nil
		case "ActivitySummary":
			var el ActivitySummaryElement
			if err := s.dec.DecodeElement(&el, &se); err != nil {
				return Element{}, err
			}
			return Element{Summary: &el}, nil
		}
	}
}
