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
	"strings"
	"time"
)

// exportTimeLayout is the vendor timestamp form, e.g.
// "2024-01-15 08:30:00 -0500".
const exportTimeLayout = "2006-01-02 15:04:05 -0700"

// exportDateLayout is the bare calendar-date form used by dateComponents.
const exportDateLayout = "2006-01-02"

// ParseExportTime parses the vendor timestamp form into a timezone-aware
// instant. The second return value is false for missing or unparseable input.
func ParseExportTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(exportTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseExportDate parses a bare "YYYY-MM-DD" calendar date.
func ParseExportDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(exportDateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
