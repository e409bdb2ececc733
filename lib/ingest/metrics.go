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

package ingest

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vitals",
		Subsystem: "ingest",
		Name:      "records_processed_total",
		Help:      "Number of classified elements landed by consumers.",
	})
	elementsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vitals",
		Subsystem: "ingest",
		Name:      "elements_skipped_total",
		Help:      "Number of recognised elements that failed classification.",
	})
	batchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vitals",
		Subsystem: "ingest",
		Name:      "batches_flushed_total",
		Help:      "Number of payloads persisted by consumers.",
	})
	writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vitals",
		Subsystem: "ingest",
		Name:      "write_failures_total",
		Help:      "Number of non-fatal sub-insert failures.",
	})
)

// RegisterMetrics registers the pipeline collectors with reg. Registering
// twice is tolerated so multiple pipelines can share a process.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		recordsProcessed, elementsSkipped, batchesFlushed, writeFailures,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
