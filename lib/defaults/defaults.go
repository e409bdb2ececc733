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

// Package defaults holds the shared tunables of the ingestion pipeline.
package defaults

import "time"

const (
	// BatchSize is how many records (across all entity kinds combined) a
	// single BatchPayload aggregates before it is handed to a consumer.
	// 25000 records keeps a payload around a few MB for typical exports.
	BatchSize = 25000

	// QueueDepth bounds the payload channel between the producer and the
	// consumers. Peak buffered payloads is QueueDepth plus one in-flight
	// payload per consumer.
	QueueDepth = 8

	// Consumers is how many database writers drain the payload channel.
	Consumers = 3

	// ProducerYieldInterval is the element interval at which the producer
	// checks the cancellation flag.
	ProducerYieldInterval = 2000

	// ProgressInterval is how often the monitor persists the processed
	// count and polls the batch row for a cancellation request.
	ProgressInterval = 2 * time.Second

	// MaxUploadSize caps an uploaded export stream (4 GiB).
	MaxUploadSize = 4 << 30

	// MaxInsertParams is the per-statement parameter budget for the
	// parameterised insert path. The postgres wire protocol caps bind
	// parameters at 65535 and the original service kept a 32k margin;
	// chunking keeps rows*columns under this.
	MaxInsertParams = 32000

	// TailProbeSize is how many bytes from the end of the XML file are
	// inspected for the root closing tag.
	TailProbeSize = 1024

	// MaxStoredErrors caps how many per-element diagnostics are retained
	// on the batch row.
	MaxStoredErrors = 50
)
