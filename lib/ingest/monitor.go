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
	"context"

	"github.com/openvitals/vitals"
)

// runMonitor persists the processed count every tick and polls the batch row
// for an external cancellation request. Transient storage errors are logged
// and retried on the next tick. The coordinator cancels ctx when the
// pipeline finishes; cancellation is a clean exit.
func (p *Pipeline) runMonitor(ctx context.Context) {
	log := p.log.With(vitals.ComponentKey, vitals.ComponentMonitor)
	ticker := p.cfg.Clock.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	var lastReported int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if current := p.processed.Load(); current != lastReported {
			if err := p.cfg.Store.UpdateBatchProgress(ctx, p.cfg.BatchID, current); err != nil {
				log.DebugContext(ctx, "Progress update failed, will retry.", "error", err)
			} else {
				lastReported = current
			}
		}

		state, err := p.cfg.Store.GetBatchState(ctx, p.cfg.BatchID)
		if err != nil {
			log.DebugContext(ctx, "Batch state poll failed, will retry.", "error", err)
			continue
		}
		if state == StateCancelling {
			log.InfoContext(ctx, "Cancellation request observed.")
			p.cancelRequested.Store(true)
			return
		}
	}
}
