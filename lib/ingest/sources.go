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

	"github.com/gravitational/trace"
)

type sourceKey struct {
	name     string
	bundleID string
}

// SourceRegistry resolves (source name, bundle id) pairs to data source ids
// without a database round trip per element. It lives for one pipeline run:
// warmed at start, appended to on miss, discarded at the end.
//
// Not safe for concurrent use; the producer owns it. Cached ids are plain
// integers and may be shared with consumers freely.
type SourceRegistry struct {
	store Store
	cache map[sourceKey]int64
}

// NewSourceRegistry returns an empty registry over store.
func NewSourceRegistry(store Store) *SourceRegistry {
	return &SourceRegistry{
		store: store,
		cache: make(map[sourceKey]int64),
	}
}

// Warm pre-loads every known data source so the common case never touches
// the database.
func (r *SourceRegistry) Warm(ctx context.Context) error {
	sources, err := r.store.ListDataSources(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, s := range sources {
		r.cache[sourceKey{name: s.Name, bundleID: s.BundleID}] = s.ID
	}
	return nil
}

// Resolve returns the id for the declared source, creating the row when it
// is unknown. An element without a source name resolves to nil and the
// record stores no source.
func (r *SourceRegistry) Resolve(ctx context.Context, name, bundleID, deviceInfo string) (*int64, error) {
	if name == "" {
		return nil, nil
	}
	key := sourceKey{name: name, bundleID: bundleID}
	if id, ok := r.cache[key]; ok {
		return &id, nil
	}
	id, err := r.store.CreateDataSource(ctx, name, bundleID, deviceInfo)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cache[key] = id
	return &id, nil
}
