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

// Package storage is the postgres persistence layer of the ingestion
// pipeline, built on pgx connection pools. Every bulk write acquires its own
// session from the pool and commits its own transaction, so concurrent
// writers never share a session.
package storage

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openvitals/vitals"
)

const defaultPoolMaxConns = 12

// Config sets up the postgres store.
type Config struct {
	// ConnString is a postgres connection string or URL (required).
	ConnString string
	// PoolMaxConns caps the connection pool. The default leaves room for
	// the parallel per-table inserts of all consumers plus the monitor.
	PoolMaxConns int32
	// Logger emits storage logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values of Config.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = defaultPoolMaxConns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Store is a postgres-backed implementation of the pipeline's storage
// surface (ingest.Store) plus the batch-record and reprocess operations
// used by the outer service.
type Store struct {
	cfg  Config
	log  *slog.Logger
	pool *pgxpool.Pool
}

// New connects to postgres and provisions the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg.MaxConns = cfg.PoolMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		cfg:  cfg,
		log:  cfg.Logger.With(vitals.ComponentKey, vitals.ComponentStorage),
		pool: pool,
	}
	if err := s.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
